package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// MemoryQueue is a single-process DispatchQueue. Used with QUEUE_DRIVER=memory and in tests.
type MemoryQueue struct {
	mu           sync.Mutex
	ready        unitHeap
	inflight     map[string]model.DispatchUnit
	parked       map[uuid.UUID][]model.DispatchUnit
	pollInterval time.Duration
	now          func() time.Time
}

func NewMemoryQueue(pollInterval time.Duration) *MemoryQueue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &MemoryQueue{
		inflight:     make(map[string]model.DispatchUnit),
		parked:       make(map[uuid.UUID][]model.DispatchUnit),
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, units []model.DispatchUnit, opts EnqueueOptions) error {
	batch := append([]model.DispatchUnit(nil), units...)
	schedule(batch, q.now(), opts)

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range batch {
		heap.Push(&q.ready, u)
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*model.DispatchUnit, error) {
	for {
		if u, ok := q.claim(); ok {
			return u, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *MemoryQueue) claim() (*model.DispatchUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 || q.ready[0].VisibleAt.After(q.now()) {
		return nil, false
	}
	u := heap.Pop(&q.ready).(model.DispatchUnit)
	q.inflight[u.ID] = u
	return &u, true
}

func (q *MemoryQueue) Ack(ctx context.Context, unit *model.DispatchUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, unit.ID)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, unit *model.DispatchUnit, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, unit.ID)
	u := *unit
	u.VisibleAt = q.now().Add(delay)
	heap.Push(&q.ready, u)
	return nil
}

func (q *MemoryQueue) Park(ctx context.Context, unit *model.DispatchUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, unit.ID)
	q.parked[unit.CampaignID] = append(q.parked[unit.CampaignID], *unit)
	return nil
}

func (q *MemoryQueue) Hold(ctx context.Context, campaignID uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	held := q.removeReady(campaignID)
	q.parked[campaignID] = append(q.parked[campaignID], held...)
	return len(held), nil
}

func (q *MemoryQueue) Release(ctx context.Context, campaignID uuid.UUID, perItemDelay time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	units := q.parked[campaignID]
	delete(q.parked, campaignID)
	sort.Slice(units, func(i, j int) bool { return units[i].Index < units[j].Index })

	now := q.now()
	for i, u := range units {
		u.VisibleAt = now.Add(time.Duration(i) * perItemDelay)
		heap.Push(&q.ready, u)
	}
	return len(units), nil
}

func (q *MemoryQueue) CancelAll(ctx context.Context, campaignID uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := len(q.removeReady(campaignID)) + len(q.parked[campaignID])
	delete(q.parked, campaignID)
	return removed, nil
}

func (q *MemoryQueue) Outstanding(ctx context.Context, campaignID uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.parked[campaignID])
	for _, u := range q.ready {
		if u.CampaignID == campaignID {
			n++
		}
	}
	for _, u := range q.inflight {
		if u.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

// removeReady must be called with q.mu held.
func (q *MemoryQueue) removeReady(campaignID uuid.UUID) []model.DispatchUnit {
	var removed []model.DispatchUnit
	kept := q.ready[:0]
	for _, u := range q.ready {
		if u.CampaignID == campaignID {
			removed = append(removed, u)
			continue
		}
		kept = append(kept, u)
	}
	q.ready = kept
	heap.Init(&q.ready)
	return removed
}

// unitHeap orders by visibility, then by enqueue index.
type unitHeap []model.DispatchUnit

func (h unitHeap) Len() int { return len(h) }
func (h unitHeap) Less(i, j int) bool {
	if h[i].VisibleAt.Equal(h[j].VisibleAt) {
		return h[i].Index < h[j].Index
	}
	return h[i].VisibleAt.Before(h[j].VisibleAt)
}
func (h unitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *unitHeap) Push(x any)   { *h = append(*h, x.(model.DispatchUnit)) }
func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	u := old[n-1]
	*h = old[:n-1]
	return u
}

var _ DispatchQueue = (*MemoryQueue)(nil)
