package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailcampaign-backend/internal/logger"
	"github.com/unclebandit/mailcampaign-backend/internal/mailer"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/queue"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
	"github.com/unclebandit/mailcampaign-backend/internal/service"
)

// fakeTransport records every message. failFirst makes the first n sends to an address fail with failWith.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []mailer.Message
	failFirst map[string]int
	failWith  error
	verifyErr error
}

func (f *fakeTransport) Send(ctx context.Context, m mailer.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failFirst[m.To]; n > 0 {
		f.failFirst[m.To] = n - 1
		return "", f.failWith
	}
	f.sent = append(f.sent, m)
	return fmt.Sprintf("<%d@test.local>", len(f.sent)), nil
}

func (f *fakeTransport) Verify(ctx context.Context) error { return f.verifyErr }

func (f *fakeTransport) Sent() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.sent...)
}

type fakeProvider struct {
	t   *fakeTransport
	err error
}

func (p fakeProvider) For(ctx context.Context, tenantID uuid.UUID) (mailer.Transport, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.t, nil
}

type harness struct {
	store     *repository.MemoryStore
	queue     *queue.MemoryQueue
	transport *fakeTransport
	svc       *service.CampaignService
	tracking  *service.TrackingService
	worker    *service.Worker
	tenant    uuid.UUID
	template  model.Template
	created   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	q := queue.NewMemoryQueue(2 * time.Millisecond)
	tr := &fakeTransport{failFirst: map[string]int{}}
	provider := fakeProvider{t: tr}
	log := logger.Nop()

	tenant := uuid.New()
	tpl := store.AddTemplate(model.Template{TenantID: tenant, Name: "welcome", Subject: "Hi {{name}}", HTML: `<p>Hello {{name}}</p><a href="https://example.com/offer">offer</a>`})
	store.AddSender(model.FromAddress{TenantID: tenant, FullName: "Sales", Email: "sales@acme.test", Verified: true})

	states := &service.StateMachine{Campaigns: store.Campaigns(), Queue: q, Log: log}
	recorder := &service.EventRecorder{Events: store.Events(), Campaigns: store.Campaigns(), Log: log}
	renderer := service.Renderer{TrackingBaseURL: "https://track.acme.test"}

	svc := &service.CampaignService{
		CampaignRepo: store.Campaigns(),
		LeadRepo:     store.Leads(),
		CatalogRepo:  store.Catalog(),
		EventRepo:    store.Events(),
		Queue:        q,
		Resolver:     &service.RecipientResolver{Leads: store.Leads(), Catalog: store.Catalog()},
		States:       states,
		Transports:   provider,
		Renderer:     renderer,
		Dispatch:     service.DispatchOptions{TemplateSelection: service.TemplateFirst},
		Log:          log,
	}
	worker := &service.Worker{
		Queue:      q,
		Campaigns:  store.Campaigns(),
		Leads:      store.Leads(),
		Catalog:    store.Catalog(),
		Senders:    &service.LRUSenderPool{Catalog: store.Catalog()},
		Transports: provider,
		Recorder:   recorder,
		States:     states,
		Renderer:   renderer,
		Opts: service.WorkerOptions{
			Concurrency: 3,
			MaxAttempts: 3,
			Backoff:     queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
			SendTimeout: time.Second,
			IdleDelay:   10 * time.Millisecond,
		},
		Log: log,
	}
	return &harness{
		store:     store,
		queue:     q,
		transport: tr,
		svc:       svc,
		tracking:  &service.TrackingService{Campaigns: store.Campaigns(), Leads: store.Leads(), Recorder: recorder, Log: log},
		worker:    worker,
		tenant:    tenant,
		template:  tpl,
	}
}

// list seeds leads for the given addresses and returns a list source over them.
func (h *harness) list(emails ...string) model.SourceRef {
	ids := make([]uuid.UUID, len(emails))
	for i, e := range emails {
		ids[i] = h.store.AddLead(model.Lead{TenantID: h.tenant, Email: e, FirstName: "Lead", LastName: fmt.Sprint(i)}).ID
	}
	l := h.store.AddList(model.RecipientList{TenantID: h.tenant, Name: "list", Members: ids})
	return model.SourceRef{Kind: model.SourceList, ID: l.ID}
}

func (h *harness) campaign(t *testing.T, sources ...model.SourceRef) *model.Campaign {
	t.Helper()
	h.created++
	c, err := h.svc.CreateCampaign(context.Background(), service.CreateCampaignInput{
		TenantID:    h.tenant,
		Name:        fmt.Sprintf("Spring promo %d", h.created),
		TemplateIDs: []uuid.UUID{h.template.ID},
		Sources:     sources,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) status(t *testing.T, id uuid.UUID) *model.Campaign {
	t.Helper()
	c, err := h.store.Campaigns().GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

// runUntilDone runs the worker pool until the campaign leaves Active.
func (h *harness) runUntilDone(t *testing.T, id uuid.UUID) *model.Campaign {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := h.store.Campaigns().GetByID(context.Background(), id)
		return err == nil && c.Status != model.StatusActive
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	return h.status(t, id)
}

func (h *harness) events(id uuid.UUID, typ model.EventType) []model.CampaignEvent {
	var out []model.CampaignEvent
	for _, ev := range h.store.AllEvents() {
		if ev.CampaignID == id && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
