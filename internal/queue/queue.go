package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// DispatchQueue holds one unit per (campaign, recipient). Units become visible to Dequeue once their
// VisibleAt has passed. A dequeued unit stays in flight until it is acked, retried or parked.
type DispatchQueue interface {
	Enqueue(ctx context.Context, units []model.DispatchUnit, opts EnqueueOptions) error
	// Dequeue blocks until a unit is visible or ctx is done.
	Dequeue(ctx context.Context) (*model.DispatchUnit, error)
	Ack(ctx context.Context, unit *model.DispatchUnit) error
	Retry(ctx context.Context, unit *model.DispatchUnit, delay time.Duration) error
	// Park sets an in-flight unit aside until its campaign is released.
	Park(ctx context.Context, unit *model.DispatchUnit) error
	Hold(ctx context.Context, campaignID uuid.UUID) (int, error)
	Release(ctx context.Context, campaignID uuid.UUID, perItemDelay time.Duration) (int, error)
	// CancelAll drops every waiting and parked unit of the campaign. In-flight units are left alone.
	CancelAll(ctx context.Context, campaignID uuid.UUID) (int, error)
	// Outstanding counts waiting, parked and in-flight units.
	Outstanding(ctx context.Context, campaignID uuid.UUID) (int, error)
}

type EnqueueOptions struct {
	BaseDelay    time.Duration
	PerItemDelay time.Duration
}

// UnitID is stable per (campaign, index). The zero padding keeps lexical order equal to index order.
func UnitID(campaignID uuid.UUID, index int) string {
	return fmt.Sprintf("%s:%010d", campaignID, index)
}

// schedule stamps IDs and visibility times onto units in index order.
func schedule(units []model.DispatchUnit, now time.Time, opts EnqueueOptions) {
	for i := range units {
		u := &units[i]
		if u.ID == "" {
			u.ID = UnitID(u.CampaignID, u.Index)
		}
		u.VisibleAt = now.Add(opts.BaseDelay + time.Duration(u.Index)*opts.PerItemDelay)
	}
}
