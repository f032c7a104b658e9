package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
)

const schedulerBatch = 50

// Scheduler sends Scheduled campaigns once their scheduled_at has passed.
type Scheduler struct {
	Campaigns repository.CampaignRepositoryInterface
	Service   *CampaignService
	Interval  time.Duration
	Log       zerolog.Logger
}

func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx, time.Now().UTC())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick starts every due campaign and returns how many were started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due, err := s.Campaigns.ListDueScheduled(ctx, now, schedulerBatch)
	if err != nil {
		s.Log.Error().Err(err).Msg("list due campaigns")
		return 0
	}
	started := 0
	for _, c := range due {
		_, err := s.Service.SendCampaign(ctx, c.TenantID, c.ID)
		var conflict *appErrors.ConcurrencyConflict
		switch {
		case err == nil:
			started++
		case errors.As(err, &conflict):
			// another replica picked it up
		default:
			s.Log.Error().Err(err).Str("campaign_id", c.ID.String()).Msg("scheduled send failed")
		}
	}
	return started
}
