package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/events"
	"github.com/unclebandit/mailcampaign-backend/internal/metrics"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
)

// EventMeta carries the optional parts of a campaign event.
type EventMeta struct {
	TenantID   uuid.UUID
	LeadID     *uuid.UUID
	TemplateID *uuid.UUID
	FromEmail  string
	MessageID  string
	Attempts   int
	URL        string
	Reason     string
	IPAddress  string
	UserAgent  string
}

// EventRecorder appends to the campaign event log and keeps the campaign counters in step.
type EventRecorder struct {
	Events    repository.EventRepositoryInterface
	Campaigns repository.CampaignRepositoryInterface
	Publisher events.Publisher
	Log       zerolog.Logger
}

func newEvent(t model.EventType, campaignID uuid.UUID, email string, meta EventMeta) *model.CampaignEvent {
	return &model.CampaignEvent{
		ID:             uuid.New(),
		TenantID:       meta.TenantID,
		CampaignID:     campaignID,
		LeadID:         meta.LeadID,
		RecipientEmail: NormalizeEmail(email),
		Type:           t,
		TemplateID:     meta.TemplateID,
		FromEmail:      meta.FromEmail,
		MessageID:      meta.MessageID,
		Attempts:       meta.Attempts,
		URL:            meta.URL,
		Reason:         meta.Reason,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		Timestamp:      time.Now().UTC(),
	}
}

// RecordOpen keeps only the first open per (campaign, recipient). It reports whether this call recorded it.
func (r *EventRecorder) RecordOpen(ctx context.Context, campaignID uuid.UUID, email string, meta EventMeta) (bool, error) {
	ev := newEvent(model.EventOpened, campaignID, email, meta)
	if ev.RecipientEmail == "" {
		return false, appErrors.NewValidation("recipient_email", "invalid address")
	}

	seen, err := r.Events.HasEvent(ctx, campaignID, ev.RecipientEmail, model.EventOpened)
	if err != nil {
		return false, fmt.Errorf("check previous open: %w", err)
	}
	if seen {
		r.Log.Debug().Str("campaign_id", campaignID.String()).Str("recipient", ev.RecipientEmail).Msg("duplicate open ignored")
		return false, nil
	}

	// a concurrent first open can slip past the check above; the repository re-checks under its own lock
	inserted, err := r.Events.AppendIfAbsent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("append open: %w", err)
	}
	if !inserted {
		return false, nil
	}
	if err := r.bump(ctx, ev); err != nil {
		return true, err
	}
	return true, nil
}

// RecordClick counts every click.
func (r *EventRecorder) RecordClick(ctx context.Context, campaignID uuid.UUID, email, target string, meta EventMeta) error {
	meta.URL = target
	return r.RecordEvent(ctx, model.EventClicked, campaignID, email, meta)
}

// RecordEvent appends unconditionally and increments the matching counter.
func (r *EventRecorder) RecordEvent(ctx context.Context, t model.EventType, campaignID uuid.UUID, email string, meta EventMeta) error {
	if !t.Valid() {
		return appErrors.NewValidation("event_type", fmt.Sprintf("unknown event type %q", t))
	}
	if t == model.EventOpened {
		_, err := r.RecordOpen(ctx, campaignID, email, meta)
		return err
	}
	ev := newEvent(t, campaignID, email, meta)
	if err := r.Events.Append(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", t, err)
	}
	return r.bump(ctx, ev)
}

func (r *EventRecorder) bump(ctx context.Context, ev *model.CampaignEvent) error {
	if col := ev.Type.CounterColumn(); col != "" {
		if err := r.Campaigns.IncrementCounter(ctx, ev.CampaignID, col); err != nil {
			return fmt.Errorf("increment %s: %w", col, err)
		}
	}
	metrics.IncEventRecorded(string(ev.Type))

	if r.Publisher != nil {
		if err := r.Publisher.Publish(ctx, *ev); err != nil {
			r.Log.Warn().Err(err).
				Str("campaign_id", ev.CampaignID.String()).
				Str("event_type", string(ev.Type)).
				Msg("failed to publish campaign event")
		}
	}
	return nil
}
