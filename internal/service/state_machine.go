package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/metrics"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/queue"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
)

// transitions lists every status change a request or worker may ask for.
var transitions = map[model.CampaignStatus][]model.CampaignStatus{
	model.StatusDraft:     {model.StatusActive, model.StatusCancelled},
	model.StatusScheduled: {model.StatusActive, model.StatusPaused, model.StatusCancelled},
	model.StatusActive:    {model.StatusPaused, model.StatusCompleted, model.StatusFailed},
	model.StatusPaused:    {model.StatusActive, model.StatusCancelled},
}

func CanTransition(from, to model.CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine owns campaigns.status. Every change is a compare-and-swap against the status it read.
type StateMachine struct {
	Campaigns repository.CampaignRepositoryInterface
	Queue     queue.DispatchQueue
	Log       zerolog.Logger
}

// EnsureEditable rejects content edits outside Draft, Scheduled and Paused.
func (m *StateMachine) EnsureEditable(c *model.Campaign) error {
	if !c.Status.Editable() {
		return &appErrors.CampaignLockedError{Status: string(c.Status)}
	}
	return nil
}

// Swap validates and applies change against c, updating c in place on success.
func (m *StateMachine) Swap(ctx context.Context, c *model.Campaign, change repository.StatusChange) error {
	if change.From == "" {
		change.From = c.Status
	}
	if !CanTransition(change.From, change.To) {
		return &appErrors.InvalidTransitionError{From: string(change.From), To: string(change.To)}
	}
	ok, err := m.Campaigns.CompareAndSwapStatus(ctx, c.ID, change)
	if err != nil {
		return err
	}
	if !ok {
		return &appErrors.ConcurrencyConflict{CampaignID: c.ID, Expected: string(change.From)}
	}

	c.Status = change.To
	if change.TotalRecipients != nil {
		c.TotalRecipients = *change.TotalRecipients
	}
	if change.LastError != nil {
		c.LastError = *change.LastError
	}
	metrics.IncTransition(string(change.From), string(change.To))
	m.Log.Info().
		Str("campaign_id", c.ID.String()).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Msg("campaign status changed")
	return nil
}

// Transition loads the campaign and moves it to the target status.
func (m *StateMachine) Transition(ctx context.Context, id uuid.UUID, to model.CampaignStatus) (*model.Campaign, error) {
	c, err := m.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.Swap(ctx, c, repository.StatusChange{From: c.Status, To: to}); err != nil {
		return nil, err
	}
	return c, nil
}

// Activate moves a Draft or Scheduled campaign to Active and records the recipient total.
func (m *StateMachine) Activate(ctx context.Context, c *model.Campaign, total int) error {
	now := time.Now().UTC()
	return m.Swap(ctx, c, repository.StatusChange{
		From:            c.Status,
		To:              model.StatusActive,
		TotalRecipients: &total,
		LastSentAt:      &now,
	})
}

// Retotal records the recipient total of an Active campaign that is dispatched late, on resume.
func (m *StateMachine) Retotal(ctx context.Context, c *model.Campaign, total int) error {
	ok, err := m.Campaigns.CompareAndSwapStatus(ctx, c.ID, repository.StatusChange{
		From:            model.StatusActive,
		To:              model.StatusActive,
		TotalRecipients: &total,
	})
	if err != nil {
		return err
	}
	if !ok {
		return &appErrors.ConcurrencyConflict{CampaignID: c.ID, Expected: string(model.StatusActive)}
	}
	c.TotalRecipients = total
	return nil
}

// Fail moves an Active campaign to Failed and drops whatever is still queued for it.
func (m *StateMachine) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	c, err := m.Campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == model.StatusFailed {
		return nil
	}
	err = m.Swap(ctx, c, repository.StatusChange{From: model.StatusActive, To: model.StatusFailed, LastError: &reason})
	if err != nil {
		return err
	}
	if n, err := m.Queue.CancelAll(ctx, id); err != nil {
		m.Log.Error().Err(err).Str("campaign_id", id.String()).Msg("failed to drop queued units of failed campaign")
	} else if n > 0 {
		m.Log.Info().Str("campaign_id", id.String()).Int("units", n).Msg("dropped queued units of failed campaign")
	}
	return nil
}

// CompleteIfDrained moves an Active campaign to Completed once nothing is waiting, parked or in flight.
// Losing the race to another completer is not an error.
func (m *StateMachine) CompleteIfDrained(ctx context.Context, id uuid.UUID) (bool, error) {
	c, err := m.Campaigns.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != model.StatusActive {
		return false, nil
	}
	n, err := m.Queue.Outstanding(ctx, id)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	err = m.Swap(ctx, c, repository.StatusChange{From: model.StatusActive, To: model.StatusCompleted})
	var conflict *appErrors.ConcurrencyConflict
	if errors.As(err, &conflict) {
		return false, nil
	}
	return err == nil, err
}
