package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/mailer"
	"github.com/unclebandit/mailcampaign-backend/internal/metrics"
	"github.com/unclebandit/mailcampaign-backend/internal/model"
	"github.com/unclebandit/mailcampaign-backend/internal/queue"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
)

type WorkerOptions struct {
	Concurrency  int
	MaxAttempts  int
	Backoff      queue.Backoff
	SendTimeout  time.Duration
	PerItemDelay time.Duration // spacing used when a parked campaign is released again
	IdleDelay    time.Duration // wait after a queue error
}

// Worker drains the dispatch queue with a bounded number of goroutines.
type Worker struct {
	Queue      queue.DispatchQueue
	Campaigns  repository.CampaignRepositoryInterface
	Leads      repository.LeadRepositoryInterface
	Catalog    repository.CatalogRepositoryInterface
	Senders    SenderPool
	Transports mailer.TransportProvider
	Recorder   *EventRecorder
	States     *StateMachine
	Renderer   Renderer
	Opts       WorkerOptions
	Log        zerolog.Logger
}

// Outcome of processing one unit.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeRetried = "retried"
	OutcomeParked  = "parked"
	OutcomeDropped = "dropped"
)

// Run blocks until ctx is cancelled. Sends already started when ctx ends are allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Opts.Concurrency
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		slot := i
		g.Go(func() error { return w.loop(gctx, slot) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	log := w.Log.With().Int("slot", slot).Logger()
	idle := w.Opts.IdleDelay
	if idle <= 0 {
		idle = time.Second
	}
	for {
		unit, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
			continue
		}

		outcome, err := w.Process(context.WithoutCancel(ctx), unit)
		if err != nil {
			log.Error().Err(err).Str("unit_id", unit.ID).Msg("unit processing error")
		}
		metrics.IncUnitProcessed(outcome)
	}
}

// Process runs one attempt for unit and settles it in the queue: ack, retry, or park.
func (w *Worker) Process(ctx context.Context, unit *model.DispatchUnit) (string, error) {
	log := w.Log.With().
		Str("unit_id", unit.ID).
		Str("campaign_id", unit.CampaignID.String()).
		Str("recipient", unit.Email).
		Logger()

	c, err := w.Campaigns.GetByID(ctx, unit.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return OutcomeDropped, w.Queue.Ack(ctx, unit)
		}
		// not an attempt; put it back unchanged
		return OutcomeRetried, errors.Join(err, w.Queue.Retry(ctx, unit, w.Opts.Backoff.Delay(1)))
	}

	switch c.Status {
	case model.StatusActive:
	case model.StatusPaused:
		return OutcomeParked, w.park(ctx, unit, log)
	default:
		log.Debug().Str("status", string(c.Status)).Msg("campaign no longer active, dropping unit")
		return OutcomeDropped, w.Queue.Ack(ctx, unit)
	}

	unit.Attempts++
	log = log.With().Int("attempt", unit.Attempts).Logger()

	meta := EventMeta{TenantID: unit.TenantID, LeadID: &unit.LeadID, TemplateID: &unit.TemplateID, Attempts: unit.Attempts}

	if lead, err := w.Leads.GetByID(ctx, unit.LeadID); err == nil && !lead.Status.Sendable() {
		meta.Reason = "lead is " + string(lead.Status)
		return w.terminalFailure(ctx, unit, meta, log)
	}

	tpl, err := w.Catalog.GetTemplate(ctx, unit.TemplateID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			meta.Reason = "template not found"
			return w.terminalFailure(ctx, unit, meta, log)
		}
		return w.transientFailure(ctx, unit, meta, err, log)
	}

	transport, err := w.Transports.For(ctx, unit.TenantID)
	if err != nil {
		return w.handleSendError(ctx, c, unit, meta, err, log)
	}
	from, err := w.Senders.Acquire(ctx, unit.TenantID)
	if err != nil {
		return w.handleSendError(ctx, c, unit, meta, err, log)
	}
	meta.FromEmail = from.Email

	rendered := w.Renderer.Render(tpl, c.Subject, RenderData{
		CampaignID: unit.CampaignID,
		LeadID:     unit.LeadID,
		Email:      unit.Email,
		FirstName:  unit.FirstName,
		LastName:   unit.LastName,
		SenderName: from.FullName,
	}, true)

	timeout := w.Opts.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	messageID, err := transport.Send(sctx, mailer.Message{
		From:     from.Email,
		FromName: from.FullName,
		To:       unit.Email,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
	})
	cancel()
	metrics.ObserveSend(time.Since(start), err == nil)
	if err != nil {
		return w.handleSendError(ctx, c, unit, meta, err, log)
	}

	meta.MessageID = messageID
	if err := w.Recorder.RecordEvent(ctx, model.EventSent, unit.CampaignID, unit.Email, meta); err != nil {
		// the message is out; acking anyway avoids sending it twice
		log.Error().Err(err).Msg("failed to record sent event")
	}
	if err := w.Campaigns.TouchLastSent(ctx, unit.CampaignID, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("failed to update last_sent_at")
	}
	log.Info().Str("message_id", messageID).Msg("email sent")
	return OutcomeSent, w.settle(ctx, unit)
}

func (w *Worker) handleSendError(ctx context.Context, c *model.Campaign, unit *model.DispatchUnit, meta EventMeta, err error, log zerolog.Logger) (string, error) {
	var setup *appErrors.SetupError
	if errors.As(err, &setup) {
		log.Error().Err(err).Msg("mail transport unusable, failing campaign")
		if ferr := w.States.Fail(ctx, c.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("failed to mark campaign failed")
		}
		return OutcomeDropped, w.Queue.Ack(ctx, unit)
	}

	var te *appErrors.TransportError
	if errors.As(err, &te) && te.Permanent {
		meta.Reason = te.Error()
		if lerr := w.Leads.UpdateStatus(ctx, unit.LeadID, model.LeadInvalid); lerr != nil {
			log.Warn().Err(lerr).Msg("failed to mark lead invalid")
		}
		return w.terminalFailure(ctx, unit, meta, log)
	}
	if te != nil && te.Unknown {
		meta.Reason = te.Error()
		return w.terminalFailure(ctx, unit, meta, log)
	}
	return w.transientFailure(ctx, unit, meta, err, log)
}

func (w *Worker) transientFailure(ctx context.Context, unit *model.DispatchUnit, meta EventMeta, err error, log zerolog.Logger) (string, error) {
	unit.LastError = err.Error()
	maxAttempts := w.Opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if unit.Attempts < maxAttempts {
		delay := w.Opts.Backoff.Delay(unit.Attempts)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("send failed, will retry")
		return OutcomeRetried, w.Queue.Retry(ctx, unit, delay)
	}
	meta.Reason = err.Error()
	return w.terminalFailure(ctx, unit, meta, log)
}

func (w *Worker) terminalFailure(ctx context.Context, unit *model.DispatchUnit, meta EventMeta, log zerolog.Logger) (string, error) {
	log.Warn().Str("reason", meta.Reason).Msg("unit failed")
	if err := w.Recorder.RecordEvent(ctx, model.EventFailed, unit.CampaignID, unit.Email, meta); err != nil {
		log.Error().Err(err).Msg("failed to record failed event")
	}
	return OutcomeFailed, w.settle(ctx, unit)
}

// settle acks a unit that reached a terminal event and completes the campaign if it was the last one.
func (w *Worker) settle(ctx context.Context, unit *model.DispatchUnit) error {
	if err := w.Queue.Ack(ctx, unit); err != nil {
		return err
	}
	_, err := w.States.CompleteIfDrained(ctx, unit.CampaignID)
	return err
}

// park sets the unit aside for a paused campaign. If the campaign moved on while we parked,
// release or drop again so the unit is not stranded.
func (w *Worker) park(ctx context.Context, unit *model.DispatchUnit, log zerolog.Logger) error {
	if err := w.Queue.Park(ctx, unit); err != nil {
		return err
	}
	c, err := w.Campaigns.GetByID(ctx, unit.CampaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case model.StatusPaused:
		return nil
	case model.StatusActive:
		n, err := w.Queue.Release(ctx, unit.CampaignID, w.Opts.PerItemDelay)
		log.Debug().Int("released", n).Msg("campaign resumed while parking")
		return err
	default:
		_, err := w.Queue.CancelAll(ctx, unit.CampaignID)
		return err
	}
}
