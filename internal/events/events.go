package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcampaign-backend/internal/model"
)

// Publisher pushes recorded campaign events to an external sink (log, broker, ...).
type Publisher interface {
	Publish(ctx context.Context, ev model.CampaignEvent) error
}

// Logger is a Publisher that writes events to the structured log.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger { return &Logger{log: log} }

func (l *Logger) Publish(ctx context.Context, ev model.CampaignEvent) error {
	e := l.log.Info().
		Str("event_type", string(ev.Type)).
		Str("tenant_id", ev.TenantID.String()).
		Str("campaign_id", ev.CampaignID.String()).
		Str("recipient", ev.RecipientEmail).
		Time("ts", ev.Timestamp)
	if ev.URL != "" {
		e = e.Str("url", ev.URL)
	}
	if ev.Reason != "" {
		e = e.Str("reason", ev.Reason)
	}
	if ev.Attempts > 0 {
		e = e.Int("attempts", ev.Attempts)
	}
	e.Msg("campaign event")
	return nil
}

// Multi fans out to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev model.CampaignEvent) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Publisher = (*Logger)(nil)
	_ Publisher = Multi(nil)
)
