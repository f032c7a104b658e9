package service

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/repository"
)

// FallbackRedirect is where a click lands when the tracked link cannot be honoured.
const FallbackRedirect = "/"

// TrackingService records pixel opens and link clicks coming back from recipients.
type TrackingService struct {
	Campaigns repository.CampaignRepositoryInterface
	Leads     repository.LeadRepositoryInterface
	Recorder  *EventRecorder
	Log       zerolog.Logger
}

// TrackOpen records the first open per recipient. Later opens are ignored.
func (t *TrackingService) TrackOpen(ctx context.Context, campaignID, leadID uuid.UUID, ip, userAgent string) error {
	meta, email, err := t.lookup(ctx, campaignID, leadID)
	if err != nil {
		return err
	}
	meta.IPAddress, meta.UserAgent = ip, userAgent
	_, err = t.Recorder.RecordOpen(ctx, campaignID, email, meta)
	return err
}

// TrackClick records the click and returns where to redirect. A valid destination is returned
// even when the click cannot be recorded; only a bad url yields FallbackRedirect.
func (t *TrackingService) TrackClick(ctx context.Context, campaignID, leadID uuid.UUID, rawURL, ip, userAgent string) (string, error) {
	target, ok := safeRedirect(rawURL)
	if !ok {
		return FallbackRedirect, appErrors.NewValidation("url", "missing or not an absolute http(s) url")
	}
	meta, email, err := t.lookup(ctx, campaignID, leadID)
	if err != nil {
		return target, err
	}
	meta.IPAddress, meta.UserAgent = ip, userAgent
	return target, t.Recorder.RecordClick(ctx, campaignID, email, target, meta)
}

func (t *TrackingService) lookup(ctx context.Context, campaignID, leadID uuid.UUID) (EventMeta, string, error) {
	c, err := t.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return EventMeta{}, "", err
	}
	lead, err := t.Leads.GetByID(ctx, leadID)
	if err != nil {
		return EventMeta{}, "", err
	}
	if lead.TenantID != c.TenantID {
		return EventMeta{}, "", appErrors.ErrNotFound
	}
	id := lead.ID
	return EventMeta{TenantID: c.TenantID, LeadID: &id}, lead.Email, nil
}

// RedirectTarget is the destination for a click that cannot be attributed to a recipient.
func RedirectTarget(raw string) string {
	if target, ok := safeRedirect(raw); ok {
		return target
	}
	return FallbackRedirect
}

func safeRedirect(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return u.String(), true
}
