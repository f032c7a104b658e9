package handler

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcampaign-backend/internal/service"
)

// TrackingHandler serves the public pixel and click-redirect endpoints. Neither ever answers
// with an error: failures are logged and the recipient gets the normal response.
type TrackingHandler struct {
	Tracking *service.TrackingService
	Log      zerolog.Logger
}

func NewTrackingHandler(t *service.TrackingService, log zerolog.Logger) *TrackingHandler {
	return &TrackingHandler{Tracking: t, Log: log}
}

func (h *TrackingHandler) Routes(r chi.Router) {
	r.Get("/track/open/{campaignID}/{leadID}", h.Open)
	r.Get("/track/click/{campaignID}/{leadID}", h.Click)
}

func (h *TrackingHandler) Open(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	defer w.WriteHeader(http.StatusNoContent)

	campaignID, leadID, ok := trackingIDs(r)
	if !ok {
		return
	}
	if err := h.Tracking.TrackOpen(r.Context(), campaignID, leadID, clientIP(r), r.UserAgent()); err != nil {
		h.Log.Warn().Err(err).Str("campaign_id", campaignID.String()).Str("lead_id", leadID.String()).Msg("open not recorded")
	}
}

func (h *TrackingHandler) Click(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	target := service.RedirectTarget(raw)
	if campaignID, leadID, ok := trackingIDs(r); ok {
		var err error
		target, err = h.Tracking.TrackClick(r.Context(), campaignID, leadID, raw, clientIP(r), r.UserAgent())
		if err != nil {
			h.Log.Warn().Err(err).Str("campaign_id", campaignID.String()).Str("lead_id", leadID.String()).Msg("click not recorded")
		}
	} else {
		h.Log.Warn().Str("path", r.URL.Path).Msg("click with malformed tracking ids")
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func trackingIDs(r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	leadID, err := uuid.Parse(chi.URLParam(r, "leadID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return campaignID, leadID, true
}

// clientIP prefers the address chi's RealIP middleware left in RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
