// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcampaign-backend/internal/errors"
	"github.com/unclebandit/mailcampaign-backend/internal/service"
)

// CampaignHandler serves the read-side campaign endpoints: live status, analytics and the event log.
type CampaignHandler struct {
	Service *service.CampaignService
	Log     zerolog.Logger
}

// NewCampaignHandler creates a new CampaignHandler with the given service
func NewCampaignHandler(svc *service.CampaignService, log zerolog.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Log: log}
}

func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/campaigns/{id}/status", h.GetCampaignStatusHandler)
	r.Get("/campaigns/{id}/events", h.ListCampaignEventsHandler)
	r.Get("/campaigns/{id}/analytics", h.GetCampaignAnalyticsHandler)
}

// GetCampaignStatusHandler returns status, counters, rates and the outstanding unit count
func (h *CampaignHandler) GetCampaignStatusHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := ids(w, r)
	if !ok {
		return
	}

	view, err := h.Service.GetCampaignStatus(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// GetCampaignAnalyticsHandler returns event counts by type and the most clicked links
func (h *CampaignHandler) GetCampaignAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := ids(w, r)
	if !ok {
		return
	}

	analytics, err := h.Service.GetCampaignAnalytics(r.Context(), tenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(analytics)
}

// ListCampaignEventsHandler returns a paginated slice of the event log, newest first
func (h *CampaignHandler) ListCampaignEventsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := ids(w, r)
	if !ok {
		return
	}

	page := 1
	pageSize := 20
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && ps > 0 {
		pageSize = ps
	}

	events, pagination, err := h.Service.ListEvents(r.Context(), tenantID, id, r.URL.Query().Get("type"), r.URL.Query().Get("search"), page, pageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":       events,
		"pagination": pagination,
	})
}

func (h *CampaignHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

func ids(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, err := uuid.Parse(r.Header.Get("X-Tenant-ID"))
	if err != nil {
		http.Error(w, "missing or invalid X-Tenant-ID header", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}
