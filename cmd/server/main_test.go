package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailcampaign-backend/internal/app"
	"github.com/unclebandit/mailcampaign-backend/internal/config"
	"github.com/unclebandit/mailcampaign-backend/internal/logger"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := config.Config{StoreDriver: "memory", QueueDriver: "memory", TemplateSelection: "first"}
	a, err := app.New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return newRouter(a, a.CampaignService(), logger.Nop())
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["db"])
}

func TestRouterMountsEverything(t *testing.T) {
	r := newTestRouter(t)
	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/campaigns", http.StatusBadRequest}, // no tenant header
		{http.MethodGet, "/campaigns/not-a-uuid/status", http.StatusBadRequest},
		{http.MethodGet, "/campaigns/not-a-uuid/analytics", http.StatusBadRequest},
		{http.MethodGet, "/track/open/x/y", http.StatusNoContent},
		{http.MethodGet, "/track/click/x/y", http.StatusFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, tc.path)
	}
}
