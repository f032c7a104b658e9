package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncUnitProcessed(t *testing.T) {
	before := testutil.ToFloat64(unitsProcessed.WithLabelValues("sent"))
	IncUnitProcessed("sent")
	assert.Equal(t, before+1, testutil.ToFloat64(unitsProcessed.WithLabelValues("sent")))

	beforeUnknown := testutil.ToFloat64(unitsProcessed.WithLabelValues("unknown"))
	IncUnitProcessed("")
	assert.Equal(t, beforeUnknown+1, testutil.ToFloat64(unitsProcessed.WithLabelValues("unknown")))
}

func TestAddUnitsEnqueuedIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(unitsEnqueued)
	AddUnitsEnqueued(0)
	AddUnitsEnqueued(3)
	assert.Equal(t, before+3, testutil.ToFloat64(unitsEnqueued))
	ObserveSend(time.Millisecond, true)
}

func TestHTTPMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/campaigns/{id}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns/abc", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/campaigns/{id}", "418")))
}
