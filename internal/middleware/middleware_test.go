package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/cartridge/learner/internal/metrics"
)

func TestCorrelationIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(CorrelationHeader)
	}))

	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, res.Header().Get(CorrelationHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "abc")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", res.Header().Get(CorrelationHeader))
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	collector := metrics.NewCollector(zerolog.New(io.Discard))
	r := chi.NewRouter()
	r.Use(RequestLogger(zerolog.New(io.Discard)))
	r.Use(Metrics(collector))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.APIRequests.WithLabelValues(http.MethodGet, "/items/{id}", "418")
	before := testutil.ToFloat64(counter)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/7", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
