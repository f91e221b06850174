package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findMetric collects c and returns the sample carrying every label in want.
func findMetric(c prometheus.Collector, want map[string]string) *dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	for m := range ch {
		var d dto.Metric
		if m.Write(&d) != nil {
			continue
		}
		got := make(map[string]string, len(d.GetLabel()))
		for _, lp := range d.GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		matched := true
		for k, v := range want {
			if got[k] != v {
				matched = false
				break
			}
		}
		if matched {
			return &d
		}
	}
	return nil
}

// statusRouter mounts the middleware the way the status API does.
func statusRouter(service string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(PrometheusMetrics(service))
	r.Get("/api/v1/notifications", h)
	r.Get("/api/v1/rooms/{roomID}", h)
	r.Post("/api/v1/notifications/read", h)
	return r
}

func TestPrometheusMetrics_Labels(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		status  int
		pattern string
	}{
		{"snapshot", http.MethodGet, "/api/v1/notifications", http.StatusOK, "/api/v1/notifications"},
		{"mark read", http.MethodPost, "/api/v1/notifications/read", http.StatusNoContent, "/api/v1/notifications/read"},
		{"route params collapse", http.MethodGet, "/api/v1/rooms/r-42", http.StatusNotFound, "/api/v1/rooms/{roomID}"},
		{"server error", http.MethodGet, "/api/v1/notifications", http.StatusServiceUnavailable, "/api/v1/notifications"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			service := "metrics-labels-" + tc.name
			h := statusRouter(service, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
			require.Equal(t, tc.status, rr.Code)

			labels := map[string]string{
				"service": service,
				"method":  tc.method,
				"path":    tc.pattern,
				"status":  strconv.Itoa(tc.status),
			}

			counter := findMetric(httpRequestsTotal, labels)
			require.NotNil(t, counter)
			assert.Equal(t, float64(1), counter.GetCounter().GetValue())

			hist := findMetric(httpRequestDuration, labels)
			require.NotNil(t, hist)
			assert.Equal(t, uint64(1), hist.GetHistogram().GetSampleCount())
		})
	}
}

func TestPrometheusMetrics_ImplicitOK(t *testing.T) {
	h := statusRouter("metrics-implicit", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))

	assert.NotNil(t, findMetric(httpRequestsTotal, map[string]string{"service": "metrics-implicit", "status": "200"}))
}

func TestPrometheusMetrics_UnmatchedRoute(t *testing.T) {
	h := statusRouter("metrics-unmatched", func(w http.ResponseWriter, _ *http.Request) {})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotNil(t, findMetric(httpRequestsTotal, map[string]string{"service": "metrics-unmatched", "status": "404"}))
}

func TestPrometheusMetrics_InFlight(t *testing.T) {
	var during float64
	h := statusRouter("metrics-inflight", func(w http.ResponseWriter, _ *http.Request) {
		if m := findMetric(httpRequestsInFlight, map[string]string{"service": "metrics-inflight"}); m != nil {
			during = m.GetGauge().GetValue()
		}
	})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))

	assert.Equal(t, float64(1), during)
	after := findMetric(httpRequestsInFlight, map[string]string{"service": "metrics-inflight"})
	require.NotNil(t, after)
	assert.Zero(t, after.GetGauge().GetValue())
}

// bareWriter supports neither flushing nor hijacking.
type bareWriter struct{ header http.Header }

func (b *bareWriter) Header() http.Header {
	if b.header == nil {
		b.header = http.Header{}
	}
	return b.header
}
func (b *bareWriter) Write(p []byte) (int, error) { return len(p), nil }
func (b *bareWriter) WriteHeader(int)             {}

func TestMetricsResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &metricsResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	rw.Flush()
	assert.True(t, rec.Flushed)

	bare := &metricsResponseWriter{ResponseWriter: &bareWriter{}, statusCode: http.StatusOK}
	assert.NotPanics(t, bare.Flush)
}

func TestMetricsResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &metricsResponseWriter{ResponseWriter: &bareWriter{}, statusCode: http.StatusOK}

	_, _, err := rw.Hijack()

	assert.ErrorIs(t, err, http.ErrNotSupported)
}
