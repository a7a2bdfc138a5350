package httpapi

import (
	"net/http"
	"strings"
	"time"

	"credit_ledger/internal/metrics"
)

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency by route pattern, so ids
// in query strings never become label values
func instrument(mux *http.ServeMux, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		_, pattern := mux.Handler(r)
		if _, path, ok := strings.Cut(pattern, " "); ok {
			pattern = path
		}
		if pattern == "" {
			pattern = "unmatched"
		}

		mux.ServeHTTP(rec, r)
		m.ObserveHTTP(r.Method, pattern, rec.status, time.Since(start))
	})
}
