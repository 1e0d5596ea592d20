package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/metrics"
)

// Latency records request counts and latency into the HTTP metrics.
func Latency(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.ObserveRequest(r.Method, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}
