package router

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tbeaudouin05/stripe-recurring/api/metrics"
)

// MetricsMiddleware records request counts and latencies per route.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			path := routeLabel(r.URL.Path)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(ww, r)
	})
}

// routeLabel keeps label cardinality bounded: admin paths carry ids, so only
// their first two segments are kept.
func routeLabel(path string) string {
	switch path {
	case "/webhooks/stripe", "/healthz", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/admin/") {
		parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
		return "/" + strings.Join(parts[:min(len(parts), 2)], "/")
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
