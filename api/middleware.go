package api

import (
	"net/http"
	"time"

	"graphlog/logging"
)

// WithDefaults wraps a handler with standard middleware.
func WithDefaults(h http.Handler, logger logging.Logger) http.Handler {
	return LoggingMiddleware(
		TimeoutMiddleware(h, 30*time.Second),
		logger,
	)
}

// LoggingMiddleware logs all requests.
func LoggingMiddleware(next http.Handler, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(lw, r)
		logger.InfoCtx(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "status", lw.status, "duration", time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// TimeoutMiddleware adds a timeout to requests.
func TimeoutMiddleware(next http.Handler, timeout time.Duration) http.Handler {
	return http.TimeoutHandler(next, timeout, "request timeout")
}
