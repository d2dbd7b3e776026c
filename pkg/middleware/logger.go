package middleware

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog"
)

// AccessLog writes one operator log line per request. It is for the
// service's own endpoints (/metrics, /health); proxied traffic goes through
// RequestLogging instead.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("code", m.Code).
				Int64("sent_bytes", m.Written).
				Dur("duration", m.Duration).
				Msg("request served")
		})
	}
}
