// Package logger configures zerolog for the pkidesk binaries and provides
// the HTTP request logging middleware.
package logger

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jmcleod/pkidesk/internal/uuid"
)

// RequestIDHeader carries the request ID assigned by RequestLogger.
const RequestIDHeader = "X-Request-Id"

// Setup returns the process logger: JSON to stderr at info level, or a
// console writer at debug level when dev is set.
func Setup(dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			Level(level).With().Caller().Logger()
	}

	return logger
}

// RequestLogger attaches a request-scoped logger to the request context
// (retrievable with zerolog.Ctx) and logs one line per completed request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.New()
			}
			w.Header().Set(RequestIDHeader, reqID)

			l := logger.With().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ctx := l.WithContext(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			ev := l.Info()
			if ww.Status() >= http.StatusInternalServerError {
				ev = l.Error()
			}
			ev.Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(started)).
				Msg("http request")
		})
	}
}
