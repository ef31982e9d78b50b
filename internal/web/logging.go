package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// accessLog writes one structured line per request. Health and metrics
// probes are logged at debug level to keep the log readable.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := zerolog.InfoLevel
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			level = zerolog.ErrorLevel
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
			level = zerolog.DebugLevel
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		z := log.WithLevel(level).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("http request")
	})
}
