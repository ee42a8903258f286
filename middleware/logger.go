package middleware

import (
	"net/http"
	"time"

	"github.com/Strum355/log"
	"github.com/go-chi/chi/middleware"
)

// Logger logs every request once it has been served.
func Logger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		fields := log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"took":       time.Since(start).String(),
		}
		if ww.Status() >= http.StatusInternalServerError {
			log.WithFields(fields).Error("request failed")
			return
		}
		log.WithFields(fields).Debug("request served")
	}

	return http.HandlerFunc(fn)
}
