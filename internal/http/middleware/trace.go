package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

func Trace(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			if logger != nil {
				logger.Info("request handled",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int64("duration_ms", time.Since(start).Milliseconds()))
			}
		})
	}
}
