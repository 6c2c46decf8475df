package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-saga/resilient"
)

// Correlation makes sure every request carries a correlation id, taken from
// X-Correlation-ID or generated, and echoes it on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(resilient.CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(resilient.CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(resilient.WithCorrelationID(r.Context(), id)))
	})
}

func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlation_id", resilient.CorrelationID(r.Context())),
			)
		})
	}
}
