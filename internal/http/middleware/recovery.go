package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dstrelkov/vidveil/internal/observability"
)

// Recovery recovers from handler panics, logs the stack, and returns a JSON
// 500 in the service's error shape.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						slog.Any("error", err),
						slog.String("stack", string(debug.Stack())),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("request_id", observability.RequestIDFromContext(r.Context())),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"status":"error","detail":"internal server error"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
