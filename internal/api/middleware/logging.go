// logging.go: middleware логирования входящих HTTP-запросов через slog.
// Перехватывает статус-код, размер ответа и длительность обработки,
// присваивает каждому запросу X-Request-ID.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader: заголовок идентификатора запроса.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// responseWriter: обёртка для перехвата статус-кода ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
// Без него Flush в SSE-обработчике не дойдёт до соединения.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestIDFromContext возвращает идентификатор запроса или пустую строку.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestLogger возвращает middleware, логирующий каждый HTTP-запрос:
// метод, путь, статус, длительность, размер ответа, remote_addr.
// Уровень логирования зависит от статус-кода: INFO (1xx-3xx), WARN (4xx), ERROR (5xx).
// Входящий X-Request-ID сохраняется, иначе генерируется новый UUID.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, requestID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			level := slog.LevelInfo
			if wrapped.statusCode >= 500 {
				level = slog.LevelError
			} else if wrapped.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "HTTP запрос",
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
