// metrics.go: Prometheus HTTP метрики Clip Relay.
// Регистрирует cr_http_requests_total и cr_http_request_duration_seconds.
// Бизнес-метрики объявлены здесь же и обновляются из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cr_http_requests_total",
			Help: "Общее количество HTTP-запросов к Clip Relay",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cr_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики
var (
	// EntriesTotal: текущее количество записей в индексе.
	EntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cr_entries_total",
			Help: "Текущее количество записей в хранилище",
		},
	)

	// StorageBytes: суммарный размер элементов всех записей.
	StorageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cr_storage_bytes",
			Help: "Суммарный размер элементов записей в байтах",
		},
	)

	// OperationsTotal: количество мутаций по типу и результату.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cr_operations_total",
			Help: "Общее количество операций над записями",
		},
		[]string{"operation", "result"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter: обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет числовые id и имена элементов на шаблоны,
// чтобы кардинальность лейблов не росла с количеством записей.
// /clips/42/items/text_0.txt → /clips/{id}/items/{filename}
func normalizePath(path string) string {
	const prefix = "/clips/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}

	rest := path[len(prefix):]
	switch rest {
	case "latest", "events":
		return path
	}

	segment, tail, _ := strings.Cut(rest, "/")
	if !isNumericSegment(segment) {
		return path
	}
	switch {
	case tail == "":
		return "/clips/{id}"
	case strings.HasPrefix(tail, "items/") && len(tail) > len("items/"):
		return "/clips/{id}/items/{filename}"
	}
	return path
}

func isNumericSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
