// metrics.go — Prometheus метрики fileditch.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метки route — шаблоны chi ("/file/{publicId}"), не сырые пути.
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_http_requests_total",
			Help: "HTTP-запросы по маршруту и статусу",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "fd_http_request_duration_seconds",
			Help: "Время обработки HTTP-запроса",
			// Скачивание больших файлов длится минутами
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "route"},
	)

	httpResponseBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_http_response_bytes_total",
			Help: "Байты тел ответов по маршруту",
		},
		[]string{"route"},
	)
)

// OperationsTotal — файловые операции по результату; обновляется сервисами.
// operation: upload, download, info, reap.
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fd_operations_total",
		Help: "Файловые операции по результату",
	},
	[]string{"operation", "result"},
)

// UploadedBytesTotal — объём успешно принятых файлов.
var UploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fd_uploaded_bytes_total",
	Help: "Байты успешно загруженных файлов",
})

const unmatchedPath = "unmatched"

// MetricsMiddleware считает запросы, время и объём ответа.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw, ok := w.(*responseWriter)
			if !ok {
				rw = &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			}
			before := rw.written

			next.ServeHTTP(rw, r)

			route := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			httpResponseBytes.WithLabelValues(route).Add(float64(rw.written - before))
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedPath
}
