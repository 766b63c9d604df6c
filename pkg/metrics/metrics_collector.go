package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector 指标收集器
type MetricsCollector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec

	// 优惠券指标
	couponValidations     *prometheus.CounterVec
	couponApplications    *prometheus.CounterVec
	couponReconciliations *prometheus.CounterVec
}

// NewMetricsCollector 在指定 registerer 上创建指标收集器
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	return &MetricsCollector{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		cacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"key_prefix"},
		),

		cacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"key_prefix"},
		),

		couponValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_validations_total",
				Help: "Coupon validations by outcome",
			},
			[]string{"result"},
		),

		couponApplications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_applications_total",
				Help: "Coupon applications by outcome",
			},
			[]string{"result"},
		),

		couponReconciliations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_reconciliations_total",
				Help: "Coupon total_used reconciliations by outcome",
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCacheOperation 记录缓存命中情况
func (m *MetricsCollector) RecordCacheOperation(keyPrefix string, hit bool) {
	if hit {
		m.cacheHitsTotal.WithLabelValues(keyPrefix).Inc()
	} else {
		m.cacheMissesTotal.WithLabelValues(keyPrefix).Inc()
	}
}

// RecordCouponValidation result 取值 valid / invalid / error
func (m *MetricsCollector) RecordCouponValidation(result string) {
	m.couponValidations.WithLabelValues(result).Inc()
}

// RecordCouponApplication result 取值 success / rejected / error
func (m *MetricsCollector) RecordCouponApplication(result string) {
	m.couponApplications.WithLabelValues(result).Inc()
}

func (m *MetricsCollector) RecordReconciliation(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.couponReconciliations.WithLabelValues(result).Inc()
}

var (
	globalCollector *MetricsCollector
	once            sync.Once
)

// GetGlobalCollector 获取注册在默认 registry 上的全局收集器
func GetGlobalCollector() *MetricsCollector {
	once.Do(func() {
		globalCollector = NewMetricsCollector(prometheus.DefaultRegisterer)
	})
	return globalCollector
}

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
