// Package metrics 提供 Prometheus helper，覆盖 HTTP、派发与调度的业务指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/vetclinic/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 摄入的领域事件计数（按事件类型、结果）
	EventsIngestedTotal *prometheus.CounterVec
	// 去重命中计数
	DedupHitsTotal prometheus.Counter
	// 派发尝试计数（按渠道、结果）
	DispatchAttemptsTotal *prometheus.CounterVec
	// 单次发送耗时（按渠道）
	SendDuration *prometheus.HistogramVec
	// 待派发队列深度
	PendingGauge prometheus.Gauge
	// 租约回收计数
	LeaseReclaimsTotal prometheus.Counter

	// 调度器任务执行计数（按任务类型、结果）
	SchedulerRunsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "events_ingested_total",
			Help:      "Total domain events ingested",
		}, []string{"event_type", "result"}),
		DedupHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "dedup_hits_total",
			Help:      "Total duplicate events absorbed by the dedup index",
		}),
		DispatchAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "dispatch_attempts_total",
			Help:      "Total delivery attempts",
		}, []string{"channel", "outcome"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "send_duration_seconds",
			Help:      "Provider send duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		PendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "notifications_pending",
			Help:      "Notifications currently claimable",
		}),
		LeaseReclaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "lease_reclaims_total",
			Help:      "Total abandoned SENDING leases reclaimed",
		}),
		SchedulerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vetclinic",
			Subsystem: serviceName,
			Name:      "scheduler_runs_total",
			Help:      "Total scheduled job executions",
		}, []string{"kind", "result"}),
		registry: prometheus.NewRegistry(),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsIngestedTotal,
		m.DedupHitsTotal,
		m.DispatchAttemptsTotal,
		m.SendDuration,
		m.PendingGauge,
		m.LeaseReclaimsTotal,
		m.SchedulerRunsTotal,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler 返回 Prometheus 指标的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartHTTPServer 在独立端口启动指标服务
func (m *Metrics) StartHTTPServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(context.Background(), "Metrics HTTP server error", "error", err)
		}
	}()

	logger.Info(context.Background(), "Metrics HTTP server started", "addr", addr, "path", path)
	return nil
}
