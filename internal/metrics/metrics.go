// Package metrics публикует метрики обращений к внешнему сервису, задержек и проверок участников.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

const namespace = "allocation_booker"

// Metrics хранит инструменты Prometheus. Нулевой указатель допустим и ничего не записывает.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	backoffs *prometheus.HistogramVec
	checks   *prometheus.CounterVec
}

// New создаёт метрики в собственном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream request attempts by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Duration of upstream request attempts.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
		backoffs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_backoff_seconds",
			Help:      "Backoff sleeps before upstream retries.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "member_checks_total",
			Help:      "Member checks by trigger and resulting status.",
		}, []string{"trigger", "status", "failed"}),
	}
	reg.MustRegister(m.requests, m.latency, m.backoffs, m.checks)
	return m
}

// ObserveRequest учитывает одну попытку запроса.
func (m *Metrics) ObserveRequest(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveBackoff учитывает паузу перед повтором.
func (m *Metrics) ObserveBackoff(kind string, delay time.Duration) {
	if m == nil {
		return
	}
	m.backoffs.WithLabelValues(kind).Observe(delay.Seconds())
}

// ObserveCheck учитывает итог проверки участника.
func (m *Metrics) ObserveCheck(trigger string, status model.Status, failed bool) {
	if m == nil {
		return
	}
	f := "false"
	if failed {
		f = "true"
	}
	m.checks.WithLabelValues(trigger, string(status), f).Inc()
}

// RegisterRoster публикует число участников по статусам и признак работы мониторинга.
func (m *Metrics) RegisterRoster(counts func() map[model.Status]int, running func() bool) {
	if m == nil {
		return
	}
	m.registry.MustRegister(&rosterCollector{counts: counts})
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "monitoring_running",
		Help:      "1 when the monitoring loop is running.",
	}, func() float64 {
		if running() {
			return 1
		}
		return 0
	}))
}

// Handler возвращает HTTP-обработчик для сбора метрик.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var membersDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "members"),
	"Members by status.",
	[]string{"status"}, nil,
)

type rosterCollector struct {
	counts func() map[model.Status]int
}

func (c *rosterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- membersDesc
}

func (c *rosterCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.counts() {
		ch <- prometheus.MustNewConstMetric(membersDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
