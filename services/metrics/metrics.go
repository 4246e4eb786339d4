package metricsvc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
)

const namespace = "masomo_forms"

// Metrics holds the application collectors, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	periodsOpened  *prometheus.CounterVec
	periodsSkipped *prometheus.CounterVec
	distributions  *prometheus.CounterVec
	fanOutFailures *prometheus.CounterVec
	requests       *prometheus.HistogramVec
}

var _ distribution.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		periodsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "periods_opened_total",
			Help:      "Answer periods opened, by template frequency.",
		}, []string{"frequency"}),
		periodsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "periods_skipped_total",
			Help:      "Scheduler evaluations that did not open a period, by template frequency.",
		}, []string{"frequency"}),
		distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "distributions_created_total",
			Help:      "Per-recipient assignments created, by template audience.",
		}, []string{"audience"}),
		fanOutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fanout_failures_total",
			Help:      "Template/organization pairs whose period could not be opened.",
		}, []string{"frequency"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latencies, by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	m.registry.MustRegister(
		m.periodsOpened,
		m.periodsSkipped,
		m.distributions,
		m.fanOutFailures,
		m.requests,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) PeriodOpened(tmpl survey.Template, _ string, distributions int) {
	m.periodsOpened.WithLabelValues(string(tmpl.Frequency)).Inc()
	m.distributions.WithLabelValues(string(tmpl.Audience)).Add(float64(distributions))
}

func (m *Metrics) PeriodSkipped(tmpl survey.Template, _ string) {
	m.periodsSkipped.WithLabelValues(string(tmpl.Frequency)).Inc()
}

func (m *Metrics) FanOutFailed(tmpl survey.Template, _ string) {
	m.fanOutFailures.WithLabelValues(string(tmpl.Frequency)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, e.g. for batch jobs and tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Push replaces the metrics of `job` on the Pushgateway at url. Short-lived batch jobs are not
// scraped, so they push their metrics once done.
func (m *Metrics) Push(url, job string) error {
	return push.New(url, job).Gatherer(m.registry).Push()
}

// Middleware records the latency of every request handled by echo.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err) // writes the response, so that its status is known
			}
			m.requests.
				WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
