package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/yungbote/graphstage/internal/platform/envutil"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

// Metrics holds the load pipeline's prometheus collectors. Every method is safe on a nil
// receiver so callers never branch on whether metrics are enabled.
type Metrics struct {
	reg *prometheus.Registry

	rowsTotal     *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	chunksTotal   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	commitLatency *prometheus.HistogramVec
	promoted      *prometheus.CounterVec
	assertions    *prometheus.CounterVec
	runs          *prometheus.CounterVec
	lastRun       *prometheus.GaugeVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false) || envutil.String("METRICS_PUSHGATEWAY_URL", "") != ""
}

func Current() *Metrics {
	return instance
}

// Init builds the process-wide collectors once. It returns nil when metrics are disabled.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = NewMetrics()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

// NewMetrics registers a fresh set of collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		rowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstage_rows_total",
			Help: "Source rows by rule and disposition (loaded, rejected).",
		}, []string{"rule", "disposition"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstage_row_rejections_total",
			Help: "Rejected rows by rule and reason.",
		}, []string{"rule", "reason"}),
		chunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstage_chunks_total",
			Help: "Chunk transactions by rule and outcome.",
		}, []string{"rule", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstage_chunk_retries_total",
			Help: "Chunk transaction retries by rule.",
		}, []string{"rule"}),
		commitLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphstage_commit_duration_seconds",
			Help:    "Chunk commit latency by step kind and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind", "status"}),
		promoted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstage_promoted_edges_total",
			Help: "Edges promoted by derived rule.",
		}, []string{"rule"}),
		assertions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstage_assertions_total",
			Help: "Post-load assertions by kind and result.",
		}, []string{"kind", "result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstage_runs_total",
			Help: "Load runs by final status.",
		}, []string{"dataset", "status"}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstage_last_run_timestamp_seconds",
			Help: "Unix time of the last finished run by dataset and status.",
		}, []string{"dataset", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) AddRows(rule string, loaded, rejected int) {
	if m == nil {
		return
	}
	if loaded > 0 {
		m.rowsTotal.WithLabelValues(orUnknown(rule), "loaded").Add(float64(loaded))
	}
	if rejected > 0 {
		m.rowsTotal.WithLabelValues(orUnknown(rule), "rejected").Add(float64(rejected))
	}
}

func (m *Metrics) IncRejection(rule, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(orUnknown(rule), orUnknown(reason)).Inc()
}

func (m *Metrics) ObserveChunk(rule, kind, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(orUnknown(rule), orUnknown(status)).Inc()
	m.commitLatency.WithLabelValues(orUnknown(kind), orUnknown(status)).Observe(dur.Seconds())
}

func (m *Metrics) IncRetry(rule string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(orUnknown(rule)).Inc()
}

func (m *Metrics) AddPromoted(rule string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.promoted.WithLabelValues(orUnknown(rule)).Add(float64(n))
}

func (m *Metrics) IncAssertion(kind string, passed bool) {
	if m == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.assertions.WithLabelValues(orUnknown(kind), result).Inc()
}

func (m *Metrics) ObserveRun(dataset, status string, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(orUnknown(dataset), orUnknown(status)).Inc()
	m.lastRun.WithLabelValues(orUnknown(dataset), orUnknown(status)).Set(float64(at.Unix()))
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

// Push sends the current values to a Pushgateway under job, grouped by the given labels.
func (m *Metrics) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if m == nil || strings.TrimSpace(url) == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(m.reg)
	for k, v := range grouping {
		if v != "" {
			p = p.Grouping(k, v)
		}
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("metrics push: %w", err)
	}
	return nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
