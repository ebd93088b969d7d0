package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/divijg19/breeze/internal/diag"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	windUpdates     *prom.CounterVec
	windPoints      *prom.GaugeVec
	blowAways       prom.Counter
	breaksStarted   *prom.CounterVec
	breakOutcomes   *prom.CounterVec
	reconciles      *prom.CounterVec
	sessionRestarts *prom.CounterVec
	readFallbacks   *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the metrics on reg (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.windUpdates = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "breeze",
			Name:      "wind_updates_total",
			Help:      "Threshold readings by whether they moved wind",
		}, []string{"applied"})
		pr.windPoints = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "breeze",
			Name:      "wind_points",
			Help:      "Last committed wind per pet",
		}, []string{"pet_id"})
		pr.blowAways = prom.NewCounter(prom.CounterOpts{
			Namespace: "breeze",
			Name:      "blow_aways_total",
			Help:      "Pets blown away",
		})
		pr.breaksStarted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "breeze",
			Name:      "breaks_started_total",
			Help:      "Breaks started by kind",
		}, []string{"kind"})
		pr.breakOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "breeze",
			Name:      "break_outcomes_total",
			Help:      "Terminal break transitions by kind and outcome",
		}, []string{"kind", "outcome"})
		pr.reconciles = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "breeze",
			Name:      "reconciles_total",
			Help:      "Foreground reconciliations by whether store values were adopted",
		}, []string{"adopted"})
		pr.sessionRestarts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "breeze",
			Name:      "monitoring_session_restarts_total",
			Help:      "Monitoring session restarts by whether they were announced",
		}, []string{"announced"})
		pr.readFallbacks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "breeze",
			Name:      "shared_read_fallbacks_total",
			Help:      "Shared-state reads that fell back to a default",
		}, []string{"key"})
		reg.MustRegister(pr.windUpdates, pr.windPoints, pr.blowAways, pr.breaksStarted,
			pr.breakOutcomes, pr.reconciles, pr.sessionRestarts, pr.readFallbacks)
	})
	return pr
}

func (p *PrometheusRecorder) IncWindUpdate(applied bool) {
	if p == nil || p.windUpdates == nil {
		return
	}
	p.windUpdates.WithLabelValues(strconv.FormatBool(applied)).Inc()
}

func (p *PrometheusRecorder) SetWindPoints(petID string, points float64) {
	if p == nil || p.windPoints == nil {
		return
	}
	p.windPoints.WithLabelValues(petID).Set(points)
}

func (p *PrometheusRecorder) IncBlowAway() {
	if p == nil || p.blowAways == nil {
		return
	}
	p.blowAways.Inc()
}

func (p *PrometheusRecorder) IncBreakStarted(kind string) {
	if p == nil || p.breaksStarted == nil {
		return
	}
	p.breaksStarted.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncBreakOutcome(kind string, outcome Outcome) {
	if p == nil || p.breakOutcomes == nil {
		return
	}
	p.breakOutcomes.WithLabelValues(kind, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncReconcile(adopted bool) {
	if p == nil || p.reconciles == nil {
		return
	}
	p.reconciles.WithLabelValues(strconv.FormatBool(adopted)).Inc()
}

func (p *PrometheusRecorder) IncSessionRestart(announced bool) {
	if p == nil || p.sessionRestarts == nil {
		return
	}
	p.sessionRestarts.WithLabelValues(strconv.FormatBool(announced)).Inc()
}

func (p *PrometheusRecorder) IncReadFallback(key string) {
	if p == nil || p.readFallbacks == nil {
		return
	}
	p.readFallbacks.WithLabelValues(key).Inc()
}

// DiagSink counts read fallbacks reported on the diagnostic stream.
type DiagSink struct {
	Recorder Recorder
}

// Emit implements diag.Sink.
func (d DiagSink) Emit(_ context.Context, e diag.Event) {
	if d.Recorder == nil || e.Kind != diag.KindReadFallback {
		return
	}
	key, _ := e.Fields["key"].(string)
	d.Recorder.IncReadFallback(key)
}

// HTTPHandler returns an http.Handler that serves the metrics of reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
