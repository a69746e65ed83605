package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	existenceLookups *prometheus.CounterVec
	searchDuration   *prometheus.HistogramVec
	applications     *prometheus.CounterVec
	autoOpen         *prometheus.CounterVec
	draftGuardResets prometheus.Counter
	frameMessages    *prometheus.CounterVec
	suppressedSaves  prometheus.Counter
}

// NewPrometheusRecorder registers the composer template metrics with reg.
// A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		existenceLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composer_templates_existence_lookups_total",
				Help: "Existence checks by mode and result (hit, miss, error, assumed, optimistic)",
			},
			[]string{"mode", "result"},
		),
		searchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "composer_templates_search_duration_seconds",
				Help:    "Duration of existence search requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		applications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composer_templates_applications_total",
				Help: "Template application outcomes",
			},
			[]string{"outcome"},
		),
		autoOpen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composer_templates_auto_open_total",
				Help: "Auto-open decisions by result and reason",
			},
			[]string{"opened", "reason"},
		),
		draftGuardResets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "composer_templates_draft_guard_resets_total",
				Help: "Draft keys forced back by the draft-conflict guard",
			},
		),
		frameMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "composer_templates_frame_messages_total",
				Help: "Inbound frame messages by status",
			},
			[]string{"status"},
		),
		suppressedSaves: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "composer_templates_suppressed_saves_total",
				Help: "Save attempts swallowed while autosave was suppressed",
			},
		),
	}
}

// ObserveExistenceLookup counts one existence check.
func (p *PrometheusRecorder) ObserveExistenceLookup(mode, result string) {
	p.existenceLookups.WithLabelValues(mode, result).Inc()
}

// ObserveSearch records a search round trip.
func (p *PrometheusRecorder) ObserveSearch(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.searchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncApplication counts an application outcome.
func (p *PrometheusRecorder) IncApplication(outcome string) {
	p.applications.WithLabelValues(outcome).Inc()
}

// IncAutoOpen counts an auto-open decision.
func (p *PrometheusRecorder) IncAutoOpen(opened bool, reason string) {
	label := "false"
	if opened {
		label = "true"
	}
	p.autoOpen.WithLabelValues(label, reason).Inc()
}

func (p *PrometheusRecorder) IncDraftGuardReset() {
	p.draftGuardResets.Inc()
}

func (p *PrometheusRecorder) IncFrameMessage(status string) {
	p.frameMessages.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncSuppressedSave() {
	p.suppressedSaves.Inc()
}
