package service

import (
	"github.com/layer-3/edupass/core"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeLabel = "outcome"
	resultLabel  = "result"
)

// Metrics are the counters shared by the services.
type Metrics struct {
	challenges        *prometheus.CounterVec
	submissions       *prometheus.CounterVec
	pipelineResults   *prometheus.CounterVec
	signaturesApplied prometheus.Counter
	cacheRequests     *prometheus.CounterVec
	cacheEvictions    prometheus.Counter
	confirmation      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with registerer. A
// nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edupass_challenge_verifications_total",
			Help: "Challenge verifications by result kind",
		}, []string{resultLabel}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edupass_submission_attempts_total",
			Help: "Ledger submission attempts by outcome",
		}, []string{outcomeLabel}),
		pipelineResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edupass_pipeline_results_total",
			Help: "Submission pipeline runs by result kind",
		}, []string{resultLabel}),
		signaturesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edupass_signatures_applied_total",
			Help: "Signatures recorded on pending transactions",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edupass_cache_requests_total",
			Help: "Read-through cache lookups by result",
		}, []string{resultLabel}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edupass_cache_evictions_total",
			Help: "Entries evicted from the read-through cache",
		}),
		confirmation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edupass_confirmation_seconds",
			Help:    "Time from accepted submission to observed ledger outcome",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
	}
	if registerer == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.challenges, m.submissions, m.pipelineResults, m.signaturesApplied,
		m.cacheRequests, m.cacheEvictions, m.confirmation,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func noopMetrics() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	if k := core.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
