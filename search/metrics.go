package search

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors updated by a Search.
type Metrics struct {
	Trials        *prometheus.CounterVec
	TrialDuration prometheus.Histogram
	Searches      *prometheus.CounterVec
	ActiveSearch  prometheus.Gauge
	BestAlpha     prometheus.Gauge
}

// NewMetrics creates the search collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Trials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prinvert_search_trials_total",
				Help: "Total number of (nterms, alpha) trials by outcome",
			},
			[]string{"outcome"},
		),
		TrialDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prinvert_trial_duration_seconds",
				Help:    "Duration of a single inversion trial in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		Searches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prinvert_searches_total",
				Help: "Total number of parameter searches by status",
			},
			[]string{"status"},
		),
		ActiveSearch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prinvert_active_searches",
				Help: "Number of currently running parameter searches",
			},
		),
		BestAlpha: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prinvert_last_best_alpha",
				Help: "Regularization weight selected by the last successful search",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Trials, m.TrialDuration, m.Searches, m.ActiveSearch, m.BestAlpha)
	}
	return m
}
