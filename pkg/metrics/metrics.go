package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters and histograms. Registered on the default registry so any
// embedding process can expose them alongside its own.
var (
	TurnsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "turns_completed_total",
		Help:      "Turns that resolved with a reply and finished playback.",
	})

	TurnsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "turns_filtered_total",
		Help:      "Turns the service classified as non-speech noise.",
	})

	TurnsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "turns_discarded_total",
		Help:      "Utterances discarded below the minimum size, no network call made.",
	})

	RecoverableErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "recoverable_errors_total",
		Help:      "Per-turn errors absorbed at the turn controller boundary.",
	}, []string{"kind"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "callengine",
		Name:      "call_duration_seconds",
		Help:      "Wall-clock duration of completed calls.",
		Buckets:   []float64{5, 15, 30, 60, 120, 180, 300},
	})

	TurnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "callengine",
		Name:      "turn_latency_seconds",
		Help:      "Time from utterance freeze to turn resolution.",
		Buckets:   prometheus.DefBuckets,
	})
)
