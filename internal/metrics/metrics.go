package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector of this package. It is private to the
// process so a textfile export only carries generation metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	TokensGeneratedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "generation_tokens_total",
		Help: "The total number of tokens generated",
	})

	PromptTokens = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "generation_prompt_tokens",
		Help:    "Distribution of prompt lengths in tokens",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048},
	})

	SequencesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_sequences_total",
		Help: "Completed sequences by finish reason",
	}, []string{"finish_reason"})

	GenerationDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "generation_duration_seconds",
		Help:    "Wall time of one generate call",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	ForwardDuration = factory.NewSummary(prometheus.SummaryOpts{
		Name:       "forward_duration_seconds",
		Help:       "Duration of single-token forward passes",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	ModelLoadDuration = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "model_load_duration_seconds",
		Help: "Time spent loading each checkpoint component",
	}, []string{"component"})

	ModelParameters = factory.NewGauge(prometheus.GaugeOpts{
		Name: "model_parameters",
		Help: "Number of weights in the loaded checkpoint",
	})

	SamplingCandidates = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_candidates",
		Help:    "Tokens left after top-k and top-p filtering",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 1000},
	})

	NumericalInstability = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of rejected inputs",
	}, []string{"operation", "error_type"})
)

// RecordGeneration records one finished sequence.
func RecordGeneration(tokens int, finishReason string) {
	TokensGeneratedTotal.Add(float64(tokens))
	SequencesTotal.WithLabelValues(finishReason).Inc()
}

func RecordForward(d time.Duration) {
	ForwardDuration.Observe(d.Seconds())
}

func RecordLoad(component string, d time.Duration) {
	ModelLoadDuration.WithLabelValues(component).Set(d.Seconds())
}

// RecordNumericalInstability counts NaN/Inf values seen in a tensor.
func RecordNumericalInstability(tensor string, nans, infs int) {
	if nans > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nans))
	}
	if infs > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infs))
	}
}

// CountNonFinite scans v for NaN and Inf values.
func CountNonFinite(v []float32) (nans, infs int) {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) {
			nans++
		} else if math.IsInf(f, 0) {
			infs++
		}
	}
	return nans, infs
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
