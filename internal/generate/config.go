package generate

import (
	"fmt"
	"math"

	"github.com/23skdu/quarrel-resena/internal/metrics"
)

// GenerationConfig controls one Generate call.
type GenerationConfig struct {
	// MaxLength bounds the whole sequence in tokens, prompt included.
	MaxLength    int
	NumSequences int

	Temperature       float64
	TopK              int // 0 disables top-k
	TopP              float64
	RepetitionPenalty float64

	// DoSample false selects greedy decoding; Temperature, TopK and TopP
	// are then not used for selection.
	DoSample bool
	// Seed -1 draws a fresh seed per call.
	Seed int64
}

// DefaultGenerationConfig returns the settings the review model was
// tuned with.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxLength:         100,
		NumSequences:      1,
		Temperature:       0.9,
		TopK:              50,
		TopP:              0.95,
		RepetitionPenalty: 1.2,
		DoSample:          true,
		Seed:              -1,
	}
}

// Validate checks every field on its own. Limits that depend on the prompt
// or the model are checked by Generate.
func (c GenerationConfig) Validate() error {
	switch {
	case c.MaxLength <= 0:
		return invalid("max_length", "max_length must be positive, got %d", c.MaxLength)
	case c.NumSequences < 1:
		return invalid("num_sequences", "num_sequences must be at least 1, got %d", c.NumSequences)
	case c.TopK < 0:
		return invalid("top_k", "top_k must not be negative, got %d", c.TopK)
	case math.IsNaN(c.RepetitionPenalty) || c.RepetitionPenalty < 1:
		return invalid("repetition_penalty", "repetition_penalty must be >= 1, got %v", c.RepetitionPenalty)
	case math.IsNaN(c.TopP) || c.TopP <= 0 || c.TopP > 1:
		return invalid("top_p", "top_p must be in (0, 1], got %v", c.TopP)
	case c.Seed < -1:
		return invalid("seed", "seed must be -1 or non-negative, got %d", c.Seed)
	}
	if c.DoSample && (math.IsNaN(c.Temperature) || math.IsInf(c.Temperature, 0) || c.Temperature <= 0) {
		return invalid("temperature", "temperature must be > 0 when sampling, got %v (use greedy decoding instead)", c.Temperature)
	}
	return nil
}

func invalid(field, format string, args ...interface{}) error {
	metrics.RecordValidationError("generate", field)
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
