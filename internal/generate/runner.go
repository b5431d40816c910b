package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/quarrel-resena/internal/engine"
	"github.com/23skdu/quarrel-resena/internal/logger"
	"github.com/23skdu/quarrel-resena/internal/metrics"
)

const (
	FinishLength = "length"
	FinishEOS    = "eos"
)

// Tokenizer is what Generate needs from a vocabulary.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	BOS() int
	EOS() int
	AddBOS() bool
	VocabSize() int
}

// Stepper advances one sequence by one token. Reset rewinds it to an
// empty sequence so the next one can reuse its buffers.
type Stepper interface {
	Forward(token int) ([]float32, error)
	Reset()
}

// LanguageModel starts independent sequences.
type LanguageModel interface {
	ContextLength() int
	NewSession(maxLen int) (Stepper, error)
}

// GeneratedResult is one sampled sequence.
type GeneratedResult struct {
	// Text is the prompt exactly as given followed by the decoded
	// continuation.
	Text         string
	TokenIDs     []int // prompt and continuation, BOS included when added
	PromptTokens int
	FinishReason string
}

// Step describes one sampled token. Sequence and Position are zero based;
// Position counts from the start of the sequence.
type Step struct {
	RequestID  string
	Sequence   int
	Position   int
	Token      int
	Piece      string
	Prob       float64
	Candidates int
}

type Option func(*Runner)

// WithObserver calls fn after every sampled token.
func WithObserver(fn func(Step)) Option {
	return func(r *Runner) { r.observe = fn }
}

type Runner struct {
	tok     Tokenizer
	model   LanguageModel
	observe func(Step)
}

func NewRunner(tok Tokenizer, model LanguageModel, opts ...Option) *Runner {
	r := &Runner{tok: tok, model: model}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate samples cfg.NumSequences continuations of prompt. Sequences are
// drawn one after another from a single random source and returned in
// that order.
func (r *Runner) Generate(ctx context.Context, prompt string, cfg GenerationConfig) ([]GeneratedResult, error) {
	if prompt == "" {
		metrics.RecordValidationError("generate", "prompt")
		return nil, fmt.Errorf("%w: prompt must not be empty", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	promptIDs := r.tok.Encode(prompt)
	if r.tok.AddBOS() {
		promptIDs = append([]int{r.tok.BOS()}, promptIDs...)
	}
	if len(promptIDs) == 0 {
		return nil, fmt.Errorf("%w: prompt encodes to no tokens", ErrGeneration)
	}
	if cfg.MaxLength < len(promptIDs) {
		return nil, invalid("max_length", "max_length %d is shorter than the prompt (%d tokens)", cfg.MaxLength, len(promptIDs))
	}
	if n := r.model.ContextLength(); cfg.MaxLength > n {
		return nil, invalid("max_length", "max_length %d exceeds the model context of %d tokens", cfg.MaxLength, n)
	}

	reqID := uuid.NewString()
	log := logger.Log.With("request_id", reqID)
	start := time.Now()
	metrics.PromptTokens.Observe(float64(len(promptIDs)))
	log.Debug("Generation started",
		"prompt_tokens", len(promptIDs),
		"max_length", cfg.MaxLength,
		"sequences", cfg.NumSequences,
		"do_sample", cfg.DoSample,
		"seed", cfg.Seed)

	sampler := engine.NewSampler(engine.SamplerConfig{
		Temperature: cfg.Temperature,
		TopK:        cfg.TopK,
		TopP:        cfg.TopP,
		RepPenalty:  cfg.RepetitionPenalty,
		Seed:        cfg.Seed,
		Greedy:      !cfg.DoSample,
	})

	sess, err := r.model.NewSession(cfg.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	results := make([]GeneratedResult, 0, cfg.NumSequences)
	total := 0
	for seq := 0; seq < cfg.NumSequences; seq++ {
		res, err := r.sequence(ctx, log, sess, reqID, seq, prompt, promptIDs, cfg.MaxLength, sampler)
		if err != nil {
			log.Error("Generation failed", "sequence", seq, "error", err)
			return nil, err
		}
		generated := len(res.TokenIDs) - res.PromptTokens
		total += generated
		metrics.RecordGeneration(generated, res.FinishReason)
		results = append(results, res)
	}

	elapsed := time.Since(start)
	metrics.GenerationDuration.Observe(elapsed.Seconds())
	log.Info("Generation finished",
		"sequences", len(results),
		"new_tokens", total,
		"duration", elapsed)
	return results, nil
}

func (r *Runner) sequence(ctx context.Context, log *logger.Logger, sess Stepper, reqID string, seq int, prompt string, promptIDs []int, maxLen int, sampler *engine.Sampler) (GeneratedResult, error) {
	sess.Reset()
	debug := log.DebugEnabled()

	tokens := make([]int, len(promptIDs), maxLen)
	copy(tokens, promptIDs)

	var (
		logits []float32
		err    error
	)
	for _, id := range promptIDs {
		if err := ctx.Err(); err != nil {
			return GeneratedResult{}, fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		if logits, err = sess.Forward(id); err != nil {
			return GeneratedResult{}, fmt.Errorf("%w: prompt token %d: %w", ErrGeneration, id, err)
		}
	}

	finish := FinishLength
	for len(tokens) < maxLen {
		if err := ctx.Err(); err != nil {
			return GeneratedResult{}, fmt.Errorf("%w: %w", ErrGeneration, err)
		}

		choice, err := sampler.Sample(logits, tokens)
		if err != nil {
			return GeneratedResult{}, fmt.Errorf("%w: position %d: %w", ErrGeneration, len(tokens), err)
		}
		metrics.SamplingCandidates.Observe(float64(choice.Candidates))

		tokens = append(tokens, choice.Token)
		if r.observe != nil || debug {
			step := Step{
				RequestID:  reqID,
				Sequence:   seq,
				Position:   len(tokens) - 1,
				Token:      choice.Token,
				Piece:      r.tok.Decode([]int{choice.Token}),
				Prob:       choice.Prob,
				Candidates: choice.Candidates,
			}
			if debug {
				log.Debug("Token sampled",
					"sequence", step.Sequence,
					"position", step.Position,
					"token", step.Token,
					"piece", step.Piece,
					"prob", step.Prob,
					"candidates", step.Candidates)
			}
			if r.observe != nil {
				r.observe(step)
			}
		}

		if choice.Token == r.tok.EOS() {
			finish = FinishEOS
			break
		}
		if len(tokens) == maxLen {
			break
		}
		if logits, err = sess.Forward(choice.Token); err != nil {
			return GeneratedResult{}, fmt.Errorf("%w: position %d: %w", ErrGeneration, len(tokens)-1, err)
		}
	}

	return GeneratedResult{
		Text:         prompt + r.tok.Decode(tokens[len(promptIDs):]),
		TokenIDs:     tokens,
		PromptTokens: len(promptIDs),
		FinishReason: finish,
	}, nil
}

// IsCancelled reports whether err came from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
