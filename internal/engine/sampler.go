package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed < 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample picks the next token. history holds every token of the sequence
// so far, prompt included. logits is modified in place.
func (s *Sampler) Sample(logits []float32, history []int) (Choice, error) {
	if s.Config.RepPenalty > 0 && s.Config.RepPenalty != 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	if s.Config.Greedy || s.Config.Temperature <= 0 {
		id, ok := argMax(logits)
		if !ok {
			return Choice{}, ErrNoCandidates
		}
		return Choice{Token: id, Prob: 1, Candidates: 1}, nil
	}

	candidates := finiteCandidates(logits, s.Config.Temperature)
	if len(candidates) == 0 {
		return Choice{}, ErrNoCandidates
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].prob != candidates[j].prob {
			return candidates[i].prob > candidates[j].prob
		}
		return candidates[i].id < candidates[j].id
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	softmax(candidates)
	candidates = applyTopP(candidates, s.Config.TopP)

	c := s.sampleFromCandidates(candidates)
	return Choice{Token: c.id, Prob: c.prob, Candidates: len(candidates)}, nil
}

// applyRepetitionPenalty pushes every token already in the sequence away
// from selection: positive logits are divided, negative ones multiplied.
// Each distinct token is penalised once.
func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	seen := make(map[int]struct{}, len(history))
	for _, id := range history {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if id >= 0 && id < len(logits) {
			val := logits[id]
			if val > 0 {
				logits[id] /= float32(s.Config.RepPenalty)
			} else {
				logits[id] *= float32(s.Config.RepPenalty)
			}
		}
	}
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) tokenProb {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c
		}
	}

	return candidates[len(candidates)-1]
}

// tokenProb holds a scaled logit until softmax turns it into a probability.
type tokenProb struct {
	id   int
	prob float64
}

func finiteCandidates(logits []float32, temperature float64) []tokenProb {
	candidates := make([]tokenProb, 0, len(logits))
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		candidates = append(candidates, tokenProb{id: i, prob: f / temperature})
	}
	return candidates
}

// softmax expects candidates sorted by descending logit.
func softmax(candidates []tokenProb) {
	maxVal := candidates[0].prob
	sum := 0.0
	for i := range candidates {
		candidates[i].prob = math.Exp(candidates[i].prob - maxVal)
		sum += candidates[i].prob
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}
}

func argMax(logits []float32) (int, bool) {
	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx, maxIdx >= 0
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose mass reaches p, never fewer
// than one token, and renormalises it.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]
			for j := range selected {
				selected[j].prob /= sum
			}
			return selected
		}
	}
	return candidates
}
