package engine

import "errors"

type SamplerConfig struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64   // negative seeds from the clock
	Greedy      bool    // argmax after the repetition penalty
}

// Choice is one sampled token together with what the sampler saw.
type Choice struct {
	Token      int
	Prob       float64 // probability of Token after filtering
	Candidates int     // tokens that survived top-k and top-p
}

var (
	ErrContextFull  = errors.New("session context is full")
	ErrTokenRange   = errors.New("token id out of range")
	ErrNoCandidates = errors.New("no finite logits to sample from")
	ErrModelClosed  = errors.New("model is closed")
)
