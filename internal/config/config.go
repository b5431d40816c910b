package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/quarrel-resena/internal/gguf"
)

const (
	ArchGPT2  = "gpt2"
	ArchLlama = "llama"
)

// Config holds the hyperparameters of a causal language model checkpoint.
type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
}

func (c *Config) Validate() error {
	switch c.GetArchitecture() {
	case ArchGPT2, ArchLlama:
	default:
		return fmt.Errorf("unsupported architecture: %q", c.Architecture)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) not divisible by kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.GetArchitecture() == ArchLlama && c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (rope needs an even size)", c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.GetArchitecture() == ArchLlama && c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// KVDim is the width of one position in the key/value cache.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func Default() Config {
	return Config{
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000.0,
	}
}

// FromGGUF reads hyperparameters from checkpoint metadata. Missing optional
// keys fall back to Default; the result still needs Validate.
func FromGGUF(f *gguf.GGUFFile) Config {
	c := Default()
	arch := f.Architecture()
	c.Architecture = arch

	c.Dim = int(f.UintOr(0, arch+".embedding_length"))
	c.HiddenDim = int(f.UintOr(uint64(4*c.Dim), arch+".feed_forward_length"))
	c.Layers = int(f.UintOr(0, arch+".block_count"))
	c.Heads = int(f.UintOr(0, arch+".attention.head_count"))
	c.KVHeads = int(f.UintOr(uint64(c.Heads), arch+".attention.head_count_kv"))
	c.SeqLen = int(f.UintOr(uint64(c.SeqLen), arch+".context_length"))
	c.Eps = float32(f.FloatOr(float64(c.Eps),
		arch+".attention.layer_norm_rms_epsilon",
		arch+".attention.layer_norm_epsilon"))
	c.RopeTheta = float32(f.FloatOr(float64(c.RopeTheta), arch+".rope.freq_base"))
	if c.Heads > 0 {
		c.HeadDim = c.Dim / c.Heads
	}

	c.VocabSize = int(f.UintOr(0, arch+".vocab_size"))
	if c.VocabSize == 0 {
		if emb, ok := f.Tensor("token_embd.weight"); ok {
			c.VocabSize = emb.Rows()
		}
	}
	return c
}
