package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/quarrel-resena/internal/config"
	"github.com/23skdu/quarrel-resena/internal/cpu"
	"github.com/23skdu/quarrel-resena/internal/gguf"
	"github.com/23skdu/quarrel-resena/internal/logger"
	"github.com/23skdu/quarrel-resena/internal/metrics"
)

// Model holds a checkpoint's weights expanded to float32 in host memory.
// It is safe to run several sessions against one Model concurrently, and
// Close waits for forward passes already in flight.
type Model struct {
	Config config.Config

	ctx    *cpu.Context
	mu     sync.RWMutex // guards w against Close
	w      *weights
	params int64
	closed atomic.Bool
}

type weights struct {
	tokEmb []float32 // vocab x dim
	posEmb []float32 // gpt2 only, seq x dim

	layers []layerWeights

	outNorm, outNormB []float32
	output            []float32 // vocab x dim, aliases tokEmb when tied
}

type layerWeights struct {
	attnNorm, attnNormB []float32

	// gpt2 fuses the three projections
	wqkv, bqkv []float32

	wq, wk, wv []float32
	bq, bk, bv []float32

	wo, bo []float32

	ffnNorm, ffnNormB []float32

	gate        []float32 // llama only
	up, upB     []float32
	down, downB []float32
}

// Open maps a GGUF checkpoint, validates its hyperparameters and expands
// every weight. threads <= 0 uses one goroutine per CPU.
func Open(path string, threads int) (*Model, error) {
	start := time.Now()
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Load(f, threads)
	if err != nil {
		return nil, err
	}
	metrics.RecordLoad("model", time.Since(start))
	logger.Log.Info("Model loaded",
		"path", path,
		"arch", m.Config.Architecture,
		"layers", m.Config.Layers,
		"dim", m.Config.Dim,
		"vocab", m.Config.VocabSize,
		"params", m.Parameters(),
		"threads", m.ctx.Threads(),
		"duration", time.Since(start))
	return m, nil
}

// Load builds a Model from an already parsed file. The result does not
// reference f, so f may be closed afterwards.
func Load(f *gguf.GGUFFile, threads int) (*Model, error) {
	cfg := config.FromGGUF(f)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	l := &loader{f: f}
	w := l.load(cfg)
	if l.err != nil {
		return nil, l.err
	}

	m := &Model{
		Config: cfg,
		ctx:    cpu.NewContext(threads),
		w:      w,
		params: l.params,
	}
	metrics.ModelParameters.Set(float64(m.params))
	return m, nil
}

func (m *Model) Parameters() int64 { return m.params }

// Close releases the weights. Sessions created earlier fail afterwards.
func (m *Model) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.mu.Lock()
	m.w = nil
	m.mu.Unlock()
	return nil
}

// loader keeps the first error so the tensor list reads top to bottom.
type loader struct {
	f      *gguf.GGUFFile
	err    error
	params int64
}

// tensor expands name and checks it is rows x cols (cols contiguous).
// A vector passes rows == 1.
func (l *loader) tensor(name string, rows, cols int) []float32 {
	if l.err != nil {
		return nil
	}
	t, ok := l.f.Tensor(name)
	if !ok {
		l.err = fmt.Errorf("missing tensor %s", name)
		return nil
	}
	return l.expand(t, rows, cols)
}

// optional returns nil when name is absent.
func (l *loader) optional(name string, rows, cols int) []float32 {
	if l.err != nil {
		return nil
	}
	t, ok := l.f.Tensor(name)
	if !ok {
		return nil
	}
	return l.expand(t, rows, cols)
}

func (l *loader) expand(t *gguf.TensorInfo, rows, cols int) []float32 {
	if t.Cols() != cols || t.Rows() != rows {
		l.err = fmt.Errorf("tensor %s has shape %v, want [%d %d]", t.Name, t.Dimensions, cols, rows)
		return nil
	}
	data, err := gguf.Dequantize(t)
	if err != nil {
		l.err = err
		return nil
	}
	nans, infs := metrics.CountNonFinite(data)
	if nans+infs > 0 {
		metrics.RecordNumericalInstability(t.Name, nans, infs)
		logger.Log.Warn("Non-finite weights", "tensor", t.Name, "nans", nans, "infs", infs)
	}
	l.params += int64(len(data))
	return data
}

func (l *loader) load(c config.Config) *weights {
	dim, ff, vocab, kvDim := c.Dim, c.HiddenDim, c.VocabSize, c.KVDim()
	gpt2 := c.GetArchitecture() == config.ArchGPT2

	w := &weights{
		tokEmb: l.tensor("token_embd.weight", vocab, dim),
		layers: make([]layerWeights, c.Layers),
	}
	if gpt2 {
		w.posEmb = l.tensor("position_embd.weight", c.SeqLen, dim)
	}

	for i := range w.layers {
		p := fmt.Sprintf("blk.%d.", i)
		lw := &w.layers[i]
		lw.attnNorm = l.tensor(p+"attn_norm.weight", 1, dim)
		lw.ffnNorm = l.tensor(p+"ffn_norm.weight", 1, dim)
		lw.wo = l.tensor(p+"attn_output.weight", dim, dim)
		lw.bo = l.optional(p+"attn_output.bias", 1, dim)
		lw.up = l.tensor(p+"ffn_up.weight", ff, dim)
		lw.upB = l.optional(p+"ffn_up.bias", 1, ff)
		lw.down = l.tensor(p+"ffn_down.weight", dim, ff)
		lw.downB = l.optional(p+"ffn_down.bias", 1, dim)

		if gpt2 {
			lw.attnNormB = l.tensor(p+"attn_norm.bias", 1, dim)
			lw.ffnNormB = l.tensor(p+"ffn_norm.bias", 1, dim)
			lw.wqkv = l.tensor(p+"attn_qkv.weight", 3*dim, dim)
			lw.bqkv = l.optional(p+"attn_qkv.bias", 1, 3*dim)
			continue
		}
		lw.wq = l.tensor(p+"attn_q.weight", dim, dim)
		lw.wk = l.tensor(p+"attn_k.weight", kvDim, dim)
		lw.wv = l.tensor(p+"attn_v.weight", kvDim, dim)
		lw.bq = l.optional(p+"attn_q.bias", 1, dim)
		lw.bk = l.optional(p+"attn_k.bias", 1, kvDim)
		lw.bv = l.optional(p+"attn_v.bias", 1, kvDim)
		lw.gate = l.tensor(p+"ffn_gate.weight", ff, dim)
	}

	w.outNorm = l.tensor("output_norm.weight", 1, dim)
	if gpt2 {
		w.outNormB = l.tensor("output_norm.bias", 1, dim)
	}
	w.output = l.optional("output.weight", vocab, dim)
	if w.output == nil && l.err == nil {
		logger.Log.Debug("output.weight missing, tying to token embeddings")
		w.output = w.tokEmb
	}
	return w
}
