package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/quarrel-resena/internal/config"
	"github.com/23skdu/quarrel-resena/internal/cpu"
	"github.com/23skdu/quarrel-resena/internal/metrics"
)

// Session runs one sequence through a Model, one token at a time. It is
// not safe for concurrent use.
type Session struct {
	m     *Model
	cache *KVCache
	pos   int

	x, xb, xb2   []float32
	q, k, v, qkv []float32
	att          []float32
	hb, hb2      []float32
	logits       []float32
}

// NewSession allocates a key/value cache for maxLen positions.
func (m *Model) NewSession(maxLen int) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrModelClosed
	}
	c := m.Config
	if maxLen <= 0 || maxLen > c.SeqLen {
		return nil, fmt.Errorf("session length %d outside 1..%d", maxLen, c.SeqLen)
	}
	cache, err := NewKVCache(c.Layers, maxLen, c.KVDim())
	if err != nil {
		return nil, err
	}
	return &Session{
		m:      m,
		cache:  cache,
		x:      make([]float32, c.Dim),
		xb:     make([]float32, c.Dim),
		xb2:    make([]float32, c.Dim),
		q:      make([]float32, c.Dim),
		k:      make([]float32, c.KVDim()),
		v:      make([]float32, c.KVDim()),
		qkv:    make([]float32, 3*c.Dim),
		att:    make([]float32, maxLen),
		hb:     make([]float32, c.HiddenDim),
		hb2:    make([]float32, c.HiddenDim),
		logits: make([]float32, c.VocabSize),
	}, nil
}

// Reset rewinds the session to an empty sequence.
func (s *Session) Reset() { s.pos = 0 }

// Forward feeds token at the next position and returns the logits for the
// following one. The slice is reused by the next call.
func (s *Session) Forward(token int) ([]float32, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if s.m.w == nil {
		return nil, ErrModelClosed
	}
	c := &s.m.Config
	if token < 0 || token >= c.VocabSize {
		return nil, fmt.Errorf("%w: %d not in 0..%d", ErrTokenRange, token, c.VocabSize-1)
	}
	if s.pos >= s.cache.Size() {
		return nil, fmt.Errorf("%w: %d positions", ErrContextFull, s.cache.Size())
	}

	start := time.Now()
	if c.GetArchitecture() == config.ArchGPT2 {
		s.forwardGPT2(token)
	} else {
		s.forwardLlama(token)
	}
	s.pos++
	metrics.RecordForward(time.Since(start))

	nans, infs := metrics.CountNonFinite(s.logits)
	if nans+infs > 0 {
		metrics.RecordNumericalInstability("logits", nans, infs)
	}
	return s.logits, nil
}

func (s *Session) forwardGPT2(token int) {
	c, w, ctx := &s.m.Config, s.m.w, s.m.ctx
	dim := c.Dim

	copy(s.x, w.tokEmb[token*dim:(token+1)*dim])
	cpu.Add(s.x, w.posEmb[s.pos*dim:(s.pos+1)*dim])

	for l := range w.layers {
		lw := &w.layers[l]

		cpu.LayerNorm(s.xb, s.x, lw.attnNorm, lw.attnNormB, c.Eps)
		ctx.MatVecBias(s.qkv, lw.wqkv, lw.bqkv, s.xb, 3*dim, dim)
		copy(s.q, s.qkv[:dim])
		s.cache.Store(l, s.pos, s.qkv[dim:2*dim], s.qkv[2*dim:])

		s.attention(l)
		ctx.MatVecBias(s.xb, lw.wo, lw.bo, s.xb2, dim, dim)
		cpu.Add(s.x, s.xb)

		cpu.LayerNorm(s.xb, s.x, lw.ffnNorm, lw.ffnNormB, c.Eps)
		ctx.MatVecBias(s.hb, lw.up, lw.upB, s.xb, c.HiddenDim, dim)
		cpu.GeLU(s.hb)
		ctx.MatVecBias(s.xb, lw.down, lw.downB, s.hb, dim, c.HiddenDim)
		cpu.Add(s.x, s.xb)
	}

	cpu.LayerNorm(s.xb, s.x, w.outNorm, w.outNormB, c.Eps)
	ctx.MatVec(s.logits, w.output, s.xb, c.VocabSize, dim)
}

func (s *Session) forwardLlama(token int) {
	c, w, ctx := &s.m.Config, s.m.w, s.m.ctx
	dim, kvDim := c.Dim, c.KVDim()

	copy(s.x, w.tokEmb[token*dim:(token+1)*dim])

	for l := range w.layers {
		lw := &w.layers[l]

		cpu.RMSNorm(s.xb, s.x, lw.attnNorm, c.Eps)
		ctx.MatVecBias(s.q, lw.wq, lw.bq, s.xb, dim, dim)
		ctx.MatVecBias(s.k, lw.wk, lw.bk, s.xb, kvDim, dim)
		ctx.MatVecBias(s.v, lw.wv, lw.bv, s.xb, kvDim, dim)
		cpu.Rope(s.q, s.pos, c.HeadDim, c.RopeTheta)
		cpu.Rope(s.k, s.pos, c.HeadDim, c.RopeTheta)
		s.cache.Store(l, s.pos, s.k, s.v)

		s.attention(l)
		ctx.MatVecBias(s.xb, lw.wo, lw.bo, s.xb2, dim, dim)
		cpu.Add(s.x, s.xb)

		cpu.RMSNorm(s.xb, s.x, lw.ffnNorm, c.Eps)
		ctx.MatVecBias(s.hb, lw.gate, nil, s.xb, c.HiddenDim, dim)
		ctx.MatVecBias(s.hb2, lw.up, lw.upB, s.xb, c.HiddenDim, dim)
		cpu.SwiGLU(s.hb, s.hb2)
		ctx.MatVecBias(s.xb, lw.down, lw.downB, s.hb, dim, c.HiddenDim)
		cpu.Add(s.x, s.xb)
	}

	cpu.RMSNorm(s.xb, s.x, w.outNorm, c.Eps)
	ctx.MatVec(s.logits, w.output, s.xb, c.VocabSize, dim)
}

// attention reads s.q for the current position and writes the per-head
// weighted values into s.xb2. Query heads share key/value heads in
// groups of Heads/KVHeads.
func (s *Session) attention(layer int) {
	c := &s.m.Config
	hd := c.HeadDim
	group := c.Heads / c.KVHeads
	scale := float32(1 / math.Sqrt(float64(hd)))
	n := s.pos + 1
	att := s.att[:n]

	for h := 0; h < c.Heads; h++ {
		q := s.q[h*hd : (h+1)*hd]
		kvOff := (h / group) * hd

		for t := 0; t < n; t++ {
			att[t] = cpu.Dot(q, s.cache.Key(layer, t)[kvOff:kvOff+hd]) * scale
		}
		cpu.Softmax(att)

		out := s.xb2[h*hd : (h+1)*hd]
		clear(out)
		for t := 0; t < n; t++ {
			cpu.Axpy(out, att[t], s.cache.Value(layer, t)[kvOff:kvOff+hd])
		}
	}
}
