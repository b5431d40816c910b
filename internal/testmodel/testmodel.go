// Package testmodel writes tiny randomly initialised GGUF checkpoints with
// a working tokenizer so the loading and generation paths can be tested
// without downloading real weights.
package testmodel

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/23skdu/quarrel-resena/internal/config"
	"github.com/23skdu/quarrel-resena/internal/gguf"
)

// FileName is the checkpoint name WriteDir uses inside its directory.
const FileName = "model.gguf"

type Options struct {
	Arch       string // config.ArchGPT2 or config.ArchLlama
	Dim        int
	Layers     int
	Heads      int
	KVHeads    int
	FF         int
	Context    int
	Seed       int64
	TiedOutput bool          // omit output.weight
	WeightType gguf.GGMLType // F32, F16 or Q8_0 for matrices
}

func (o Options) withDefaults() Options {
	if o.Arch == "" {
		o.Arch = config.ArchGPT2
	}
	if o.Dim == 0 {
		o.Dim = 32
	}
	if o.Layers == 0 {
		o.Layers = 2
	}
	if o.Heads == 0 {
		o.Heads = 4
	}
	if o.KVHeads == 0 {
		o.KVHeads = o.Heads
	}
	if o.FF == 0 {
		o.FF = 4 * o.Dim
	}
	if o.Context == 0 {
		o.Context = 256
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	return o
}

// Vocab is the tokenizer half of a checkpoint.
type Vocab struct {
	Model  string
	Tokens []string
	Types  []int32
	Scores []float32
	Merges []string
}

// Special tokens present in both vocabularies.
var (
	GPT2EndOfText = "<|endoftext|>"
	UserTokens    = []string{"[INICIO]", "[RESEÑA]"}
)

// GPT2Vocab has one symbol per byte, a handful of merges and the review
// markers as user-defined tokens.
func GPT2Vocab() Vocab {
	enc := byteEncoder()
	v := Vocab{Model: "gpt2"}
	for b := 0; b < 256; b++ {
		v.Tokens = append(v.Tokens, string(enc[b]))
		v.Types = append(v.Types, 1)
	}
	v.Merges = []string{"e n", "Ġ b", "u en", "Ġb uen", "o s"}
	for _, m := range []string{"en", "Ġb", "uen", "Ġbuen", "os"} {
		v.Tokens = append(v.Tokens, m)
		v.Types = append(v.Types, 1)
	}
	v.Tokens = append(v.Tokens, GPT2EndOfText)
	v.Types = append(v.Types, 3)
	for _, u := range UserTokens {
		v.Tokens = append(v.Tokens, u)
		v.Types = append(v.Types, 4)
	}
	return v
}

// LlamaVocab is a SentencePiece style vocabulary with byte fallback.
func LlamaVocab() Vocab {
	v := Vocab{Model: "llama"}
	add := func(tok string, typ int32, score float32) {
		v.Tokens = append(v.Tokens, tok)
		v.Types = append(v.Types, typ)
		v.Scores = append(v.Scores, score)
	}
	add("<unk>", 2, 0)
	add("<s>", 3, 0)
	add("</s>", 3, 0)
	for b := 0; b < 256; b++ {
		add(fmt.Sprintf("<0x%02X>", b), 6, 0)
	}
	add("▁", 1, -50)
	for c := 'a'; c <= 'z'; c++ {
		add(string(c), 1, -100)
	}
	for c := 'A'; c <= 'Z'; c++ {
		add(string(c), 1, -100)
	}
	for c := '0'; c <= '9'; c++ {
		add(string(c), 1, -100)
	}
	add(":", 1, -100)
	add("▁b", 1, -1)
	add("ue", 1, -2)
	add("no", 1, -3)
	add("▁bue", 1, -4)
	add("▁bueno", 1, -5)
	for _, u := range UserTokens {
		add(u, 4, 0)
	}
	return v
}

// byteEncoder mirrors the GPT-2 byte to symbol table.
func byteEncoder() [256]rune {
	var enc [256]rune
	n := 0
	for c := 0; c < 256; c++ {
		if (c >= '!' && c <= '~') || (c >= 0xA1 && c <= 0xAC) || (c >= 0xAE && c <= 0xFF) {
			enc[c] = rune(c)
			continue
		}
		enc[c] = rune(256 + n)
		n++
	}
	return enc
}

// WriteDir writes a checkpoint named FileName into dir and returns its path.
func WriteDir(dir string, opts Options) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)
	return path, Write(path, opts)
}

func Write(path string, opts Options) error {
	opts = opts.withDefaults()
	w := gguf.NewWriter()

	var vocab Vocab
	switch opts.Arch {
	case config.ArchGPT2:
		vocab = GPT2Vocab()
	case config.ArchLlama:
		vocab = LlamaVocab()
	default:
		return fmt.Errorf("testmodel: unsupported architecture %q", opts.Arch)
	}

	arch := opts.Arch
	w.AddKV("general.architecture", arch)
	w.AddKV("general.name", "tiny-"+arch)
	w.AddKV(arch+".context_length", uint32(opts.Context))
	w.AddKV(arch+".embedding_length", uint32(opts.Dim))
	w.AddKV(arch+".feed_forward_length", uint32(opts.FF))
	w.AddKV(arch+".block_count", uint32(opts.Layers))
	w.AddKV(arch+".attention.head_count", uint32(opts.Heads))
	if arch == config.ArchLlama {
		w.AddKV(arch+".attention.head_count_kv", uint32(opts.KVHeads))
		w.AddKV(arch+".attention.layer_norm_rms_epsilon", float32(1e-5))
		w.AddKV(arch+".rope.freq_base", float32(10000))
	} else {
		w.AddKV(arch+".attention.layer_norm_epsilon", float32(1e-5))
	}

	w.AddKV("tokenizer.ggml.model", vocab.Model)
	w.AddKV("tokenizer.ggml.tokens", vocab.Tokens)
	w.AddKV("tokenizer.ggml.token_type", vocab.Types)
	if vocab.Merges != nil {
		w.AddKV("tokenizer.ggml.merges", vocab.Merges)
		eot := uint32(len(vocab.Tokens) - 1 - len(UserTokens))
		w.AddKV("tokenizer.ggml.bos_token_id", eot)
		w.AddKV("tokenizer.ggml.eos_token_id", eot)
	}
	if vocab.Scores != nil {
		w.AddKV("tokenizer.ggml.scores", vocab.Scores)
		w.AddKV("tokenizer.ggml.bos_token_id", uint32(1))
		w.AddKV("tokenizer.ggml.eos_token_id", uint32(2))
		w.AddKV("tokenizer.ggml.add_bos_token", true)
	}

	g := &gen{w: w, r: rand.New(rand.NewSource(opts.Seed)), typ: opts.WeightType}
	if err := g.weights(opts, len(vocab.Tokens)); err != nil {
		return err
	}
	return w.WriteFile(path)
}

type matrixSpec struct {
	name       string
	rows, cols int
}

type gen struct {
	w   *gguf.Writer
	r   *rand.Rand
	typ gguf.GGMLType
}

func (g *gen) fill(n int, scale float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = (g.r.Float32()*2 - 1) * scale
	}
	return v
}

func constant(n int, c float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = c
	}
	return v
}

// matrix adds a rows x cols weight stored in the configured type.
func (g *gen) matrix(name string, rows, cols int, scale float32) error {
	vals := g.fill(rows*cols, scale)
	dims := []uint64{uint64(cols), uint64(rows)}
	switch g.typ {
	case gguf.GGMLTypeF32:
		g.w.AddF32(name, dims, vals)
	case gguf.GGMLTypeF16:
		g.w.AddF16(name, dims, vals)
	case gguf.GGMLTypeQ8_0:
		if cols%32 != 0 {
			return fmt.Errorf("testmodel: %s has %d columns, Q8_0 needs a multiple of 32", name, cols)
		}
		g.w.AddTensor(name, gguf.GGMLTypeQ8_0, dims, gguf.QuantizeQ8_0(vals))
	default:
		return fmt.Errorf("testmodel: unsupported weight type %s", g.typ)
	}
	return nil
}

func (g *gen) vector(name string, vals []float32) {
	g.w.AddF32(name, []uint64{uint64(len(vals))}, vals)
}

func (g *gen) weights(o Options, vocab int) error {
	dim, ff := o.Dim, o.FF
	kvDim := o.KVHeads * (dim / o.Heads)
	scale := float32(0.2)

	if err := g.matrix("token_embd.weight", vocab, dim, 1); err != nil {
		return err
	}
	if o.Arch == config.ArchGPT2 {
		if err := g.matrix("position_embd.weight", o.Context, dim, 0.1); err != nil {
			return err
		}
	}

	for l := 0; l < o.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		g.vector(p+"attn_norm.weight", constant(dim, 1))
		g.vector(p+"ffn_norm.weight", constant(dim, 1))

		var mats []matrixSpec
		if o.Arch == config.ArchGPT2 {
			g.vector(p+"attn_norm.bias", g.fill(dim, 0.05))
			g.vector(p+"ffn_norm.bias", g.fill(dim, 0.05))
			g.vector(p+"attn_qkv.bias", g.fill(3*dim, 0.05))
			g.vector(p+"attn_output.bias", g.fill(dim, 0.05))
			g.vector(p+"ffn_up.bias", g.fill(ff, 0.05))
			g.vector(p+"ffn_down.bias", g.fill(dim, 0.05))
			mats = append(mats,
				matrixSpec{"attn_qkv.weight", 3 * dim, dim},
				matrixSpec{"attn_output.weight", dim, dim},
				matrixSpec{"ffn_up.weight", ff, dim},
				matrixSpec{"ffn_down.weight", dim, ff},
			)
		} else {
			mats = append(mats,
				matrixSpec{"attn_q.weight", dim, dim},
				matrixSpec{"attn_k.weight", kvDim, dim},
				matrixSpec{"attn_v.weight", kvDim, dim},
				matrixSpec{"attn_output.weight", dim, dim},
				matrixSpec{"ffn_gate.weight", ff, dim},
				matrixSpec{"ffn_up.weight", ff, dim},
				matrixSpec{"ffn_down.weight", dim, ff},
			)
		}
		for _, mat := range mats {
			if err := g.matrix(p+mat.name, mat.rows, mat.cols, scale); err != nil {
				return err
			}
		}
	}

	g.vector("output_norm.weight", constant(dim, 1))
	if o.Arch == config.ArchGPT2 {
		g.vector("output_norm.bias", constant(dim, 0))
	}
	if !o.TiedOutput {
		if err := g.matrix("output.weight", vocab, dim, 1); err != nil {
			return err
		}
	}
	return nil
}
