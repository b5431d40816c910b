package tokenizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/quarrel-resena/internal/gguf"
)

const (
	ModelGPT2  = "gpt2"
	ModelLlama = "llama"
)

// Token types as stored in tokenizer.ggml.token_type.
const (
	TypeNormal      = 1
	TypeUnknown     = 2
	TypeControl     = 3
	TypeUserDefined = 4
	TypeUnused      = 5
	TypeByte        = 6
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	Scores []float32 // llama only
	Types  []int

	model          string
	bos, eos, unk  int
	addBOS         bool
	addSpacePrefix bool

	// verbatim tokens matched before BPE, longest first
	special []string

	gpt2 *bpe
}

// New loads the tokenizer embedded in a GGUF checkpoint.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromGGUF(f)
}

// FromGGUF builds a tokenizer from tokenizer.ggml.* metadata. Nothing in
// the result aliases the mapped file.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer.ggml.tokens is empty")
	}

	model, _ := f.GetString("tokenizer.ggml.model")
	if model == "" {
		model = ModelLlama
	}

	t := &Tokenizer{
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
		Types:  make([]int, len(tokens)),
		model:  model,
		unk:    -1,
	}
	for i, s := range tokens {
		if _, dup := t.Vocab[s]; !dup {
			t.Vocab[s] = i
		}
		t.Types[i] = TypeNormal
	}

	if _, ok := f.KV["tokenizer.ggml.token_type"]; ok {
		types, err := f.Ints("tokenizer.ggml.token_type")
		if err != nil {
			return nil, err
		}
		if len(types) != len(tokens) {
			return nil, fmt.Errorf("token_type has %d entries for %d tokens", len(types), len(tokens))
		}
		t.Types = types
	}

	switch model {
	case ModelGPT2:
		merges, err := f.Strings("tokenizer.ggml.merges")
		if err != nil {
			return nil, err
		}
		t.gpt2, err = newBPE(merges)
		if err != nil {
			return nil, err
		}
		eot := -1
		if id, ok := t.Vocab["<|endoftext|>"]; ok {
			eot = id
		}
		t.bos = int(f.UintOr(uint64(max(eot, 0)), "tokenizer.ggml.bos_token_id"))
		t.eos = eot
		if v, ok := f.GetUint("tokenizer.ggml.eos_token_id"); ok {
			t.eos = int(v)
		}
		t.addBOS = false
	case ModelLlama:
		scores, err := f.Float32s("tokenizer.ggml.scores")
		if err != nil {
			return nil, err
		}
		if len(scores) != len(tokens) {
			return nil, fmt.Errorf("scores has %d entries for %d tokens", len(scores), len(tokens))
		}
		t.Scores = scores
		t.bos = int(f.UintOr(1, "tokenizer.ggml.bos_token_id"))
		t.eos = int(f.UintOr(2, "tokenizer.ggml.eos_token_id"))
		t.unk = int(f.UintOr(0, "tokenizer.ggml.unknown_token_id"))
		t.addBOS = true
		t.addSpacePrefix = true
		if v, ok := f.GetBool("tokenizer.ggml.add_space_prefix"); ok {
			t.addSpacePrefix = v
		}
	default:
		return nil, fmt.Errorf("unsupported tokenizer model %q", model)
	}

	if v, ok := f.GetBool("tokenizer.ggml.add_bos_token"); ok {
		t.addBOS = v
	}
	for _, id := range []int{t.bos, t.eos} {
		if id >= len(tokens) {
			return nil, fmt.Errorf("special token id %d outside vocabulary of %d", id, len(tokens))
		}
	}

	for i, typ := range t.Types {
		if (typ == TypeControl || typ == TypeUserDefined) && tokens[i] != "" {
			t.special = append(t.special, tokens[i])
		}
	}
	sort.SliceStable(t.special, func(i, j int) bool {
		return len(t.special[i]) > len(t.special[j])
	})

	return t, nil
}

func (t *Tokenizer) Model() string { return t.model }
func (t *Tokenizer) BOS() int { return t.bos }
func (t *Tokenizer) EOS() int { return t.eos }
func (t *Tokenizer) AddBOS() bool { return t.addBOS }
func (t *Tokenizer) VocabSize() int { return len(t.Tokens) }

// Encode maps text to token ids. BOS is never prepended here; callers
// consult AddBOS.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	first := true
	for _, seg := range t.splitSpecial(text) {
		if seg.special {
			ids = append(ids, t.Vocab[seg.text])
			first = false
			continue
		}
		switch t.model {
		case ModelGPT2:
			ids = append(ids, t.encodeGPT2(seg.text)...)
		default:
			ids = append(ids, t.encodeSPM(seg.text, first)...)
		}
		first = false
	}
	return ids
}

// Decode maps ids back to text. Control tokens (BOS/EOS and friends) are
// dropped; out-of-range ids are ignored.
func (t *Tokenizer) Decode(ids []int) string {
	switch t.model {
	case ModelGPT2:
		return t.decodeGPT2(ids)
	default:
		return t.decodeSPM(ids)
	}
}

type segment struct {
	text    string
	special bool
}

func (t *Tokenizer) splitSpecial(text string) []segment {
	if len(t.special) == 0 {
		return []segment{{text: text}}
	}
	var segs []segment
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, s := range t.special {
			if strings.HasPrefix(text[i:], s) {
				match = s
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if start < i {
			segs = append(segs, segment{text: text[start:i]})
		}
		segs = append(segs, segment{text: match, special: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		segs = append(segs, segment{text: text[start:]})
	}
	return segs
}
