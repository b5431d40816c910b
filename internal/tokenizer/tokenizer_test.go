package tokenizer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-resena/internal/config"
	"github.com/23skdu/quarrel-resena/internal/gguf"
	"github.com/23skdu/quarrel-resena/internal/testmodel"
)

const reviewPrompt = "[INICIO]\nProducto: Samsung Galaxy S21\nMarca: Samsung\nPrecio: 799\nPuntuación: 1 estrellas\n[RESEÑA]\n"

func loadTokenizer(t *testing.T, arch string) *Tokenizer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, testmodel.Write(path, testmodel.Options{Arch: arch, Dim: 8, Layers: 1, Heads: 2, Context: 16}))
	tok, err := New(path)
	require.NoError(t, err)
	return tok
}

func TestGPT2Merges(t *testing.T) {
	tok := loadTokenizer(t, config.ArchGPT2)
	assert.Equal(t, ModelGPT2, tok.Model())

	ids := tok.Encode(" buenos")
	require.Len(t, ids, 2)
	assert.Equal(t, "Ġbuen", tok.Tokens[ids[0]])
	assert.Equal(t, "os", tok.Tokens[ids[1]])
	assert.Equal(t, " buenos", tok.Decode(ids))
}

func TestGPT2SpecialTokens(t *testing.T) {
	tok := loadTokenizer(t, config.ArchGPT2)

	eot := tok.Vocab[testmodel.GPT2EndOfText]
	assert.Equal(t, eot, tok.EOS())
	assert.Equal(t, eot, tok.BOS())
	assert.False(t, tok.AddBOS())

	ids := tok.Encode(reviewPrompt)
	require.NotEmpty(t, ids)
	assert.Equal(t, tok.Vocab["[INICIO]"], ids[0])
	assert.Contains(t, ids, tok.Vocab["[RESEÑA]"])
	assert.Equal(t, 10, ids[len(ids)-1], "trailing newline is byte 10")

	// control tokens vanish, user-defined ones are literal text
	assert.Equal(t, "[RESEÑA] buen", tok.Decode([]int{tok.Vocab["[RESEÑA]"], eot, tok.Vocab["Ġbuen"]}))
}

func TestGPT2RoundTrip(t *testing.T) {
	tok := loadTokenizer(t, config.ArchGPT2)
	for _, s := range []string{
		reviewPrompt,
		"¡Qué teléfono tan malo!  La batería dura 2 horas...\n\n",
		"emoji 📱 and tabs\tend",
		"",
	} {
		assert.Equal(t, s, tok.Decode(tok.Encode(s)), "round trip of %q", s)
	}
}

func TestGPT2DecodeIgnoresOutOfRange(t *testing.T) {
	tok := loadTokenizer(t, config.ArchGPT2)
	assert.Equal(t, "a", tok.Decode([]int{-1, int('a'), tok.VocabSize()}))
}

func TestLlamaScoreMerges(t *testing.T) {
	tok := loadTokenizer(t, config.ArchLlama)
	assert.Equal(t, ModelLlama, tok.Model())
	assert.Equal(t, 1, tok.BOS())
	assert.Equal(t, 2, tok.EOS())
	assert.True(t, tok.AddBOS())

	ids := tok.Encode("bueno")
	require.Len(t, ids, 1)
	assert.Equal(t, "▁bueno", tok.Tokens[ids[0]])
	assert.Equal(t, " bueno", tok.Decode(ids))
}

func TestLlamaByteFallback(t *testing.T) {
	tok := loadTokenizer(t, config.ArchLlama)

	ids := tok.Encode("ñ")
	require.Len(t, ids, 3)
	assert.Equal(t, "▁", tok.Tokens[ids[0]])
	assert.Equal(t, "<0xC3>", tok.Tokens[ids[1]])
	assert.Equal(t, "<0xB1>", tok.Tokens[ids[2]])
	assert.Equal(t, " ñ", tok.Decode(ids))
}

func TestLlamaRoundTrip(t *testing.T) {
	tok := loadTokenizer(t, config.ArchLlama)
	ids := tok.Encode(reviewPrompt)
	assert.Equal(t, tok.Vocab["[INICIO]"], ids[0])
	// the dummy prefix only applies before leading text
	assert.Equal(t, reviewPrompt, tok.Decode(ids))

	withBOS := append([]int{tok.BOS()}, tok.Encode("Precio: 799")...)
	assert.Equal(t, " Precio: 799", tok.Decode(append(withBOS, tok.EOS())))
}

func TestSplitSpecial(t *testing.T) {
	tok := loadTokenizer(t, config.ArchGPT2)
	segs := tok.splitSpecial("a[INICIO][RESEÑA]b<|endoftext|>")
	assert.Equal(t, []segment{
		{text: "a"},
		{text: "[INICIO]", special: true},
		{text: "[RESEÑA]", special: true},
		{text: "b"},
		{text: "<|endoftext|>", special: true},
	}, segs)
}

func TestFromGGUFErrors(t *testing.T) {
	tests := []struct {
		name string
		kv   map[string]interface{}
	}{
		{"no tokens", map[string]interface{}{}},
		{"empty tokens", map[string]interface{}{
			"tokenizer.ggml.tokens": []interface{}{},
		}},
		{"unknown model", map[string]interface{}{
			"tokenizer.ggml.model":  "bert",
			"tokenizer.ggml.tokens": []interface{}{"a"},
		}},
		{"gpt2 without merges", map[string]interface{}{
			"tokenizer.ggml.model":  "gpt2",
			"tokenizer.ggml.tokens": []interface{}{"a"},
		}},
		{"malformed merge", map[string]interface{}{
			"tokenizer.ggml.model":  "gpt2",
			"tokenizer.ggml.tokens": []interface{}{"a", "b", "ab"},
			"tokenizer.ggml.merges": []interface{}{"ab"},
		}},
		{"score count mismatch", map[string]interface{}{
			"tokenizer.ggml.model":  "llama",
			"tokenizer.ggml.tokens": []interface{}{"<unk>", "<s>", "</s>"},
			"tokenizer.ggml.scores": []interface{}{float32(0)},
		}},
		{"token type count mismatch", map[string]interface{}{
			"tokenizer.ggml.model":      "llama",
			"tokenizer.ggml.tokens":     []interface{}{"<unk>", "<s>", "</s>"},
			"tokenizer.ggml.scores":     []interface{}{float32(0), float32(0), float32(0)},
			"tokenizer.ggml.token_type": []interface{}{int32(1)},
		}},
		{"eos outside vocabulary", map[string]interface{}{
			"tokenizer.ggml.model":  "llama",
			"tokenizer.ggml.tokens": []interface{}{"<unk>", "<s>"},
			"tokenizer.ggml.scores": []interface{}{float32(0), float32(0)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromGGUF(&gguf.GGUFFile{KV: tt.kv})
			assert.Error(t, err)
		})
	}
}

func TestNewMissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent.gguf"))
	assert.Error(t, err)
}
