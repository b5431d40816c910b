package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/23skdu/quarrel-resena/internal/logger"
)

// gpt2Pattern splits text the way the GPT-2 pre-tokenizer does. It needs
// a negative lookahead, which the standard regexp package lacks.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type pair struct{ a, b string }

// bpe holds the byte-level BPE state shared by all GPT-2 style vocabularies.
type bpe struct {
	ranks   map[pair]int
	pattern *regexp2.Regexp

	byteEnc [256]rune
	byteDec map[rune]byte

	mu    sync.Mutex
	cache map[string][]string
}

func newBPE(merges []string) (*bpe, error) {
	b := &bpe{
		ranks:   make(map[pair]int, len(merges)),
		pattern: regexp2.MustCompile(gpt2Pattern, regexp2.None),
		byteDec: make(map[rune]byte, 256),
		cache:   make(map[string][]string),
	}
	for i, m := range merges {
		left, right, ok := strings.Cut(m, " ")
		if !ok || left == "" || right == "" {
			return nil, fmt.Errorf("malformed merge %d: %q", i, m)
		}
		p := pair{left, right}
		if _, dup := b.ranks[p]; !dup {
			b.ranks[p] = i
		}
	}

	// Printable latin-1 bytes map to themselves; the rest are shifted
	// past 255 so every byte has a visible stand-in.
	n := 0
	for c := 0; c < 256; c++ {
		printable := (c >= '!' && c <= '~') || (c >= 0xA1 && c <= 0xAC) || (c >= 0xAE && c <= 0xFF)
		r := rune(c)
		if !printable {
			r = rune(256 + n)
			n++
		}
		b.byteEnc[c] = r
		b.byteDec[r] = byte(c)
	}
	return b, nil
}

func (b *bpe) words(text string) []string {
	var out []string
	m, err := b.pattern.FindStringMatch(text)
	for err == nil && m != nil {
		out = append(out, m.String())
		m, err = b.pattern.FindNextMatch(m)
	}
	return out
}

// merge applies ranked merges to one pre-tokenized word already mapped
// through the byte encoder.
func (b *bpe) merge(word string) []string {
	b.mu.Lock()
	if cached, ok := b.cache[word]; ok {
		b.mu.Unlock()
		return cached
	}
	b.mu.Unlock()

	parts := make([]string, 0, utf8.RuneCountInString(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}

	for len(parts) > 1 {
		best, bestRank := pair{}, -1
		for i := 0; i+1 < len(parts); i++ {
			p := pair{parts[i], parts[i+1]}
			if r, ok := b.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
				best, bestRank = p, r
			}
		}
		if bestRank < 0 {
			break
		}
		merged := parts[:0:0]
		for i := 0; i < len(parts); {
			if i+1 < len(parts) && parts[i] == best.a && parts[i+1] == best.b {
				merged = append(merged, best.a+best.b)
				i += 2
				continue
			}
			merged = append(merged, parts[i])
			i++
		}
		parts = merged
	}

	b.mu.Lock()
	b.cache[word] = parts
	b.mu.Unlock()
	return parts
}

func (t *Tokenizer) encodeGPT2(text string) []int {
	var ids []int
	var sb strings.Builder
	for _, w := range t.gpt2.words(text) {
		sb.Reset()
		for i := 0; i < len(w); i++ {
			sb.WriteRune(t.gpt2.byteEnc[w[i]])
		}
		for _, piece := range t.gpt2.merge(sb.String()) {
			if id, ok := t.Vocab[piece]; ok {
				ids = append(ids, id)
				continue
			}
			// An incomplete merge table can leave pieces with no entry;
			// fall back to single symbols.
			for _, r := range piece {
				if id, ok := t.Vocab[string(r)]; ok {
					ids = append(ids, id)
				} else {
					logger.Log.Warn("dropping symbol missing from vocabulary", "symbol", string(r))
				}
			}
		}
	}
	return ids
}

func (t *Tokenizer) decodeGPT2(ids []int) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		switch t.Types[id] {
		case TypeControl:
			continue
		case TypeUserDefined:
			buf = append(buf, t.Tokens[id]...)
			continue
		}
		for _, r := range t.Tokens[id] {
			if c, ok := t.gpt2.byteDec[r]; ok {
				buf = append(buf, c)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return strings.ToValidUTF8(string(buf), "�")
}
