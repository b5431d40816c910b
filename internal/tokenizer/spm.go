package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
)

const spaceMarker = "▁"

// encodeSPM runs score-driven BPE over a SentencePiece vocabulary.
// Symbols missing from the vocabulary fall back to <0xXX> byte tokens.
func (t *Tokenizer) encodeSPM(text string, first bool) []int {
	if text == "" {
		return nil
	}
	if first && t.addSpacePrefix {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", spaceMarker)

	var pieces []string
	var ids []int
	for _, r := range text {
		s := string(r)
		if id, ok := t.Vocab[s]; ok {
			pieces = append(pieces, s)
			ids = append(ids, id)
			continue
		}
		for _, c := range []byte(s) {
			id, ok := t.Vocab[fmt.Sprintf("<0x%02X>", c)]
			if !ok {
				id = t.unk
			}
			if id < 0 {
				continue
			}
			// byte tokens never merge
			pieces = append(pieces, "")
			ids = append(ids, id)
		}
	}

	for {
		bestScore := float32(0)
		bestIdx, bestID := -1, -1
		for i := 0; i+1 < len(pieces); i++ {
			if pieces[i] == "" || pieces[i+1] == "" {
				continue
			}
			id, ok := t.Vocab[pieces[i]+pieces[i+1]]
			if !ok {
				continue
			}
			if bestIdx < 0 || t.Scores[id] > bestScore {
				bestScore, bestIdx, bestID = t.Scores[id], i, id
			}
		}
		if bestIdx < 0 {
			break
		}
		pieces[bestIdx] += pieces[bestIdx+1]
		ids[bestIdx] = bestID
		pieces = append(pieces[:bestIdx+1], pieces[bestIdx+2:]...)
		ids = append(ids[:bestIdx+1], ids[bestIdx+2:]...)
	}
	return ids
}

// decodeSPM keeps the space that the marker on a leading piece stands for,
// so decoding a continuation can be appended directly to its prompt.
func (t *Tokenizer) decodeSPM(ids []int) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		piece := t.Tokens[id]
		switch t.Types[id] {
		case TypeControl:
			continue
		case TypeByte:
			if c, ok := byteValue(piece); ok {
				buf = append(buf, c)
				continue
			}
		}
		buf = append(buf, strings.ReplaceAll(piece, spaceMarker, " ")...)
	}
	return strings.ToValidUTF8(string(buf), "�")
}

func byteValue(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
