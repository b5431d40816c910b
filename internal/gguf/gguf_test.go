package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
}

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		ggmlType GGMLType
		expected string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeBF16, "BF16"},
		{GGMLTypeQ4_0, "Q4_0"},
		{GGMLTypeQ8_0, "Q8_0"},
		{GGMLTypeQ4_K, "Q4_K"},
		{GGMLTypeQ6_K, "Q6_K"},
		{GGMLType(77), "UNKNOWN_TYPE_77"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.ggmlType.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTensorInfoSizeBytes(t *testing.T) {
	tests := []struct {
		name string
		typ  GGMLType
		dims []uint64
		want uint64
	}{
		{"f32", GGMLTypeF32, []uint64{4, 3}, 48},
		{"f16", GGMLTypeF16, []uint64{4, 3}, 24},
		{"q8_0", GGMLTypeQ8_0, []uint64{64, 2}, 4 * 34},
		{"q4_0", GGMLTypeQ4_0, []uint64{32}, 18},
		{"q4_k", GGMLTypeQ4_K, []uint64{256, 2}, 288},
		{"q6_k", GGMLTypeQ6_K, []uint64{256}, 210},
		{"unknown", GGMLType(99), []uint64{256}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := &TensorInfo{Dimensions: tt.dims, Type: tt.typ}
			if got := ti.SizeBytes(); got != tt.want {
				t.Errorf("SizeBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTensorInfoRowsCols(t *testing.T) {
	ti := &TensorInfo{Dimensions: []uint64{8, 5}}
	if ti.Cols() != 8 || ti.Rows() != 5 {
		t.Errorf("got %dx%d, want 5x8", ti.Rows(), ti.Cols())
	}

	empty := &TensorInfo{Dimensions: []uint64{0, 4}}
	if empty.Rows() != 0 {
		t.Errorf("Rows() with a zero leading dimension = %d, want 0", empty.Rows())
	}
}

func TestErrorMessages(t *testing.T) {
	if got := (ErrInvalidMagic{Magic: 0x1234}).Error(); got != "invalid GGUF magic: 1234" {
		t.Errorf("unexpected message %q", got)
	}
	if got := (ErrUnsupportedVersion{Version: 9}).Error(); got != "unsupported GGUF version: 9" {
		t.Errorf("unexpected message %q", got)
	}
}

func buildSample(t *testing.T) []byte {
	t.Helper()
	w := NewWriter()
	w.AddKV("general.architecture", "gpt2")
	w.AddKV("gpt2.block_count", uint32(2))
	w.AddKV("gpt2.attention.layer_norm_epsilon", float32(1e-5))
	w.AddKV("tokenizer.ggml.add_bos_token", false)
	w.AddKV("tokenizer.ggml.tokens", []string{"a", "b", "c"})
	w.AddKV("tokenizer.ggml.scores", []float32{0.5, -1, 2})
	w.AddKV("tokenizer.ggml.token_type", []int32{1, 1, 3})
	w.AddF32("token_embd.weight", []uint64{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	w.AddF16("output_norm.weight", []uint64{2}, []float32{0.5, -2})

	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	return buf.Bytes()
}

func TestWriterParseRoundTrip(t *testing.T) {
	f, err := Parse(buildSample(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.Header.Version != GGUFVersion {
		t.Errorf("version = %d", f.Header.Version)
	}
	if f.Architecture() != "gpt2" {
		t.Errorf("architecture = %q", f.Architecture())
	}
	if n := f.UintOr(0, "gpt2.block_count"); n != 2 {
		t.Errorf("block_count = %d", n)
	}
	if eps := f.FloatOr(0, "gpt2.attention.layer_norm_epsilon"); eps < 0.9e-5 || eps > 1.1e-5 {
		t.Errorf("eps = %v", eps)
	}
	if b, ok := f.GetBool("tokenizer.ggml.add_bos_token"); !ok || b {
		t.Errorf("add_bos = %v, %v", b, ok)
	}

	toks, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil || len(toks) != 3 || toks[2] != "c" {
		t.Errorf("tokens = %v, %v", toks, err)
	}
	scores, err := f.Float32s("tokenizer.ggml.scores")
	if err != nil || scores[2] != 2 {
		t.Errorf("scores = %v, %v", scores, err)
	}
	types, err := f.Ints("tokenizer.ggml.token_type")
	if err != nil || types[2] != 3 {
		t.Errorf("types = %v, %v", types, err)
	}

	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	emb, ok := f.Tensor("token_embd.weight")
	if !ok {
		t.Fatal("token_embd.weight missing")
	}
	vals, err := Dequantize(emb)
	if err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	for i, want := range []float32{1, 2, 3, 4, 5, 6} {
		if vals[i] != want {
			t.Errorf("emb[%d] = %v, want %v", i, vals[i], want)
		}
	}

	norm, _ := f.Tensor("output_norm.weight")
	nv, err := Dequantize(norm)
	if err != nil {
		t.Fatalf("Dequantize f16: %v", err)
	}
	if nv[0] != 0.5 || nv[1] != -2 {
		t.Errorf("f16 values = %v", nv)
	}
}

func TestParseErrors(t *testing.T) {
	good := buildSample(t)

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)
	var magicErr ErrInvalidMagic
	if _, err := Parse(badMagic); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badVersion[4:], 7)
	var versionErr ErrUnsupportedVersion
	if _, err := Parse(badVersion); !errors.As(err, &versionErr) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	if _, err := Parse(good[:40]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF for truncated header, got %v", err)
	}

	if _, err := Parse(good[:len(good)-30]); err == nil {
		t.Error("expected error for truncated tensor data")
	}
}

func TestParseRejectsOversizedArray(t *testing.T) {
	var buf bytes.Buffer
	put := func(v interface{}) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	put(uint32(GGUFMagic))
	put(uint32(3))
	put(uint64(0)) // tensors
	put(uint64(1)) // kv pairs
	put(uint64(len("tokenizer.ggml.tokens")))
	buf.WriteString("tokenizer.ggml.tokens")
	put(uint32(GGUFMetadataValueTypeArray))
	put(uint32(GGUFMetadataValueTypeUint8))
	put(uint64(maxArrayLen - 1))
	buf.Write([]byte{1, 2, 3})

	_, err := Parse(buf.Bytes())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF for an array longer than the file, got %v", err)
	}
}

func TestParseRejectsZeroDimension(t *testing.T) {
	w := NewWriter()
	w.AddKV("general.architecture", "gpt2")
	w.AddF32("token_embd.weight", []uint64{0, 4}, nil)
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if _, err := Parse(buf.Bytes()); err == nil || !strings.Contains(err.Error(), "zero dimension") {
		t.Errorf("expected zero dimension error, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(path, buildSample(t), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if f.Path != path {
		t.Errorf("path = %q", f.Path)
	}
	if len(f.Tensors) != 2 {
		t.Errorf("tensors = %d", len(f.Tensors))
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := LoadFile(dir); err == nil {
		t.Error("expected error loading a directory")
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.gguf")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestSortedTensors(t *testing.T) {
	f, err := Parse(buildSample(t))
	if err != nil {
		t.Fatal(err)
	}
	sorted := f.SortedTensors()
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Offset < sorted[i-1].Offset {
			t.Errorf("tensors not sorted by offset")
		}
	}
}
