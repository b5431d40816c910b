package gguf

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture returns general.architecture, or "" when missing.
func (f *GGUFFile) Architecture() string {
	s, _ := f.GetString("general.architecture")
	return s
}

func (f *GGUFFile) GetString(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

// GetUint reads any integer-typed metadata value.
func (f *GGUFFile) GetUint(key string) (uint64, bool) {
	return toUint(f.KV[key])
}

func (f *GGUFFile) GetFloat(key string) (float64, bool) {
	switch v := f.KV[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	if u, ok := toUint(f.KV[key]); ok {
		return float64(u), true
	}
	return 0, false
}

func (f *GGUFFile) GetBool(key string) (bool, bool) {
	b, ok := f.KV[key].(bool)
	return b, ok
}

// UintOr returns the first key present, or def.
func (f *GGUFFile) UintOr(def uint64, keys ...string) uint64 {
	for _, k := range keys {
		if v, ok := f.GetUint(k); ok {
			return v
		}
	}
	return def
}

func (f *GGUFFile) FloatOr(def float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := f.GetFloat(k); ok {
			return v
		}
	}
	return def
}

func (f *GGUFFile) Strings(key string) ([]string, error) {
	arr, err := f.array(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, want string", key, i, v)
		}
		out[i] = s
	}
	return out, nil
}

func (f *GGUFFile) Float32s(key string) ([]float32, error) {
	arr, err := f.array(key)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(arr))
	for i, v := range arr {
		x, ok := v.(float32)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, want float32", key, i, v)
		}
		out[i] = x
	}
	return out, nil
}

func (f *GGUFFile) Ints(key string) ([]int, error) {
	arr, err := f.array(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(arr))
	for i, v := range arr {
		u, ok := toUint(v)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is %T, want integer", key, i, v)
		}
		out[i] = int(u)
	}
	return out, nil
}

func (f *GGUFFile) array(key string) ([]interface{}, error) {
	val, ok := f.KV[key]
	if !ok {
		return nil, fmt.Errorf("%s not found in GGUF", key)
	}
	arr, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is %T, want array", key, val)
	}
	return arr, nil
}

func toUint(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case int8:
		return uint64(x), x >= 0
	case uint16:
		return uint64(x), true
	case int16:
		return uint64(x), x >= 0
	case uint32:
		return uint64(x), true
	case int32:
		return uint64(x), x >= 0
	case uint64:
		return x, true
	case int64:
		return uint64(x), x >= 0
	}
	return 0, false
}

// AnalysisReport summarizes a checkpoint for inspection tools.
type AnalysisReport struct {
	Architecture    string
	ModelName       string
	TokenizerModel  string
	ContextLength   int
	HiddenSize      int
	Layers          int
	AttentionHeads  int
	KVHeads         int
	FeedForward     int
	VocabSize       int
	TotalParameters int64
	TensorCount     int
	TypeCounts      map[GGMLType]int
}

func Analyze(f *GGUFFile) *AnalysisReport {
	arch := f.Architecture()
	r := &AnalysisReport{
		Architecture: arch,
		TensorCount:  len(f.Tensors),
		TypeCounts:   make(map[GGMLType]int),
	}
	r.ModelName, _ = f.GetString("general.name")
	r.TokenizerModel, _ = f.GetString("tokenizer.ggml.model")
	r.ContextLength = int(f.UintOr(0, arch+".context_length"))
	r.HiddenSize = int(f.UintOr(0, arch+".embedding_length"))
	r.Layers = int(f.UintOr(0, arch+".block_count"))
	r.AttentionHeads = int(f.UintOr(0, arch+".attention.head_count"))
	r.KVHeads = int(f.UintOr(uint64(r.AttentionHeads), arch+".attention.head_count_kv"))
	r.FeedForward = int(f.UintOr(0, arch+".feed_forward_length"))
	if arr, ok := f.KV["tokenizer.ggml.tokens"].([]interface{}); ok {
		r.VocabSize = len(arr)
	}

	for _, t := range f.Tensors {
		r.TotalParameters += int64(t.NumElements())
		r.TypeCounts[t.Type]++
	}
	return r
}

func (r *AnalysisReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "architecture:   %s\n", r.Architecture)
	if r.ModelName != "" {
		fmt.Fprintf(&sb, "name:           %s\n", r.ModelName)
	}
	fmt.Fprintf(&sb, "tokenizer:      %s (%d tokens)\n", r.TokenizerModel, r.VocabSize)
	fmt.Fprintf(&sb, "context length: %d\n", r.ContextLength)
	fmt.Fprintf(&sb, "hidden size:    %d\n", r.HiddenSize)
	fmt.Fprintf(&sb, "layers:         %d\n", r.Layers)
	fmt.Fprintf(&sb, "heads:          %d (kv %d)\n", r.AttentionHeads, r.KVHeads)
	fmt.Fprintf(&sb, "feed forward:   %d\n", r.FeedForward)
	fmt.Fprintf(&sb, "parameters:     %.2fM in %d tensors\n", float64(r.TotalParameters)/1e6, r.TensorCount)
	types := make([]GGMLType, 0, len(r.TypeCounts))
	for typ := range r.TypeCounts {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, typ := range types {
		fmt.Fprintf(&sb, "  %-6s %d\n", typ, r.TypeCounts[typ])
	}
	return sb.String()
}
