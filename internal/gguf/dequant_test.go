package gguf

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestFloat16RoundTrip(t *testing.T) {
	tests := []float32{0, 1, -1, 0.5, 65504, -2.25, 0.000061035156, 5.9604645e-08}
	for _, v := range tests {
		got := Float16ToFloat32(Float32ToFloat16(v))
		if got != v {
			t.Errorf("round trip %v -> %v", v, got)
		}
	}

	if !math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(1e6))), 1) {
		t.Error("expected +Inf for out-of-range value")
	}
	if !math.IsNaN(float64(Float16ToFloat32(0x7E00))) {
		t.Error("expected NaN")
	}
}

func TestDequantizeQ8_0RoundTrip(t *testing.T) {
	x := make([]float32, 64)
	for i := range x {
		x[i] = float32(i-32) / 10
	}
	got := DequantizeQ8_0(QuantizeQ8_0(x), len(x))
	for i := range x {
		if math.Abs(float64(got[i]-x[i])) > 0.02 {
			t.Errorf("x[%d]: got %v, want ~%v", i, got[i], x[i])
		}
	}
}

func TestDequantizeQ4_0(t *testing.T) {
	block := make([]byte, 18)
	binary.LittleEndian.PutUint16(block, Float32ToFloat16(0.5))
	for j := 0; j < 16; j++ {
		block[2+j] = byte(j) | byte(15-j)<<4
	}
	out := DequantizeQ4_0(block, 32)
	for j := 0; j < 16; j++ {
		if want := float32(j-8) * 0.5; out[j] != want {
			t.Errorf("out[%d] = %v, want %v", j, out[j], want)
		}
		if want := float32(15-j-8) * 0.5; out[j+16] != want {
			t.Errorf("out[%d] = %v, want %v", j+16, out[j+16], want)
		}
	}
}

func TestDequantizeQ4K(t *testing.T) {
	block := make([]byte, 144)
	binary.LittleEndian.PutUint16(block[0:2], Float32ToFloat16(1))
	binary.LittleEndian.PutUint16(block[2:4], Float32ToFloat16(0.5))
	// Sub-block scales 0..3 live in the low 6 bits of bytes 0..3, mins in 4..7.
	block[4] = 2 // sc[0]
	block[5] = 3 // sc[1]
	block[8] = 4 // m[0]
	block[9] = 6 // m[1]
	for i := 16; i < 48; i++ {
		block[i] = 0x51 // low nibble 1, high nibble 5
	}

	out := DequantizeQ4K(block, 256)
	// First 32 weights: d*sc[0]*1 - dmin*m[0] = 2 - 2 = 0
	if out[0] != 0 {
		t.Errorf("out[0] = %v, want 0", out[0])
	}
	// Next 32: d*sc[1]*5 - dmin*m[1] = 15 - 3 = 12
	if out[32] != 12 {
		t.Errorf("out[32] = %v, want 12", out[32])
	}
}

func TestDequantizeQ6K(t *testing.T) {
	block := make([]byte, 210)
	for i := 0; i < 16; i++ {
		block[192+i] = 1
	}
	binary.LittleEndian.PutUint16(block[208:210], Float32ToFloat16(0.25))
	// ql[0] low nibble 4, qh[0] bits 0-1 = 2 -> q = 4 | 2<<4 = 36 -> 36-32 = 4
	block[0] = 0x04
	block[128] = 0x02

	out := DequantizeQ6K(block, 256)
	if out[0] != 1 {
		t.Errorf("out[0] = %v, want 1", out[0])
	}
	// untouched weights decode to -32 * d * sc
	if out[1] != -8 {
		t.Errorf("out[1] = %v, want -8", out[1])
	}
}

func TestDequantizeUnsupported(t *testing.T) {
	ti := &TensorInfo{Name: "w", Dimensions: []uint64{256}, Type: GGMLTypeQ5_K}
	var typeErr ErrUnsupportedType
	if _, err := Dequantize(ti); !errors.As(err, &typeErr) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestDequantizeShortData(t *testing.T) {
	ti := &TensorInfo{Name: "w", Dimensions: []uint64{4}, Type: GGMLTypeF32, Data: make([]byte, 8)}
	if _, err := Dequantize(ti); err == nil {
		t.Error("expected error for short data")
	}
}
