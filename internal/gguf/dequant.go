package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	BlockSizeQ4_0 = 32
	BlockSizeQ8_0 = 32
	BlockSizeQ4K  = 256
	BlockSizeQ6K  = 256
)

// Dequantize expands a tensor of any supported type to float32.
func Dequantize(t *TensorInfo) ([]float32, error) {
	n := int(t.NumElements())
	if uint64(len(t.Data)) < t.SizeBytes() {
		return nil, fmt.Errorf("tensor %s: have %d bytes, need %d", t.Name, len(t.Data), t.SizeBytes())
	}
	if l, ok := layouts[t.Type]; ok && uint64(n)%l.elems != 0 {
		return nil, fmt.Errorf("tensor %s: %d elements not a multiple of block size %d", t.Name, n, l.elems)
	}

	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(t.Data[i*2:]))
		}
		return out, nil
	case GGMLTypeBF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.Data[i*2:])) << 16)
		}
		return out, nil
	case GGMLTypeQ4_0:
		return DequantizeQ4_0(t.Data, n), nil
	case GGMLTypeQ8_0:
		return DequantizeQ8_0(t.Data, n), nil
	case GGMLTypeQ4_K:
		return DequantizeQ4K(t.Data, n), nil
	case GGMLTypeQ6_K:
		return DequantizeQ6K(t.Data, n), nil
	default:
		return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}
}

// DequantizeQ4_0 decodes 18-byte blocks: f16 scale followed by 16 bytes of
// 4-bit quants, low nibbles first.
func DequantizeQ4_0(data []byte, numElements int) []float32 {
	const blockBytes = 18
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQ4_0; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		qs := block[2:]
		y := out[b*BlockSizeQ4_0:]
		for j := 0; j < 16; j++ {
			y[j] = float32(int(qs[j]&0x0F)-8) * d
			y[j+16] = float32(int(qs[j]>>4)-8) * d
		}
	}
	return out
}

// DequantizeQ8_0 decodes 34-byte blocks: f16 scale followed by 32 int8 quants.
func DequantizeQ8_0(data []byte, numElements int) []float32 {
	const blockBytes = 34
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQ8_0; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		for j := 0; j < BlockSizeQ8_0; j++ {
			out[b*BlockSizeQ8_0+j] = float32(int8(block[2+j])) * d
		}
	}
	return out
}

// DequantizeQ4K converts Q4_K super-blocks to float32.
// Layout (144 bytes per 256 weights):
// - d (f16), dmin (f16)
// - scales: 12 bytes packing eight 6-bit scales and eight 6-bit mins
// - qs: 128 bytes, each 32-byte run holds two 32-weight sub-blocks
func DequantizeQ4K(data []byte, numElements int) []float32 {
	const blockBytes = 144
	out := make([]float32, numElements)

	for i := 0; i < numElements/BlockSizeQ4K; i++ {
		block := data[i*blockBytes : (i+1)*blockBytes]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := Float16ToFloat32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		q := block[16:144]
		y := out[i*BlockSizeQ4K:]

		is := 0
		for j := 0; j < BlockSizeQ4K; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0x0F) - m1
				y[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			q = q[32:]
			is += 2
		}
	}
	return out
}

func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// DequantizeQ6K converts Q6_K super-blocks to float32.
// Layout (210 bytes per 256 weights): ql[128] low nibbles, qh[64] high
// 2-bit pairs, scales[16] int8, d (f16).
func DequantizeQ6K(data []byte, numElements int) []float32 {
	const blockBytes = 210
	out := make([]float32, numElements)

	for i := 0; i < numElements/BlockSizeQ6K; i++ {
		block := data[i*blockBytes : (i+1)*blockBytes]
		ql := block[0:128]
		qh := block[128:192]
		sc := block[192:208]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[208:210]))
		y := out[i*BlockSizeQ6K:]

		for n := 0; n < BlockSizeQ6K; n += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
				q2 := int((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
				q3 := int((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
				q4 := int((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
				y[n+l] = d * float32(int8(sc[is])) * float32(q1)
				y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	}
	return out
}

// QuantizeQ8_0 is the inverse of DequantizeQ8_0; len(x) must be a multiple
// of 32.
func QuantizeQ8_0(x []float32) []byte {
	const blockBytes = 34
	out := make([]byte, len(x)/BlockSizeQ8_0*blockBytes)
	for b := 0; b < len(x)/BlockSizeQ8_0; b++ {
		src := x[b*BlockSizeQ8_0 : (b+1)*BlockSizeQ8_0]
		amax := float32(0)
		for _, v := range src {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		id := float32(0)
		if d != 0 {
			id = 1 / d
		}
		block := out[b*blockBytes:]
		binary.LittleEndian.PutUint16(block[0:2], Float32ToFloat16(d))
		for j, v := range src {
			block[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out
}

func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	frac := uint32(h & 0x03FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		f := float32(frac) * (1.0 / (1 << 24))
		if sign != 0 {
			f = -f
		}
		return f
	case 0x1F:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return float32(math.NaN())
	}
	return math.Float32frombits(sign | ((exp + 112) << 23) | frac<<13)
}

// Float32ToFloat16 rounds to nearest even; values beyond the half range
// become infinities and tiny values flush through the subnormal range.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	e := exp - 127 + 15
	switch {
	case e >= 0x1F:
		return sign | 0x7C00
	case e <= 0:
		if e < -10 {
			return sign
		}
		m := mant | 0x800000
		shift := uint32(14 - e)
		half := m >> shift
		rem := m & ((1 << shift) - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}

	half := uint32(e)<<10 | mant>>13
	rem := mant & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}
	return sign | uint16(half)
}
