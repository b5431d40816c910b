package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Writer assembles a GGUF v3 image. Metadata keeps insertion order so the
// output is reproducible.
type Writer struct {
	kv      []kvPair
	tensors []tensorEntry
}

type kvPair struct {
	key string
	val interface{}
}

type tensorEntry struct {
	name string
	typ  GGMLType
	dims []uint64
	data []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

// AddKV records a metadata value. Supported Go types: uint8, int8, uint16,
// int16, uint32, int32, uint64, int64, float32, float64, bool, string,
// []string, []float32, []int32 and []uint32.
func (w *Writer) AddKV(key string, val interface{}) {
	w.kv = append(w.kv, kvPair{key: key, val: val})
}

func (w *Writer) AddTensor(name string, typ GGMLType, dims []uint64, data []byte) {
	w.tensors = append(w.tensors, tensorEntry{name: name, typ: typ, dims: dims, data: data})
}

func (w *Writer) AddF32(name string, dims []uint64, values []float32) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	w.AddTensor(name, GGMLTypeF32, dims, buf)
}

func (w *Writer) AddF16(name string, dims []uint64, values []float32) {
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[i*2:], Float32ToFloat16(v))
	}
	w.AddTensor(name, GGMLTypeF16, dims, buf)
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(out)}
	e := &encoder{w: cw}

	e.u32(GGUFMagic)
	e.u32(GGUFVersion)
	e.u64(uint64(len(w.tensors)))
	e.u64(uint64(len(w.kv)))

	for _, p := range w.kv {
		e.str(p.key)
		e.value(p.val)
	}

	offsets := make([]uint64, len(w.tensors))
	var off uint64
	for i, t := range w.tensors {
		offsets[i] = off
		off += alignUp(uint64(len(t.data)), DefaultAlignment)
	}

	for i, t := range w.tensors {
		e.str(t.name)
		e.u32(uint32(len(t.dims)))
		for _, d := range t.dims {
			e.u64(d)
		}
		e.u32(uint32(t.typ))
		e.u64(offsets[i])
	}

	e.pad(DefaultAlignment)
	for _, t := range w.tensors {
		e.raw(t.data)
		e.pad(DefaultAlignment)
	}

	if e.err != nil {
		return cw.n, e.err
	}
	if err := cw.w.(*bufio.Writer).Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func alignUp(n, a uint64) uint64 {
	if rem := n % a; rem != 0 {
		return n + a - rem
	}
	return n
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type encoder struct {
	w   *countingWriter
	err error
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) put(v interface{}) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

func (e *encoder) u32(v uint32) { e.put(v) }
func (e *encoder) u64(v uint64) { e.put(v) }

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.raw([]byte(s))
}

func (e *encoder) pad(a uint64) {
	if rem := uint64(e.w.n) % a; rem != 0 {
		e.raw(make([]byte, a-rem))
	}
}

func (e *encoder) value(v interface{}) {
	switch x := v.(type) {
	case uint8:
		e.u32(uint32(GGUFMetadataValueTypeUint8))
		e.put(x)
	case int8:
		e.u32(uint32(GGUFMetadataValueTypeInt8))
		e.put(x)
	case uint16:
		e.u32(uint32(GGUFMetadataValueTypeUint16))
		e.put(x)
	case int16:
		e.u32(uint32(GGUFMetadataValueTypeInt16))
		e.put(x)
	case uint32:
		e.u32(uint32(GGUFMetadataValueTypeUint32))
		e.put(x)
	case int32:
		e.u32(uint32(GGUFMetadataValueTypeInt32))
		e.put(x)
	case uint64:
		e.u32(uint32(GGUFMetadataValueTypeUint64))
		e.put(x)
	case int64:
		e.u32(uint32(GGUFMetadataValueTypeInt64))
		e.put(x)
	case float32:
		e.u32(uint32(GGUFMetadataValueTypeFloat32))
		e.put(x)
	case float64:
		e.u32(uint32(GGUFMetadataValueTypeFloat64))
		e.put(x)
	case bool:
		e.u32(uint32(GGUFMetadataValueTypeBool))
		var b uint8
		if x {
			b = 1
		}
		e.put(b)
	case string:
		e.u32(uint32(GGUFMetadataValueTypeString))
		e.str(x)
	case []string:
		e.u32(uint32(GGUFMetadataValueTypeArray))
		e.u32(uint32(GGUFMetadataValueTypeString))
		e.u64(uint64(len(x)))
		for _, s := range x {
			e.str(s)
		}
	case []float32:
		e.u32(uint32(GGUFMetadataValueTypeArray))
		e.u32(uint32(GGUFMetadataValueTypeFloat32))
		e.u64(uint64(len(x)))
		e.put(x)
	case []int32:
		e.u32(uint32(GGUFMetadataValueTypeArray))
		e.u32(uint32(GGUFMetadataValueTypeInt32))
		e.u64(uint64(len(x)))
		e.put(x)
	case []uint32:
		e.u32(uint32(GGUFMetadataValueTypeArray))
		e.u32(uint32(GGUFMetadataValueTypeUint32))
		e.u64(uint64(len(x)))
		e.put(x)
	default:
		if e.err == nil {
			e.err = fmt.Errorf("unsupported metadata value %T", v)
		}
	}
}
