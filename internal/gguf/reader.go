package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/23skdu/quarrel-resena/internal/logger"
)

// maxArrayLen guards against corrupt length prefixes allocating the world.
const maxArrayLen = 1 << 28

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()
	if size < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	file.Path = path
	file.mapped = true

	logger.Log.Debug("GGUF loaded",
		"path", path,
		"version", file.Header.Version,
		"tensors", file.Header.TensorCount,
		"kv", file.Header.KVCount,
		"data_offset", file.DataOffset)

	return file, nil
}

// Parse decodes a GGUF image already held in memory. Tensor data slices
// alias data.
func Parse(data []byte) (*GGUFFile, error) {
	file := &GGUFFile{
		Data:   data,
		KV:     make(map[string]interface{}),
		byName: make(map[string]*TensorInfo),
	}
	r := &cursor{data: data}

	file.Header.Magic = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = r.u32()
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = r.u64()
	file.Header.KVCount = r.u64()
	if r.err != nil {
		return nil, r.err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key := r.str()
		typ := GGUFMetadataValueType(r.u32())
		val := r.value(typ)
		if r.err != nil {
			return nil, fmt.Errorf("metadata entry %d: %w", i, r.err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name := r.str()
		nDims := r.u32()
		if r.err == nil && nDims > 4 {
			return nil, fmt.Errorf("tensor %s: %d dimensions", name, nDims)
		}
		dims := make([]uint64, nDims)
		for j := range dims {
			dims[j] = r.u64()
		}
		typ := GGMLType(r.u32())
		off := r.u64()
		if r.err != nil {
			return nil, fmt.Errorf("tensor info %d: %w", i, r.err)
		}
		for _, d := range dims {
			if d == 0 {
				return nil, fmt.Errorf("tensor %s: zero dimension in %v", name, dims)
			}
		}
		t := &TensorInfo{Name: name, Dimensions: dims, Type: typ, Offset: off}
		file.Tensors = append(file.Tensors, t)
		file.byName[name] = t
	}

	alignment := uint64(DefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	offset := r.off
	if rem := offset % alignment; rem != 0 {
		offset += alignment - rem
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		size := t.SizeBytes()
		start := offset + t.Offset
		if size == 0 {
			// Unknown layout: keep the tail so inspectors can still report it.
			if start > uint64(len(data)) {
				return nil, fmt.Errorf("tensor %s: offset out of bounds", t.Name)
			}
			t.Data = data[start:]
			continue
		}
		if start+size > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d:%d] exceeds file size %d", t.Name, start, start+size, len(data))
		}
		t.Data = data[start : start+size]
	}

	return file, nil
}

// Tensor looks up a tensor by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

func (f *GGUFFile) Close() error {
	if !f.mapped || f.Data == nil {
		return nil
	}
	data := f.Data
	f.Data = nil
	for _, t := range f.Tensors {
		t.Data = nil
	}
	return unix.Munmap(data)
}

// SortedTensors returns the tensors ordered by data offset.
func (f *GGUFFile) SortedTensors() []*TensorInfo {
	sorted := make([]*TensorInfo, len(f.Tensors))
	copy(sorted, f.Tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})
	return sorted
}

type cursor struct {
	data []byte
	off  uint64
	err  error
}

func (c *cursor) need(n uint64) bool {
	if c.err != nil {
		return false
	}
	if c.off+n > uint64(len(c.data)) || c.off+n < c.off {
		c.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.data[c.off]
	c.off++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v
}

func (c *cursor) str() string {
	n := c.u64()
	if !c.need(n) {
		return ""
	}
	s := string(c.data[c.off : c.off+n])
	c.off += n
	return s
}

func (c *cursor) value(typ GGUFMetadataValueType) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return c.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(c.u8())
	case GGUFMetadataValueTypeUint16:
		return c.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(c.u16())
	case GGUFMetadataValueTypeUint32:
		return c.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(c.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(c.u32())
	case GGUFMetadataValueTypeBool:
		return c.u8() != 0
	case GGUFMetadataValueTypeString:
		return c.str()
	case GGUFMetadataValueTypeArray:
		elemType := GGUFMetadataValueType(c.u32())
		n := c.u64()
		if c.err != nil {
			return nil
		}
		if n > maxArrayLen {
			c.err = fmt.Errorf("array length %d too large", n)
			return nil
		}
		// every element takes at least one byte
		if n > uint64(len(c.data))-c.off {
			c.err = fmt.Errorf("array length %d exceeds the %d bytes left: %w", n, uint64(len(c.data))-c.off, io.ErrUnexpectedEOF)
			return nil
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v := c.value(elemType)
			if c.err != nil {
				return nil
			}
			arr = append(arr, v)
		}
		return arr
	case GGUFMetadataValueTypeUint64:
		return c.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(c.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(c.u64())
	default:
		if c.err == nil {
			c.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}
