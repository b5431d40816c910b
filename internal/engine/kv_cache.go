package engine

import "fmt"

// KVCache stores the key and value projections of every processed
// position, one contiguous buffer per layer.
type KVCache struct {
	layers int
	size   int
	kvDim  int

	k [][]float32
	v [][]float32
}

func NewKVCache(layers, size, kvDim int) (*KVCache, error) {
	if layers <= 0 || size <= 0 || kvDim <= 0 {
		return nil, fmt.Errorf("invalid kv cache shape: layers=%d size=%d kv_dim=%d", layers, size, kvDim)
	}
	c := &KVCache{
		layers: layers,
		size:   size,
		kvDim:  kvDim,
		k:      make([][]float32, layers),
		v:      make([][]float32, layers),
	}
	for l := 0; l < layers; l++ {
		c.k[l] = make([]float32, size*kvDim)
		c.v[l] = make([]float32, size*kvDim)
	}
	return c, nil
}

// Size is the number of positions the cache can hold.
func (c *KVCache) Size() int { return c.size }

func (c *KVCache) Store(layer, pos int, k, v []float32) {
	off := pos * c.kvDim
	copy(c.k[layer][off:off+c.kvDim], k)
	copy(c.v[layer][off:off+c.kvDim], v)
}

func (c *KVCache) Key(layer, pos int) []float32 {
	off := pos * c.kvDim
	return c.k[layer][off : off+c.kvDim]
}

func (c *KVCache) Value(layer, pos int) []float32 {
	off := pos * c.kvDim
	return c.v[layer][off : off+c.kvDim]
}
