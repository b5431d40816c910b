package engine

import "testing"

func TestKVCache_Lifecycle(t *testing.T) {
	cache, err := NewKVCache(2, 32, 4)
	if err != nil {
		t.Fatalf("NewKVCache failed: %v", err)
	}
	if cache.Size() != 32 {
		t.Errorf("Expected size 32, got %d", cache.Size())
	}

	cache.Store(1, 5, []float32{1, 2, 3, 4}, []float32{5, 6, 7, 8})
	if k := cache.Key(1, 5); k[0] != 1 || k[3] != 4 {
		t.Errorf("Key = %v", k)
	}
	if v := cache.Value(1, 5); v[0] != 5 || v[3] != 8 {
		t.Errorf("Value = %v", v)
	}
	// neighbours and other layers untouched
	if k := cache.Key(1, 4); k[0] != 0 {
		t.Errorf("position 4 overwritten: %v", k)
	}
	if k := cache.Key(0, 5); k[0] != 0 {
		t.Errorf("layer 0 overwritten: %v", k)
	}
}

func TestKVCache_InvalidShape(t *testing.T) {
	for _, s := range [][3]int{{0, 1, 1}, {1, 0, 1}, {1, 1, 0}} {
		if _, err := NewKVCache(s[0], s[1], s[2]); err == nil {
			t.Errorf("NewKVCache%v should fail", s)
		}
	}
}
