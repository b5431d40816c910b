package engine

import (
	"errors"
	"math"
	"testing"
)

func TestSampler_Greedy(t *testing.T) {
	s := NewSampler(SamplerConfig{Greedy: true})

	// Tokens: 0, 1, 2, 3
	// Logits: 1.0, 5.0, 2.0, 0.5
	logits := []float32{1.0, 5.0, 2.0, 0.5}

	c, err := s.Sample(logits, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != 1 {
		t.Errorf("Greedy failed. Expected 1 (logit 5.0), got %d", c.Token)
	}
	if c.Candidates != 1 || c.Prob != 1 {
		t.Errorf("greedy choice should be certain, got %+v", c)
	}
}

func TestSampler_GreedyAppliesPenalty(t *testing.T) {
	s := NewSampler(SamplerConfig{Greedy: true, RepPenalty: 2})
	// 5/2 < 3, so the repeated token loses
	logits := []float32{3.0, 5.0}
	c, _ := s.Sample(logits, []int{1})
	if c.Token != 0 {
		t.Errorf("expected penalised token to lose, got %d", c.Token)
	}
}

func TestSampler_TopK(t *testing.T) {
	// K=1 should be identical to Greedy
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 1, Seed: 3})

	logits := []float32{2.0, 10.0, 5.0, 1.0}

	c, err := s.Sample(logits, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != 1 {
		t.Errorf("TopK=1 failed. Expected 1, got %d", c.Token)
	}
	if c.Candidates != 1 || math.Abs(c.Prob-1) > 1e-12 {
		t.Errorf("single candidate should carry all mass, got %+v", c)
	}
}

func TestSampler_TopK_Filtering(t *testing.T) {
	// K=2. Top 2 are ID 1 (10.0) and ID 2 (5.0).
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 2, Seed: 7})

	for i := 0; i < 100; i++ {
		logits := []float32{2.0, 10.0, 5.0, 1.0}
		c, _ := s.Sample(logits, nil)
		if c.Token == 0 || c.Token == 3 {
			t.Fatalf("TopK=2 failed. Got excluded token %d", c.Token)
		}
	}
}

func TestSampler_TopP(t *testing.T) {
	// probabilities ~0.4, 0.3, 0.2, 0.1: P=0.5 needs the first two
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopP: 0.5, Seed: 11})
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		logits := []float32{-0.91, -1.20, -1.61, -2.30}
		c, _ := s.Sample(logits, nil)
		if c.Token == 2 || c.Token == 3 {
			t.Fatalf("TopP=0.5 failed. Got excluded token %d", c.Token)
		}
		if c.Candidates != 2 {
			t.Fatalf("expected 2 candidates, got %d", c.Candidates)
		}
		seen[c.Token] = true
	}
	if !seen[0] || !seen[1] {
		t.Errorf("both nucleus tokens should be drawn, saw %v", seen)
	}
}

func TestSampler_TemperatureBeforeTopP(t *testing.T) {
	tests := []struct {
		temp float64
		want int
	}{
		{0.1, 1},  // {20, 10, 0}: the top token alone passes 0.9
		{1.0, 2},  // ~0.67, 0.24, 0.09
		{10.0, 3}, // ~0.37, 0.33, 0.30
	}
	for _, tt := range tests {
		s := NewSampler(SamplerConfig{Temperature: tt.temp, TopP: 0.9, Seed: 5})
		c, err := s.Sample([]float32{2, 1, 0}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if c.Candidates != tt.want {
			t.Errorf("T=%v: %d candidates, want %d", tt.temp, c.Candidates, tt.want)
		}
	}
}

func TestSampler_TemperatureScalesProbabilities(t *testing.T) {
	// logits / 2 = {1, 0.5, 0}
	z := math.Exp(1) + math.Exp(0.5) + 1
	want := []float64{math.Exp(1) / z, math.Exp(0.5) / z, 1 / z}

	s := NewSampler(SamplerConfig{Temperature: 2, Seed: 9})
	for i := 0; i < 20; i++ {
		c, err := s.Sample([]float32{2, 1, 0}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(c.Prob-want[c.Token]) > 1e-9 {
			t.Fatalf("token %d prob %v, want %v", c.Token, c.Prob, want[c.Token])
		}
	}
}

func TestSampler_TopPKeepsOneToken(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopP: 0.01, Seed: 1})
	logits := []float32{0, 0, 0, 0}
	c, _ := s.Sample(logits, nil)
	if c.Candidates != 1 {
		t.Errorf("top-p must keep at least one token, got %d", c.Candidates)
	}
}

func TestSampler_RepetitionPenalty(t *testing.T) {
	s := NewSampler(SamplerConfig{RepPenalty: 2})
	logits := []float32{2, -2, 1}
	s.applyRepetitionPenalty(logits, []int{0, 1, 0, 99})

	want := []float32{1, -4, 1}
	for i := range want {
		if logits[i] != want[i] {
			t.Errorf("logits[%d] = %v, want %v", i, logits[i], want[i])
		}
	}
}

func TestSampler_SeedReproducible(t *testing.T) {
	cfg := SamplerConfig{Temperature: 0.9, TopK: 50, TopP: 0.95, RepPenalty: 1.2, Seed: 42}
	draw := func() []int {
		s := NewSampler(cfg)
		var out []int
		for i := 0; i < 50; i++ {
			logits := []float32{0.1, 0.5, 0.3, 0.2, 0.4, 0.0}
			c, err := s.Sample(logits, out)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, c.Token)
		}
		return out
	}
	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("draw %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestSampler_NonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(-1))

	s := NewSampler(SamplerConfig{Temperature: 1, Seed: 5})
	for i := 0; i < 50; i++ {
		c, err := s.Sample([]float32{nan, 1, inf, nan}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if c.Token != 1 {
			t.Fatalf("only token 1 is finite, got %d", c.Token)
		}
	}

	_, err := s.Sample([]float32{nan, nan}, nil)
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}
	_, err = NewSampler(SamplerConfig{Greedy: true}).Sample([]float32{nan}, nil)
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("greedy: expected ErrNoCandidates, got %v", err)
	}
}

func TestArgMax(t *testing.T) {
	id, ok := argMax([]float32{float32(math.NaN()), -3, -1, -2})
	if !ok || id != 2 {
		t.Errorf("argMax = %d, %v", id, ok)
	}
	if _, ok := argMax(nil); ok {
		t.Error("argMax of empty slice should fail")
	}
}
