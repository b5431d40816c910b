package metrics

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordGeneration(t *testing.T) {
	before := testutil.ToFloat64(TokensGeneratedTotal)
	eosBefore := testutil.ToFloat64(SequencesTotal.WithLabelValues("eos"))

	RecordGeneration(5, "eos")
	RecordGeneration(3, "length")

	if got := testutil.ToFloat64(TokensGeneratedTotal) - before; got != 8 {
		t.Errorf("tokens delta = %v, want 8", got)
	}
	if got := testutil.ToFloat64(SequencesTotal.WithLabelValues("eos")) - eosBefore; got != 1 {
		t.Errorf("eos delta = %v, want 1", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("logits_test", 2, 0)
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("logits_test", "nan")); got != 2 {
		t.Errorf("nan count = %v", got)
	}
	// zero counts must not create series
	RecordNumericalInstability("logits_clean", 0, 0)
	if n := testutil.CollectAndCount(NumericalInstability); n != 1 {
		t.Errorf("series = %d, want 1", n)
	}
}

func TestCountNonFinite(t *testing.T) {
	v := []float32{1, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), 0}
	nans, infs := CountNonFinite(v)
	if nans != 1 || infs != 2 {
		t.Errorf("got nans=%d infs=%d", nans, infs)
	}
}

func TestRecordLoadAndForward(t *testing.T) {
	RecordLoad("model", 1500*time.Millisecond)
	if got := testutil.ToFloat64(ModelLoadDuration.WithLabelValues("model")); got != 1.5 {
		t.Errorf("load gauge = %v", got)
	}
	RecordForward(10 * time.Millisecond)
	RecordValidationError("generate", "temperature")
}

func TestWriteTextfile(t *testing.T) {
	RecordGeneration(1, "length")
	path := filepath.Join(t.TempDir(), "gen.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "generation_tokens_total") {
		t.Errorf("textfile missing counter:\n%s", data)
	}
}
