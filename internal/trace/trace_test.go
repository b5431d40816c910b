package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/quarrel-resena/internal/generate"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.arrow")
	w, err := Create(path)
	require.NoError(t, err)
	w.batch = 4 // force several record batches

	var want []generate.Step
	for i := 0; i < 10; i++ {
		s := generate.Step{
			RequestID:  "req-1",
			Sequence:   i / 5,
			Position:   20 + i%5,
			Token:      100 + i,
			Piece:      fmt.Sprintf(" reseña%d", i),
			Prob:       1 / float64(i+1),
			Candidates: 50 - i,
		}
		want = append(want, s)
		w.Observe(s)
	}
	assert.Equal(t, 10, w.Rows())
	require.NoError(t, w.Close())

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEmptyTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.arrow")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := Read(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.arrow"))
	assert.Error(t, err)

	bogus := filepath.Join(t.TempDir(), "bogus.arrow")
	require.NoError(t, os.WriteFile(bogus, []byte("not arrow"), 0o644))
	_, err = Read(bogus)
	assert.Error(t, err)
}

func TestCreateInMissingDir(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "no", "such", "dir", "t.arrow"))
	assert.Error(t, err)
}
