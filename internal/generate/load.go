package generate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/23skdu/quarrel-resena/internal/engine"
	"github.com/23skdu/quarrel-resena/internal/logger"
	"github.com/23skdu/quarrel-resena/internal/metrics"
	"github.com/23skdu/quarrel-resena/internal/ollama"
	"github.com/23skdu/quarrel-resena/internal/tokenizer"
)

// ResolveCheckpoint maps a user supplied location to a GGUF file. path may
// be a .gguf file, a directory holding one, or an Ollama model name.
func ResolveCheckpoint(path string) (string, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		matches, err := filepath.Glob(filepath.Join(path, "*.gguf"))
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrModelLoad, err)
		}
		if len(matches) == 0 {
			return "", fmt.Errorf("%w: no .gguf checkpoint in %s", ErrModelLoad, path)
		}
		sort.Strings(matches)
		if len(matches) > 1 {
			logger.Log.Warn("Several checkpoints found, using the first", "dir", path, "using", matches[0], "count", len(matches))
		}
		return matches[0], nil
	case err == nil:
		return path, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	// Anything that looks like a filesystem path stops here.
	if strings.HasPrefix(path, ".") || filepath.IsAbs(path) || strings.HasSuffix(path, ".gguf") || strings.Count(path, "/") > 1 {
		return "", fmt.Errorf("%w: %s does not exist", ErrModelLoad, path)
	}
	r, err := ollama.NewResolver()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	blob, err := r.Resolve(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s is neither a file nor a known model: %w", ErrModelLoad, path, err)
	}
	logger.Log.Debug("Resolved Ollama model", "name", path, "blob", blob)
	return blob, nil
}

// LoadTokenizer reads the vocabulary embedded in a checkpoint.
func LoadTokenizer(path string) (*tokenizer.Tokenizer, error) {
	start := time.Now()
	tok, err := tokenizer.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizer from %s: %w", ErrModelLoad, path, err)
	}
	metrics.RecordLoad("tokenizer", time.Since(start))
	logger.Log.Debug("Tokenizer loaded", "model", tok.Model(), "vocab", tok.VocabSize())
	return tok, nil
}

// LoadModel expands the checkpoint's weights. threads <= 0 uses every CPU.
func LoadModel(path string, threads int) (*engine.Model, error) {
	m, err := engine.Open(path, threads)
	if err != nil {
		return nil, fmt.Errorf("%w: model from %s: %w", ErrModelLoad, path, err)
	}
	return m, nil
}

// FromEngine adapts an engine model to LanguageModel.
func FromEngine(m *engine.Model) LanguageModel {
	return engineModel{m}
}

type engineModel struct {
	m *engine.Model
}

func (e engineModel) ContextLength() int { return e.m.Config.SeqLen }

func (e engineModel) NewSession(maxLen int) (Stepper, error) {
	s, err := e.m.NewSession(maxLen)
	if err != nil {
		return nil, err
	}
	return s, nil
}
