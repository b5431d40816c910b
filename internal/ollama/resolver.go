package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTag       = "latest"
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

var ErrNotFound = errors.New("ollama model not found")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Dir returns the model store: $OLLAMA_MODELS, else ~/.ollama/models.
func Dir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Reference is a parsed model name.
type Reference struct {
	Namespace string
	Name      string
	Tag       string
}

// ParseReference accepts "name", "name:tag" and "namespace/name[:tag]".
func ParseReference(s string) (Reference, error) {
	ref := Reference{Namespace: DefaultNamespace, Tag: DefaultTag}
	name := s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		name, ref.Tag = s[:i], s[i+1:]
	}
	if ns, n, ok := strings.Cut(name, "/"); ok {
		ref.Namespace, name = ns, n
	}
	ref.Name = name
	if ref.Name == "" || ref.Tag == "" || ref.Namespace == "" || strings.Contains(ref.Name, "/") {
		return Reference{}, fmt.Errorf("invalid model name %q", s)
	}
	return ref, nil
}

func (r Reference) String() string {
	if r.Namespace == DefaultNamespace {
		return r.Name + ":" + r.Tag
	}
	return r.Namespace + "/" + r.Name + ":" + r.Tag
}

// Resolver finds GGUF blobs in a local model store.
type Resolver struct {
	BaseDir string
}

// NewResolver uses the store returned by Dir.
func NewResolver() (*Resolver, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return &Resolver{BaseDir: dir}, nil
}

// Resolve returns the path of the model layer blob for name.
func (r *Resolver) Resolve(name string) (string, error) {
	ref, err := ParseReference(name)
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(r.BaseDir, "manifests", DefaultRegistry, ref.Namespace, ref.Name, ref.Tag)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: no manifest for %s at %s", ErrNotFound, ref, manifestPath)
	}
	if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("manifest for %s has no model layer", ref)
	}

	// sha256:<hash> is stored as blobs/sha256-<hash>
	blobPath := filepath.Join(r.BaseDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("%w: blob %s for %s", ErrNotFound, blobPath, ref)
	}
	return blobPath, nil
}
