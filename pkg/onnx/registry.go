package onnx

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"style-transfer-serve/pkg/stylize"
)

// opsetSuffix matches the "-9" in model-zoo names such as candy-9.onnx.
var opsetSuffix = regexp.MustCompile(`-\d+$`)

// Model is a registered style model.
type Model struct {
	ID   string
	Path string
}

// Registry maps style ids to ONNX model files. It is the closed set of
// styles a Runner will accept.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

// Register adds or replaces the model for id.
func (r *Registry) Register(id, path string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("empty style id for model %s", path)
	}
	if path == "" {
		return fmt.Errorf("empty model path for style %q", id)
	}

	r.mu.Lock()
	r.models[id] = Model{ID: id, Path: path}
	r.mu.Unlock()
	return nil
}

// LoadDir registers every *.onnx file in dir. The style id is the file name
// without extension and without a trailing opset suffix, so "candy-9.onnx"
// registers as "candy". It returns the number of models registered.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read model directory: %w", err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".onnx") {
			continue
		}
		if err := r.Register(StyleID(e.Name()), filepath.Join(dir, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// StyleID derives a style id from a model file name.
func StyleID(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if id := opsetSuffix.ReplaceAllString(base, ""); id != "" {
		return id
	}
	return base
}

// Lookup returns the model registered for id. Unknown ids yield an error
// wrapping stylize.ErrUnknownStyle.
func (r *Registry) Lookup(id string) (Model, error) {
	r.mu.RLock()
	m, ok := r.models[id]
	r.mu.RUnlock()
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", stylize.ErrUnknownStyle, id)
	}
	return m, nil
}

// IDs returns the registered style ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := lo.Keys(r.models)
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of registered styles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
