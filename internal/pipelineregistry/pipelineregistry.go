// Package pipelineregistry resolves pipeline slugs (the seed "pipeline"
// field) to their Definition, loading pipeline.json files from a
// directory of hand-authored pipeline definitions (spec.md §3 "pipeline",
// §6 "Environment variables" PIPELINE_DIR). Definitions are read lazily:
// each is validated on its first Load and cached once valid. The directory
// is not scanned at startup, so a malformed definition is not cached and
// fails on every seed that references it.
package pipelineregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pipeforge/pipeforge/internal/pipelinedef"
)

// Registry loads and caches pipeline definitions from a directory of
// "{slug}.json" files.
type Registry struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*pipelinedef.Definition
}

// New constructs a Registry rooted at dir. The directory is not scanned
// until the first Load/HasPipeline call.
func New(dir string) *Registry {
	return &Registry{dir: dir, cache: make(map[string]*pipelinedef.Definition)}
}

// Load resolves slug to its Definition, reading and validating it from
// disk on first use and serving the cached copy thereafter.
func (r *Registry) Load(slug string) (*pipelinedef.Definition, error) {
	r.mu.RLock()
	if d, ok := r.cache[slug]; ok {
		r.mu.RUnlock()
		return d, nil
	}
	r.mu.RUnlock()

	path := filepath.Join(r.dir, slug+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelineregistry: loading %q: %w", slug, err)
	}
	d, err := pipelinedef.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipelineregistry: %q: %w", slug, err)
	}

	r.mu.Lock()
	r.cache[slug] = d
	r.mu.Unlock()
	return d, nil
}

// HasPipeline reports whether slug resolves to a loadable definition,
// without surfacing the error (used by seed validation, spec.md §3).
func (r *Registry) HasPipeline(slug string) bool {
	_, err := r.Load(slug)
	return err == nil
}
