// Package cache implements the validation-stamp compilation cache that
// lets a component's compiled Wasm artifact survive a host restart
// without being recompiled when its source bytes are unchanged.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"
)

// Stamp is the cheap fingerprint recorded alongside a compiled artifact.
// Two stamps compare equal exactly when the source bytes they describe
// are presumed identical (P2).
type Stamp struct {
	FileSize    int64  `json:"file_size"`
	ModTimeUnix int64  `json:"mtime_unix"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Equal reports whether two stamps describe the same source bytes.
func (s Stamp) Equal(other Stamp) bool {
	return s == other
}

// Cache owns the on-disk compiled-artifact directory for one host
// instance. A single wazero.CompilationCache backs every component;
// wazero content-addresses entries internally by the hash of the wasm
// bytes, so compiling unchanged bytes again rehydrates the cached
// artifact. The Stamp sidecar records each component's validation
// stamp; this layer writes it but does not consult it before compiling.
type Cache struct {
	dir      string
	wazero   wazero.CompilationCache
	inflight singleflight.Group
}

// New creates a Cache rooted at dir (the plugin directory), opening
// (and creating if needed) the wazero cache directory dir/.wazero-cache.
// Stamp files are written under dir on first compile.
func New(dir string) (*Cache, error) {
	wc, err := wazero.NewCompilationCacheWithDir(filepath.Join(dir, ".wazero-cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to open wazero compilation cache: %w", err)
	}
	return &Cache{dir: dir, wazero: wc}, nil
}

// CompilationCache returns the underlying wazero.CompilationCache, for
// wiring into a wazero.RuntimeConfig by the Runtime Context.
func (c *Cache) CompilationCache() wazero.CompilationCache {
	return c.wazero
}

func (c *Cache) stampPath(componentID string) string {
	return filepath.Join(c.dir, componentID+".compiled.stamp")
}

// LoadStamp returns the previously recorded stamp for componentID, or
// the zero Stamp if none is on disk yet.
func (c *Cache) LoadStamp(componentID string) (Stamp, bool) {
	data, err := os.ReadFile(c.stampPath(componentID))
	if err != nil {
		return Stamp{}, false
	}
	var s Stamp
	if err := json.Unmarshal(data, &s); err != nil {
		return Stamp{}, false
	}
	return s, true
}

// GetOrCompile compiles wasmBytes for componentID using rt and records
// stamp as the component's validation stamp. The previously recorded
// stamp is not compared: whether the compile is real work or a
// rehydration is decided inside wazero's compilation cache, by the
// content hash of wasmBytes. Two concurrent calls for the same
// componentID are coalesced into a single compile (tie-break,
// spec.md §4.2).
func (c *Cache) GetOrCompile(ctx context.Context, rt wazero.Runtime, componentID string, wasmBytes []byte, stamp Stamp) (wazero.CompiledModule, error) {
	v, err, _ := c.inflight.Do(componentID, func() (any, error) {
		cm, err := rt.CompileModule(ctx, wasmBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to compile component %q: %w", componentID, err)
		}

		if err := c.writeStamp(componentID, stamp); err != nil {
			_ = cm.Close(ctx)
			return nil, err
		}

		return cm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(wazero.CompiledModule), nil
}

func (c *Cache) writeStamp(componentID string, stamp Stamp) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plugin directory %s: %w", c.dir, err)
	}

	data, err := json.Marshal(stamp)
	if err != nil {
		return fmt.Errorf("failed to marshal validation stamp: %w", err)
	}

	final := c.stampPath(componentID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write stamp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to rename stamp file to %s: %w", final, err)
	}
	return nil
}

// Unload removes the on-disk artifacts associated with componentID:
// the cached source bytes, and the validation stamp. The wazero
// compilation cache itself is content-addressed and process/dir-wide;
// entries for an unloaded component simply become unreferenced and are
// left for wazero's own eviction rather than punched out individually
// (there is no public API to remove a single entry by source hash).
func (c *Cache) Unload(componentID string) error {
	wasmPath := filepath.Join(c.dir, componentID+".wasm")
	stampPath := c.stampPath(componentID)

	var errs []error
	for _, p := range []string{wasmPath, stampPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the underlying wazero compilation cache.
func (c *Cache) Close(ctx context.Context) error {
	return c.wazero.Close(ctx)
}
