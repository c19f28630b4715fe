// Package secrets implements the two-tier secret store: an on-disk YAML
// tier per component, and an in-memory tier for values injected at
// runtime over the IPC control plane. Memory values shadow file values,
// which in turn shadow a component's process environment.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wassette-dev/wassette/internal/componentid"
)

// ErrNotFound is returned by the delete operations when there is
// nothing on record to delete.
var ErrNotFound = errors.New("secrets: not found")

// Value wraps a secret so its backing bytes can be zeroized once it
// leaves the memory tier. After Close, Expose returns an empty string.
type Value struct {
	mu  sync.Mutex
	buf []byte
}

// NewValue copies s into a Value.
func NewValue(s string) *Value {
	return &Value{buf: []byte(s)}
}

// Expose returns the current secret as a string. Calling Expose after
// Close returns an empty string.
func (v *Value) Expose() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return string(v.buf)
}

// Close zeroizes the backing buffer.
func (v *Value) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.buf {
		v.buf[i] = 0
	}
	v.buf = nil
}

type fileCacheEntry struct {
	env     map[string]string
	lastMod time.Time
}

// Manager owns the secrets directory and the in-memory override tier
// for every component known to this host.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	cache     map[string]fileCacheEntry
	memory    map[string]map[string]*Value
}

// New creates a Manager rooted at dir. The directory itself is not
// created until the first write (EnsureDir).
func New(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]fileCacheEntry),
		memory: make(map[string]map[string]*Value),
	}
}

// Dir returns the secrets root directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) path(componentID string) string {
	return filepath.Join(m.dir, componentid.Sanitize(componentID)+".yaml")
}

// EnsureDir creates the secrets directory with mode 0700 if it does
// not already exist, and (re-)applies 0700 if it does.
func (m *Manager) EnsureDir() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secrets directory %s: %w", m.dir, err)
	}
	if err := os.Chmod(m.dir, 0o700); err != nil {
		return fmt.Errorf("failed to set permissions on secrets directory %s: %w", m.dir, err)
	}
	return nil
}

// loadFile returns the on-disk secrets for componentID, serving the
// cached copy when the file's mtime has not changed since it was
// cached.
func (m *Manager) loadFile(componentID string) (map[string]string, error) {
	path := m.path(componentID)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file %s: %w", path, err)
	}
	mtime := info.ModTime()

	m.mu.RLock()
	if entry, ok := m.cache[componentID]; ok && entry.lastMod.Equal(mtime) {
		m.mu.RUnlock()
		m.logger.Debug("using cached secrets", "component_id", componentID)
		return cloneMap(entry.env), nil
	}
	m.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}

	env := make(map[string]string)
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file %s: %w", path, err)
	}

	m.mu.Lock()
	m.cache[componentID] = fileCacheEntry{env: cloneMap(env), lastMod: mtime}
	m.mu.Unlock()

	return env, nil
}

func (m *Manager) invalidate(componentID string) {
	m.mu.Lock()
	delete(m.cache, componentID)
	m.mu.Unlock()
}

// List returns the union of file and memory secrets for componentID.
// Memory values win on key collision. When includeValues is false the
// map values are all nil.
func (m *Manager) List(componentID string, includeValues bool) (map[string]*string, error) {
	merged, err := m.AllValues(componentID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*string, len(merged))
	for k, v := range merged {
		if includeValues {
			v := v
			out[k] = &v
		} else {
			out[k] = nil
		}
	}
	return out, nil
}

// AllValues returns the merged (file, then memory-overridden) secret
// map for componentID. This is what the policy engine consumes to
// build a component's environment view.
func (m *Manager) AllValues(componentID string) (map[string]string, error) {
	fileEnv, err := m.loadFile(componentID)
	if err != nil {
		return nil, err
	}

	merged := cloneMap(fileEnv)

	m.mu.RLock()
	for k, v := range m.memory[componentID] {
		merged[k] = v.Expose()
	}
	m.mu.RUnlock()

	return merged, nil
}

// SetFile merges pairs into componentID's on-disk secrets, writing the
// result atomically and invalidating the cache.
func (m *Manager) SetFile(componentID string, pairs map[string]string) error {
	if err := m.EnsureDir(); err != nil {
		return err
	}

	path := m.path(componentID)
	existing := make(map[string]string)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("failed to parse existing secrets file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read existing secrets file %s: %w", path, err)
	}

	for k, v := range pairs {
		existing[k] = v
	}

	if err := m.writeFile(path, existing); err != nil {
		return err
	}

	m.invalidate(componentID)
	m.logger.Info("updated secrets", "component_id", componentID, "count", len(pairs))
	return nil
}

// DeleteFile removes keys from componentID's on-disk secrets. It fails
// with ErrNotFound if the file does not exist. Unknown keys are logged
// as warnings but do not fail the call. The file is removed entirely
// once it would otherwise be empty.
func (m *Manager) DeleteFile(componentID string, keys []string) error {
	path := m.path(componentID)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no secrets file for component %q: %w", componentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}

	existing := make(map[string]string)
	if err := yaml.Unmarshal(data, &existing); err != nil {
		return fmt.Errorf("failed to parse secrets file %s: %w", path, err)
	}

	for _, k := range keys {
		if _, ok := existing[k]; !ok {
			m.logger.Warn("secret key not found", "component_id", componentID, "key", k)
			continue
		}
		delete(existing, k)
	}

	if len(existing) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove empty secrets file %s: %w", path, err)
		}
		m.logger.Info("removed empty secrets file", "component_id", componentID)
	} else if err := m.writeFile(path, existing); err != nil {
		return err
	}

	m.invalidate(componentID)
	return nil
}

func (m *Manager) writeFile(path string, secrets map[string]string) error {
	data, err := yaml.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary secrets file %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// InjectMemory stores key/value in the in-memory tier for componentID.
// It shadows, but does not modify, any file-tier value of the same
// key.
func (m *Manager) InjectMemory(componentID, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.memory[componentID] == nil {
		m.memory[componentID] = make(map[string]*Value)
	}
	if old, ok := m.memory[componentID][key]; ok {
		old.Close()
	}
	m.memory[componentID][key] = NewValue(value)
	m.logger.Info("injected memory secret", "component_id", componentID, "key", key)
}

// DeleteMemory removes key from componentID's memory tier, zeroizing
// it. It returns ErrNotFound if there was nothing to remove.
func (m *Manager) DeleteMemory(componentID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	secrets, ok := m.memory[componentID]
	if !ok {
		return fmt.Errorf("no memory secrets for component %q: %w", componentID, ErrNotFound)
	}
	v, ok := secrets[key]
	if !ok {
		return fmt.Errorf("memory secret %q not found for component %q: %w", key, componentID, ErrNotFound)
	}
	v.Close()
	delete(secrets, key)
	m.logger.Info("removed memory secret", "component_id", componentID, "key", key)
	return nil
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
