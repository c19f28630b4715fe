// Package snapshot exports and imports the full set of loaded
// components as a single document, so a registry can be transferred
// between hosts or backed up and restored across a restart.
//
// Secrets are deliberately never included: a snapshot records what is
// loaded and how it is configured, not the values a component needs at
// call time. Those stay in the secrets store (file tier) or must be
// re-supplied over the IPC control plane (memory tier).
package snapshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wassette-dev/wassette/internal/lifecycle"
)

// formatVersion is the schema version stamped on every snapshot this
// package produces; Import refuses anything else.
const formatVersion = 1

// ErrUnsupportedVersion is returned by Import when a snapshot's
// version does not match formatVersion.
var ErrUnsupportedVersion = errors.New("snapshot: unsupported version")

// ErrDuplicateComponent is returned by Import when a snapshot lists the
// same component id twice.
var ErrDuplicateComponent = errors.New("snapshot: duplicate component id")

// Snapshot is the top-level exported document (§6 `state/*.json|*.yaml`).
type Snapshot struct {
	Version    int                 `json:"version" yaml:"version"`
	CreatedAt  int64               `json:"created_at" yaml:"created_at"`
	Components []ComponentSnapshot `json:"components" yaml:"components"`
}

// ComponentSnapshot captures one loaded component: where it came from,
// what it exposes, its attached policy, and (optionally) the artifact
// bytes themselves.
type ComponentSnapshot struct {
	ComponentID string   `json:"component_id" yaml:"component_id"`
	SourceURI   string   `json:"source_uri" yaml:"source_uri"`
	Metadata    Metadata `json:"metadata" yaml:"metadata"`
	// Policy is omitted entirely when the component has none attached.
	Policy *PolicyState `json:"policy,omitempty" yaml:"policy,omitempty"`
	// BinaryData is the base64-encoded component artifact, present only
	// when ExportOptions.IncludeBinaries was set.
	BinaryData string `json:"binary_data,omitempty" yaml:"binary_data,omitempty"`
}

// Metadata mirrors the observable facts of a lifecycle.RecordInfo.
type Metadata struct {
	ToolNames   []string `json:"tool_names" yaml:"tool_names"`
	Stateful    bool     `json:"stateful" yaml:"stateful"`
	FileSize    int64    `json:"file_size" yaml:"file_size"`
	ModTimeUnix int64    `json:"mod_time_unix" yaml:"mod_time_unix"`
}

// PolicyState is the exported shape of an attached policy.
type PolicyState struct {
	Content   string `json:"content" yaml:"content"`
	SourceURI string `json:"source_uri" yaml:"source_uri"`
}

// ExportOptions narrows what Export collects.
type ExportOptions struct {
	// ComponentFilter, if non-nil, restricts the export to these ids.
	ComponentFilter []string
	// IncludeBinaries embeds each component's artifact bytes as base64.
	// Off by default since it multiplies the snapshot's size by however
	// many components are loaded.
	IncludeBinaries bool
	// Now stamps CreatedAt. Export never reads the clock itself, so
	// callers (tests included) choose the value explicitly.
	Now int64
}

// Export builds a Snapshot of every component currently loaded in lc
// (or the filtered subset), reading cached artifact bytes from
// pluginDir when IncludeBinaries is set.
func Export(lc *lifecycle.Manager, pluginDir string, opts ExportOptions) (*Snapshot, error) {
	var filter map[string]struct{}
	if opts.ComponentFilter != nil {
		filter = make(map[string]struct{}, len(opts.ComponentFilter))
		for _, id := range opts.ComponentFilter {
			filter[id] = struct{}{}
		}
	}

	snap := &Snapshot{Version: formatVersion, CreatedAt: opts.Now}

	for _, id := range lc.List() {
		if filter != nil {
			if _, ok := filter[id]; !ok {
				continue
			}
		}

		info, err := lc.Describe(id)
		if err != nil {
			return nil, fmt.Errorf("failed to describe component %q: %w", id, err)
		}

		entry := ComponentSnapshot{
			ComponentID: info.ComponentID,
			SourceURI:   info.SourceURI,
			Metadata: Metadata{
				ToolNames:   info.ToolNames,
				Stateful:    info.Stateful,
				FileSize:    info.Stamp.FileSize,
				ModTimeUnix: info.Stamp.ModTimeUnix,
			},
		}

		if info.Policy != nil {
			policyInfo, err := lc.GetPolicyInfo(id)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy for component %q: %w", id, err)
			}
			if policyInfo.Content != "" {
				entry.Policy = &PolicyState{Content: policyInfo.Content, SourceURI: policyInfo.SourceURI}
			}
		}

		if opts.IncludeBinaries {
			data, err := os.ReadFile(filepath.Join(pluginDir, id+".wasm"))
			if err != nil {
				return nil, fmt.Errorf("failed to read artifact for component %q: %w", id, err)
			}
			entry.BinaryData = base64.StdEncoding.EncodeToString(data)
		}

		snap.Components = append(snap.Components, entry)
	}

	return snap, nil
}

// ImportOptions controls how Import reconciles a snapshot against the
// live registry.
type ImportOptions struct {
	// SkipExisting leaves already-loaded components untouched instead
	// of reloading (and thereby replacing) them.
	SkipExisting bool
}

// Import loads every component in snap into lc. When a component entry
// carries BinaryData, Import loads from those bytes directly (staged
// through a temporary file under pluginDir) rather than re-fetching
// from SourceURI, so a snapshot taken with IncludeBinaries is
// self-contained.
func Import(ctx context.Context, lc *lifecycle.Manager, pluginDir string, snap *Snapshot, opts ImportOptions) error {
	if err := Validate(snap); err != nil {
		return err
	}

	var errs []error
	for _, entry := range snap.Components {
		if opts.SkipExisting && containsID(lc.List(), entry.ComponentID) {
			continue
		}
		if err := importComponent(ctx, lc, pluginDir, entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.ComponentID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to import %d component(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func importComponent(ctx context.Context, lc *lifecycle.Manager, pluginDir string, entry ComponentSnapshot) error {
	uri := entry.SourceURI

	if entry.BinaryData != "" {
		data, err := base64.StdEncoding.DecodeString(entry.BinaryData)
		if err != nil {
			return fmt.Errorf("failed to decode embedded artifact: %w", err)
		}
		// Stage under the component id itself, inside a throwaway
		// directory, so Load derives the same id from the file name.
		stageDir, err := os.MkdirTemp(pluginDir, "import-")
		if err != nil {
			return fmt.Errorf("failed to stage embedded artifact: %w", err)
		}
		defer func() { _ = os.RemoveAll(stageDir) }()
		tempPath := filepath.Join(stageDir, entry.ComponentID)
		if err := os.WriteFile(tempPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to stage embedded artifact: %w", err)
		}
		uri = "file://" + tempPath
	}

	result, err := lc.LoadWithOptions(ctx, uri, lifecycle.LoadOptions{
		Stateful:   entry.Metadata.Stateful,
		ToolFilter: entry.Metadata.ToolNames,
	})
	if err != nil {
		return fmt.Errorf("failed to load: %w", err)
	}

	if entry.Policy != nil && entry.Policy.Content != "" {
		policyPath := filepath.Join(pluginDir, result.ComponentID+".policy.yaml")
		if err := os.WriteFile(policyPath, []byte(entry.Policy.Content), 0o644); err != nil {
			return fmt.Errorf("failed to stage imported policy: %w", err)
		}
		if err := lc.AttachPolicy(result.ComponentID, policyPath); err != nil {
			return fmt.Errorf("failed to attach imported policy: %w", err)
		}
	}

	return nil
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// Validate checks snapshot-level invariants: a known version and no
// duplicate component ids.
func Validate(snap *Snapshot) error {
	if snap.Version != formatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	seen := make(map[string]struct{}, len(snap.Components))
	for _, c := range snap.Components {
		if _, ok := seen[c.ComponentID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateComponent, c.ComponentID)
		}
		seen[c.ComponentID] = struct{}{}
	}
	return nil
}

// Marshal serializes snap as JSON, or as YAML when path ends in
// ".yaml"/".yml" (compared case-insensitively).
func Marshal(snap *Snapshot, path string) ([]byte, error) {
	if isYAMLPath(path) {
		data, err := yaml.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot to YAML: %w", err)
		}
		return data, nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot to JSON: %w", err)
	}
	return data, nil
}

// Unmarshal parses data as YAML or JSON depending on path's extension.
func Unmarshal(data []byte, path string) (*Snapshot, error) {
	var snap Snapshot
	if isYAMLPath(path) {
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse YAML snapshot: %w", err)
		}
		return &snap, nil
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse JSON snapshot: %w", err)
	}
	return &snap, nil
}

// Save serializes snap and writes it atomically to path.
func Save(snap *Snapshot, path string) error {
	data, err := Marshal(snap, path)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary snapshot file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename temporary snapshot file to %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a snapshot from path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file %s: %w", path, err)
	}
	return Unmarshal(data, path)
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
