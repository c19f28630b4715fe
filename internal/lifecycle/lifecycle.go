// Package lifecycle implements the Lifecycle Manager: the registry
// that ties acquisition, compilation, policy, and secrets together
// into loaded components and dispatches tool calls against them.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wassette-dev/wassette/internal/acquire"
	"github.com/wassette-dev/wassette/internal/cache"
	"github.com/wassette-dev/wassette/internal/componentid"
	"github.com/wassette-dev/wassette/internal/policy"
	"github.com/wassette-dev/wassette/internal/profile"
	"github.com/wassette-dev/wassette/internal/runtimectx"
	"github.com/wassette-dev/wassette/internal/secrets"
)

// Error kinds returned by Manager operations (§7).
var (
	ErrComponentNotFound = errors.New("lifecycle: component not found")
	ErrToolNotFound      = errors.New("lifecycle: tool not found")
	ErrToolConflict      = errors.New("lifecycle: tool name already bound to a different component")
	ErrInterrupted       = errors.New("lifecycle: call interrupted by timeout or fuel exhaustion")
)

// GuestTrap reports an uncaught guest-side abort. It carries the
// underlying trace so callers (and IPC/tool-result encoders) can
// surface it without losing detail.
type GuestTrap struct {
	Trace string
}

func (e *GuestTrap) Error() string {
	return fmt.Sprintf("lifecycle: guest trap: %s", e.Trace)
}

// Status reports whether a Load created a new record or replaced an
// existing one in place.
type Status string

const (
	StatusNew      Status = "New"
	StatusReplaced Status = "Replaced"
)

// Tool describes one callable exported by a loaded component, derived
// at load time from its list-tools introspection export.
type Tool struct {
	Name               string          `json:"name"`
	InputSchema        json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema       json.RawMessage `json:"output_schema,omitempty"`
	FunctionIdentifier string          `json:"function_identifier,omitempty"`
}

// LoadOptions configures a Load beyond its source URI.
type LoadOptions struct {
	// Stateful marks the component as retaining its instance across
	// calls once the first invocation occurs.
	Stateful bool
	// ToolFilter, if non-nil, restricts the schema surfaced by Schema
	// and callable by Call to these tool names.
	ToolFilter []string
	// Credentials are used only for oci:// sources.
	Credentials *acquire.Credentials
}

// LoadResult is returned by Load and LoadWithOptions.
type LoadResult struct {
	ComponentID string
	Status      Status
	ToolNames   []string
}

// PolicyInfo is the observability view returned by GetPolicyInfo.
type PolicyInfo struct {
	LocalPath string
	SourceURI string
	Content   string
}

// RecordInfo is the read-only snapshot of one component record
// exposed to callers outside this package — the state export/import
// facility describes a loaded component this way rather than reaching
// into the registry directly.
type RecordInfo struct {
	ComponentID string
	SourceURI   string
	AcquiredAt  time.Time
	Stamp       cache.Stamp
	Stateful    bool
	ToolNames   []string
	Policy      *policy.RuleSet
}

// record is one entry in the registry. mu is the registry-entry lock:
// it guards policy/policyPath, the fields that can change after Load
// via AttachPolicy/Grant/Revoke/Reset, and is held only briefly (a
// metadata snapshot or update, never for the duration of a guest
// call). instanceMu is the separate "lock inside the entry" from
// spec.md §9: it guards retained exclusively, held for the full
// setup-and-execution of a stateful call, since the retained store
// cannot tolerate concurrent use. tools/toolFilter/stateful are set
// once when the record is constructed in Load and never mutated
// afterwards, so reading them needs neither lock.
type record struct {
	mu         sync.RWMutex
	instanceMu sync.Mutex

	componentID string
	sourceURI   string
	acquiredAt  time.Time
	stamp       cache.Stamp
	compiled    wazero.CompiledModule

	tools      []Tool
	toolFilter map[string]struct{}

	stateful bool
	policy   *policy.RuleSet

	policyPath string

	retained api.Module
}

func (r *record) hasTool(name string) bool {
	if r.toolFilter != nil {
		if _, ok := r.toolFilter[name]; !ok {
			return false
		}
	}
	for _, t := range r.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (r *record) toolNames() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		if r.toolFilter != nil {
			if _, ok := r.toolFilter[t.Name]; !ok {
				continue
			}
		}
		names = append(names, t.Name)
	}
	return names
}

func (r *record) visibleTools() []Tool {
	if r.toolFilter == nil {
		out := make([]Tool, len(r.tools))
		copy(out, r.tools)
		return out
	}
	var out []Tool
	for _, t := range r.tools {
		if _, ok := r.toolFilter[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Options collects the Manager's dependencies, each already built by
// the process entry point.
type Options struct {
	PluginDir string
	Cache     *cache.Cache
	Secrets   *secrets.Manager
	Runtime   *runtimectx.Context
	Acquirer  *acquire.Acquirer
	Profile   profile.Profile
	Logger    *slog.Logger
	// Stdout and Stderr back every instantiated guest's sandboxed IO
	// streams. Defaults to io.Discard.
	Stdout io.Writer
	Stderr io.Writer
}

// Manager is the process-wide component registry.
type Manager struct {
	pluginDir string
	cache     *cache.Cache
	secrets   *secrets.Manager
	runtime   *runtimectx.Context
	acquirer  *acquire.Acquirer
	profile   profile.Profile
	logger    *slog.Logger
	stdout    io.Writer
	stderr    io.Writer

	// globalMu guards the records map and the tool index: any
	// operation that adds, replaces, or removes a component id holds
	// it. Per-record mutation is guarded by the record's own locks
	// instead (mu for the policy, instanceMu for the retained
	// instance), so a long-running Call does not
	// block List/Schema for unrelated components.
	globalMu  sync.Mutex
	records   map[string]*record
	toolIndex map[string]string
}

// New builds a Manager. The plugin directory is expected to already
// exist (created by whichever of Cache/Secrets/Acquirer owns it).
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	return &Manager{
		pluginDir: opts.PluginDir,
		cache:     opts.Cache,
		secrets:   opts.Secrets,
		runtime:   opts.Runtime,
		acquirer:  opts.Acquirer,
		profile:   opts.Profile,
		logger:    logger,
		stdout:    stdout,
		stderr:    stderr,
		records:   make(map[string]*record),
		toolIndex: make(map[string]string),
	}
}

// Load acquires, verifies, compiles, and introspects the component at
// uri, committing it to the registry as a stateless component with no
// tool filter.
func (m *Manager) Load(ctx context.Context, uri string) (LoadResult, error) {
	return m.LoadWithOptions(ctx, uri, LoadOptions{})
}

// LoadWithOptions is Load with full control over statefulness and tool
// filtering.
func (m *Manager) LoadWithOptions(ctx context.Context, uri string, opts LoadOptions) (LoadResult, error) {
	id := componentid.FromURI(uri)

	result, err := m.acquirer.Acquire(ctx, uri, opts.Credentials)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to acquire component %q: %w", uri, err)
	}

	info, err := os.Stat(result.LocalPath)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to stat acquired artifact %s: %w", result.LocalPath, err)
	}
	stamp := cache.Stamp{FileSize: info.Size(), ModTimeUnix: info.ModTime().Unix()}

	compiled, err := m.cache.GetOrCompile(ctx, m.runtime.Runtime(), id, result.Bytes, stamp)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to compile component %q: %w", id, err)
	}

	tools, err := m.introspectTools(ctx, compiled)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to introspect tools for component %q: %w", id, err)
	}

	var filter map[string]struct{}
	if opts.ToolFilter != nil {
		filter = make(map[string]struct{}, len(opts.ToolFilter))
		for _, name := range opts.ToolFilter {
			filter[name] = struct{}{}
		}
	}

	m.globalMu.Lock()
	defer m.globalMu.Unlock()

	existing, replacing := m.records[id]

	for _, t := range tools {
		if filter != nil {
			if _, ok := filter[t.Name]; !ok {
				continue
			}
		}
		if owner, ok := m.toolIndex[t.Name]; ok && owner != id {
			return LoadResult{}, fmt.Errorf("%w: tool %q is already provided by component %q", ErrToolConflict, t.Name, owner)
		}
	}

	if replacing {
		existing.instanceMu.Lock()
		m.discardRetainedLocked(ctx, existing)
		existing.instanceMu.Unlock()
		for name, owner := range m.toolIndex {
			if owner == id {
				delete(m.toolIndex, name)
			}
		}
	}

	rec := &record{
		componentID: id,
		sourceURI:   uri,
		acquiredAt:  time.Now(),
		stamp:       stamp,
		compiled:    compiled,
		tools:       tools,
		toolFilter:  filter,
		stateful:    opts.Stateful,
	}

	if attached, path, err := m.loadAttachedPolicy(id); err != nil {
		m.logger.Warn("failed to load attached policy", "component_id", id, "error", err)
	} else if attached != nil {
		rec.policy = attached
		rec.policyPath = path
	}

	m.records[id] = rec
	for _, name := range rec.toolNames() {
		m.toolIndex[name] = id
	}

	status := StatusNew
	if replacing {
		status = StatusReplaced
	}

	return LoadResult{ComponentID: id, Status: status, ToolNames: rec.toolNames()}, nil
}

func (m *Manager) loadAttachedPolicy(componentID string) (*policy.RuleSet, string, error) {
	path := filepath.Join(m.pluginDir, componentID+".policy.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", err
	}
	rs, err := policy.Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse attached policy %s: %w", path, err)
	}
	return rs, path, nil
}

// Unload is idempotent: dropping a component that isn't loaded
// succeeds with no effect.
func (m *Manager) Unload(ctx context.Context, componentID string) error {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()

	rec, ok := m.records[componentID]
	if !ok {
		return nil
	}

	rec.instanceMu.Lock()
	m.discardRetainedLocked(ctx, rec)
	rec.instanceMu.Unlock()

	var errs []error
	if err := m.cache.Unload(componentID); err != nil {
		errs = append(errs, err)
	}
	if rec.policyPath != "" {
		if err := os.Remove(rec.policyPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove policy file %s: %w", rec.policyPath, err))
		}
	}

	for name, owner := range m.toolIndex {
		if owner == componentID {
			delete(m.toolIndex, name)
		}
	}
	delete(m.records, componentID)

	return errors.Join(errs...)
}

// List returns the current registry keys.
func (m *Manager) List() []string {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}

// Schema returns the tool list visible for componentID, subject to any
// tool_filter applied at load time.
func (m *Manager) Schema(componentID string) ([]Tool, error) {
	rec, err := m.lookup(componentID)
	if err != nil {
		return nil, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.visibleTools(), nil
}

// Describe returns a read-only snapshot of componentID's record, for
// callers outside this package that need more than Schema/GetPolicyInfo
// expose individually — state export being the primary consumer.
func (m *Manager) Describe(componentID string) (RecordInfo, error) {
	rec, err := m.lookup(componentID)
	if err != nil {
		return RecordInfo{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	return RecordInfo{
		ComponentID: rec.componentID,
		SourceURI:   rec.sourceURI,
		AcquiredAt:  rec.acquiredAt,
		Stamp:       rec.stamp,
		Stateful:    rec.stateful,
		ToolNames:   rec.toolNames(),
		Policy:      rec.policy,
	}, nil
}

func (m *Manager) lookup(componentID string) (*record, error) {
	m.globalMu.Lock()
	rec, ok := m.records[componentID]
	m.globalMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, componentID)
	}
	return rec, nil
}

// Call validates that toolName belongs to componentID, composes the
// host state from the component's policy and secrets, and invokes the
// tool.
//
// Locking follows §5's concurrency model and §9's "separate lock
// inside the entry": Call takes rec.mu only for a brief read to
// snapshot the attached policy, releasing it before instance setup or
// guest execution begins — a long-running call never blocks
// AttachPolicy/Grant/Revoke/Reset/GetPolicyInfo/Describe on the same
// component. A stateful component then serializes on rec.instanceMu
// for the full duration of setup and execution, since the retained
// store cannot be shared across concurrent guest executions. A
// stateless component takes neither lock during execution — each call
// builds and tears down its own instance, so distinct calls to the
// same stateless component proceed in parallel.
func (m *Manager) Call(ctx context.Context, componentID, toolName string, input json.RawMessage) (json.RawMessage, error) {
	rec, err := m.lookup(componentID)
	if err != nil {
		return nil, err
	}

	if !rec.hasTool(toolName) {
		return nil, fmt.Errorf("%w: %q on component %q", ErrToolNotFound, toolName, componentID)
	}

	rec.mu.RLock()
	pol := rec.policy
	stateful := rec.stateful
	rec.mu.RUnlock()

	if stateful {
		rec.instanceMu.Lock()
		defer rec.instanceMu.Unlock()
	}

	return m.invoke(ctx, rec, pol, toolName, input, stateful)
}

// invoke composes host state, applies deadline/fuel bounds, and runs
// toolName against rec. When stateful is true, rec.instanceMu is
// already held for the duration by the caller and the retained
// instance is reused (instantiating it lazily on first use);
// otherwise invoke builds and closes a fresh instance of its own.
func (m *Manager) invoke(ctx context.Context, rec *record, pol *policy.RuleSet, toolName string, input json.RawMessage, stateful bool) (json.RawMessage, error) {
	secretValues, err := m.secrets.AllValues(rec.componentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secrets for component %q: %w", rec.componentID, err)
	}
	secretLookup := func(key string) (string, bool) {
		v, ok := secretValues[key]
		return v, ok
	}

	state, err := policy.Compose(pol, secretLookup, policy.ProcessEnvLookup)
	if err != nil {
		return nil, fmt.Errorf("failed to compose host state for component %q: %w", rec.componentID, err)
	}

	callCtx, cancel := runtimectx.WithDeadline(ctx, state)
	defer cancel()

	fuel := runtimectx.NewFuelMeter(state)
	if err := fuel.Charge(); err != nil {
		if stateful {
			m.discardRetainedLocked(callCtx, rec)
		}
		return nil, ErrInterrupted
	}

	// Every host import the guest invokes during this call — including
	// the outbound-HTTP import registered once on the shared runtime —
	// consults this call's composed HostState and FuelMeter, threaded
	// through the context rather than captured by the import at
	// registration time (the import is a process-wide singleton; the
	// state it must consult is per-call).
	callCtx = runtimectx.WithHostState(callCtx, state, fuel)

	instance, closeAfter, err := m.instanceFor(callCtx, rec, state, stateful)
	if err != nil {
		if stateful {
			m.discardRetainedLocked(callCtx, rec)
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrInterrupted
		}
		return nil, &GuestTrap{Trace: err.Error()}
	}
	if closeAfter {
		defer func() { _ = instance.Close(context.WithoutCancel(callCtx)) }()
	}

	output, err := callTool(callCtx, instance, toolName, input)
	if err != nil {
		if stateful {
			m.discardRetainedLocked(callCtx, rec)
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrInterrupted
		}
		return nil, &GuestTrap{Trace: err.Error()}
	}

	return output, nil
}

// instanceFor returns the api.Module to invoke for rec. For a stateful
// call (rec.instanceMu held by the caller) it reuses or lazily creates
// the retained instance; otherwise it always builds a fresh instance
// for the caller to close.
func (m *Manager) instanceFor(ctx context.Context, rec *record, state *policy.HostState, stateful bool) (api.Module, bool, error) {
	if stateful && rec.retained != nil {
		return rec.retained, false, nil
	}

	cfg := runtimectx.ModuleConfig(state, bytes.NewReader(nil), m.stdout, m.stderr).WithName(uuid.NewString())
	instance, err := m.runtime.Runtime().InstantiateModule(ctx, rec.compiled, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to instantiate component %q: %w", rec.componentID, err)
	}

	if stateful {
		rec.retained = instance
		return instance, false, nil
	}
	return instance, true, nil
}

// discardRetainedLocked closes and forgets rec's retained instance, if
// any. Callers must hold rec.instanceMu.
func (m *Manager) discardRetainedLocked(ctx context.Context, rec *record) {
	if rec.retained == nil {
		return
	}
	if err := rec.retained.Close(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("failed to close retained instance", "component_id", rec.componentID, "error", err)
	}
	rec.retained = nil
}

// AttachPolicy loads and validates the policy document at
// pathOrURI (a local path, or a "file://" URI), persists it verbatim
// to {plugin_dir}/{component_id}.policy.yaml, and arms it for the next
// call. A warm retained instance is discarded so the new policy takes
// effect on next invocation.
func (m *Manager) AttachPolicy(componentID, pathOrURI string) error {
	rec, err := m.lookup(componentID)
	if err != nil {
		return err
	}

	source := pathOrURI
	if after, ok := strings.CutPrefix(pathOrURI, "file://"); ok {
		source = after
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("failed to read policy document %s: %w", source, err)
	}
	rs, err := policy.Parse(data)
	if err != nil {
		return fmt.Errorf("invalid policy document %s: %w", source, err)
	}

	target := filepath.Join(m.pluginDir, componentID+".policy.yaml")
	if err := writeAtomic(target, data, 0o644); err != nil {
		return err
	}

	rec.mu.Lock()
	rec.policy = rs
	rec.policyPath = target
	rec.mu.Unlock()

	rec.instanceMu.Lock()
	m.discardRetainedLocked(context.Background(), rec)
	rec.instanceMu.Unlock()

	return nil
}

// Grant, Revoke, and Reset edit a component's rule set in memory,
// re-serialize it atomically, and arm it for the next call. All three
// are refused in the headless deployment profile.
func (m *Manager) Grant(componentID string, grant policy.Grantable) error {
	return m.editPolicy(componentID, func(rs *policy.RuleSet) *policy.RuleSet {
		return policy.Grant(rs, grant)
	})
}

func (m *Manager) Revoke(componentID string, revoke policy.Revocable) error {
	return m.editPolicy(componentID, func(rs *policy.RuleSet) *policy.RuleSet {
		return policy.Revoke(rs, revoke)
	})
}

func (m *Manager) Reset(componentID string) error {
	return m.editPolicy(componentID, func(*policy.RuleSet) *policy.RuleSet {
		return policy.Reset()
	})
}

func (m *Manager) editPolicy(componentID string, edit func(*policy.RuleSet) *policy.RuleSet) error {
	if m.profile.RuntimeGrantsDisabled() {
		return policy.ErrHeadless
	}

	rec, err := m.lookup(componentID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	updated := edit(rec.policy)
	data, err := policy.Marshal(updated)
	if err != nil {
		rec.mu.Unlock()
		return fmt.Errorf("failed to marshal updated policy for component %q: %w", componentID, err)
	}

	path := rec.policyPath
	if path == "" {
		path = filepath.Join(m.pluginDir, componentID+".policy.yaml")
	}
	if err := writeAtomic(path, data, 0o644); err != nil {
		rec.mu.Unlock()
		return err
	}

	rec.policy = updated
	rec.policyPath = path
	rec.mu.Unlock()

	rec.instanceMu.Lock()
	m.discardRetainedLocked(context.Background(), rec)
	rec.instanceMu.Unlock()

	return nil
}

// GetPolicyInfo returns the observability view of componentID's
// attached policy: its on-disk path (empty if never attached), the
// component's origin URI, and the policy's serialized content.
func (m *Manager) GetPolicyInfo(componentID string) (PolicyInfo, error) {
	rec, err := m.lookup(componentID)
	if err != nil {
		return PolicyInfo{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	content := ""
	if rec.policy != nil {
		data, err := policy.Marshal(rec.policy)
		if err != nil {
			return PolicyInfo{}, fmt.Errorf("failed to marshal policy for component %q: %w", componentID, err)
		}
		content = string(data)
	}

	return PolicyInfo{
		LocalPath: rec.policyPath,
		SourceURI: rec.sourceURI,
		Content:   content,
	}, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write temporary file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename temporary file to %s: %w", path, err)
	}
	return nil
}
