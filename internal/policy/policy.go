// Package policy parses declarative permission rule sets and composes
// them, together with a component's merged secret/environment view,
// into the host state consulted at every call boundary: filesystem
// preopens, the outbound-HTTP allow-list, the environment-variable
// view, and execution resource bounds.
package policy

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrHeadless is returned by the Lifecycle Manager's Grant/Revoke/Reset
// when the deployment profile forbids runtime policy mutation. The
// Grant/Revoke/Reset value transforms in this package never return it.
var ErrHeadless = errors.New("policy: runtime grants are disabled in headless profile")

// RuleSet is the parsed shape of a component's policy YAML file (§6).
type RuleSet struct {
	Network     *NetworkRules     `yaml:"network,omitempty"`
	Storage     *StorageRules     `yaml:"storage,omitempty"`
	Environment *EnvironmentRules `yaml:"environment,omitempty"`
	Resources   *ResourceRules    `yaml:"resources,omitempty"`
}

// NetworkRules lists the hosts a component may reach over outbound
// HTTP. Absence of the section denies all outbound HTTP.
type NetworkRules struct {
	Allow []NetworkHost `yaml:"allow"`
}

// NetworkHost is one exact-match allow-listed host.
type NetworkHost struct {
	Host string `yaml:"host"`
}

// StorageRules lists filesystem URIs the component may have preopened.
type StorageRules struct {
	Allow []StorageEntry `yaml:"allow"`
}

// StorageEntry grants access to a single fs:// URI.
type StorageEntry struct {
	URI    string `yaml:"uri"`
	Access Access `yaml:"access"`
}

// Access carries the read/write bits for a StorageEntry. On the wire
// it is the mode list `[read]`, `[write]`, or `[read, write]`.
type Access struct {
	Read  bool
	Write bool
}

// UnmarshalYAML decodes the `[read|write]` mode list into the Access
// bits.
func (a *Access) UnmarshalYAML(value *yaml.Node) error {
	var modes []string
	if err := value.Decode(&modes); err != nil {
		return err
	}
	for _, m := range modes {
		switch m {
		case "read":
			a.Read = true
		case "write":
			a.Write = true
		default:
			return fmt.Errorf("unknown storage access mode %q", m)
		}
	}
	return nil
}

// MarshalYAML encodes the Access bits back into the `[read|write]`
// mode list.
func (a Access) MarshalYAML() (any, error) {
	var modes []string
	if a.Read {
		modes = append(modes, "read")
	}
	if a.Write {
		modes = append(modes, "write")
	}
	return modes, nil
}

// EnvironmentRules lists the environment-variable keys a component may
// observe.
type EnvironmentRules struct {
	Allow []EnvironmentEntry `yaml:"allow"`
}

// EnvironmentEntry exposes Key to the guest, reading its value from
// ValueFrom on the host side (defaulting to Key itself).
type EnvironmentEntry struct {
	Key       string `yaml:"key"`
	ValueFrom string `yaml:"value_from,omitempty"`
}

func (e EnvironmentEntry) sourceKey() string {
	if e.ValueFrom != "" {
		return e.ValueFrom
	}
	return e.Key
}

// ResourceRules bounds a single call or instance's resource usage.
type ResourceRules struct {
	MemoryLimitBytes *uint64 `yaml:"memory_limit,omitempty"`
	CPUFuel          *uint64 `yaml:"cpu_fuel,omitempty"`
	TimeoutMS        *uint64 `yaml:"timeout_ms,omitempty"`
}

// File is the on-disk shape of a component's policy YAML file (§6):
// a version stamp, a free-text description, and the permissions
// block that parses into a RuleSet.
type File struct {
	Version     string  `yaml:"version"`
	Description string  `yaml:"description,omitempty"`
	Permissions RuleSet `yaml:"permissions"`
}

// Parse decodes a policy YAML document into a RuleSet.
func Parse(data []byte) (*RuleSet, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	return &f.Permissions, nil
}

// Marshal serializes a RuleSet back to its on-disk File form, for
// atomic persistence by the Lifecycle Manager.
func Marshal(rs *RuleSet) ([]byte, error) {
	f := File{Version: "1.0", Permissions: *rs}
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy document: %w", err)
	}
	return data, nil
}

// FSMount is one directory the Runtime Context should preopen into the
// sandbox.
type FSMount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// HostState is the fully composed, per-call (or per-instance) gate
// handed to the Runtime Context: what the sandbox may touch.
type HostState struct {
	Mounts       []FSMount
	AllowedHosts map[string]struct{}
	Env          map[string]string
	MemoryLimit  uint64
	CPUFuel      uint64
	Timeout      time.Duration
	HasMemLimit  bool
	HasCPUFuel   bool
	HasTimeout   bool
}

// AllowsHost reports whether host may be reached over outbound HTTP
// under this state. Absence of any network rule denies everything.
func (s *HostState) AllowsHost(host string) bool {
	_, ok := s.AllowedHosts[host]
	return ok
}

// SecretLookup resolves one of a component's secret values by key,
// memory-tier values taking precedence over file-tier ones. In
// production the Lifecycle Manager builds it as a closure over the
// merged map returned by *secrets.Manager.AllValues; tests pass a
// plain func.
type SecretLookup func(key string) (string, bool)

// Compose turns a RuleSet plus the two secondary inputs — a merged
// secret lookup and the process environment — into a HostState. Compose
// is a pure function: calling it twice with the same inputs produces an
// equivalent HostState.
func Compose(rs *RuleSet, secrets SecretLookup, processEnv func(string) (string, bool)) (*HostState, error) {
	state := &HostState{
		AllowedHosts: make(map[string]struct{}),
		Env:          make(map[string]string),
	}

	if rs == nil {
		return state, nil
	}

	if rs.Network != nil {
		for _, h := range rs.Network.Allow {
			state.AllowedHosts[h.Host] = struct{}{}
		}
	}

	if rs.Storage != nil {
		for _, entry := range rs.Storage.Allow {
			mount, err := fsMountFromURI(entry.URI, entry.Access)
			if err != nil {
				return nil, fmt.Errorf("invalid storage entry %q: %w", entry.URI, err)
			}
			state.Mounts = append(state.Mounts, mount)
		}
	}

	if rs.Environment != nil {
		for _, entry := range rs.Environment.Allow {
			if secrets != nil {
				if v, ok := secrets(entry.Key); ok {
					state.Env[entry.Key] = v
					continue
				}
			}
			if processEnv != nil {
				if v, ok := processEnv(entry.sourceKey()); ok {
					state.Env[entry.Key] = v
					continue
				}
			}
			// Missing keys are simply absent, never a host error.
		}
	}

	if rs.Resources != nil {
		if rs.Resources.MemoryLimitBytes != nil {
			state.MemoryLimit = *rs.Resources.MemoryLimitBytes
			state.HasMemLimit = true
		}
		if rs.Resources.CPUFuel != nil {
			state.CPUFuel = *rs.Resources.CPUFuel
			state.HasCPUFuel = true
		}
		if rs.Resources.TimeoutMS != nil {
			state.Timeout = time.Duration(*rs.Resources.TimeoutMS) * time.Millisecond
			state.HasTimeout = true
		}
	}

	return state, nil
}

// fsMountFromURI strips the fs:// scheme and maps the Access bits to a
// read-only or read-write mount at the same path in the guest.
func fsMountFromURI(uri string, access Access) (FSMount, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return FSMount{}, fmt.Errorf("failed to parse storage URI: %w", err)
	}
	if u.Scheme != "fs" {
		return FSMount{}, fmt.Errorf("unsupported storage scheme %q, want \"fs\"", u.Scheme)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return FSMount{}, errors.New("storage URI has no path")
	}
	return FSMount{
		HostPath:  path,
		GuestPath: path,
		ReadOnly:  access.Read && !access.Write,
	}, nil
}

// Grant adds or replaces rules in rs according to section, returning the
// updated RuleSet. It never mutates rs in place so callers can persist
// the result atomically before swapping it into the live record.
func Grant(rs *RuleSet, grant Grantable) *RuleSet {
	clone := cloneRuleSet(rs)
	grant.applyTo(clone)
	return clone
}

// Revoke removes rules in rs according to section, returning the
// updated RuleSet.
func Revoke(rs *RuleSet, revoke Revocable) *RuleSet {
	clone := cloneRuleSet(rs)
	revoke.removeFrom(clone)
	return clone
}

// Reset returns an empty RuleSet, discarding every granted rule.
func Reset() *RuleSet {
	return &RuleSet{}
}

// Grantable is implemented by each of the concrete grant kinds
// (NetworkHost, StorageEntry, EnvironmentEntry).
type Grantable interface {
	applyTo(rs *RuleSet)
}

// Revocable is implemented by each of the concrete revoke kinds.
type Revocable interface {
	removeFrom(rs *RuleSet)
}

func (h NetworkHost) applyTo(rs *RuleSet) {
	if rs.Network == nil {
		rs.Network = &NetworkRules{}
	}
	for _, existing := range rs.Network.Allow {
		if existing.Host == h.Host {
			return
		}
	}
	rs.Network.Allow = append(rs.Network.Allow, h)
}

func (h NetworkHost) removeFrom(rs *RuleSet) {
	if rs.Network == nil {
		return
	}
	rs.Network.Allow = filterNetwork(rs.Network.Allow, func(e NetworkHost) bool {
		return e.Host != h.Host
	})
}

func (e StorageEntry) applyTo(rs *RuleSet) {
	if rs.Storage == nil {
		rs.Storage = &StorageRules{}
	}
	for i, existing := range rs.Storage.Allow {
		if existing.URI == e.URI {
			rs.Storage.Allow[i] = e
			return
		}
	}
	rs.Storage.Allow = append(rs.Storage.Allow, e)
}

func (e StorageEntry) removeFrom(rs *RuleSet) {
	if rs.Storage == nil {
		return
	}
	rs.Storage.Allow = filterStorage(rs.Storage.Allow, func(x StorageEntry) bool {
		return x.URI != e.URI
	})
}

func (e EnvironmentEntry) applyTo(rs *RuleSet) {
	if rs.Environment == nil {
		rs.Environment = &EnvironmentRules{}
	}
	for i, existing := range rs.Environment.Allow {
		if existing.Key == e.Key {
			rs.Environment.Allow[i] = e
			return
		}
	}
	rs.Environment.Allow = append(rs.Environment.Allow, e)
}

func (e EnvironmentEntry) removeFrom(rs *RuleSet) {
	if rs.Environment == nil {
		return
	}
	rs.Environment.Allow = filterEnv(rs.Environment.Allow, func(x EnvironmentEntry) bool {
		return x.Key != e.Key
	})
}

func filterNetwork(in []NetworkHost, keep func(NetworkHost) bool) []NetworkHost {
	out := in[:0:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func filterStorage(in []StorageEntry, keep func(StorageEntry) bool) []StorageEntry {
	out := in[:0:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func filterEnv(in []EnvironmentEntry, keep func(EnvironmentEntry) bool) []EnvironmentEntry {
	out := in[:0:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func cloneRuleSet(rs *RuleSet) *RuleSet {
	if rs == nil {
		return &RuleSet{}
	}
	clone := &RuleSet{}
	if rs.Network != nil {
		clone.Network = &NetworkRules{Allow: append([]NetworkHost{}, rs.Network.Allow...)}
	}
	if rs.Storage != nil {
		clone.Storage = &StorageRules{Allow: append([]StorageEntry{}, rs.Storage.Allow...)}
	}
	if rs.Environment != nil {
		clone.Environment = &EnvironmentRules{Allow: append([]EnvironmentEntry{}, rs.Environment.Allow...)}
	}
	if rs.Resources != nil {
		r := *rs.Resources
		clone.Resources = &r
	}
	return clone
}

// ProcessEnvLookup is the default processEnv function for Compose,
// backed by the real process environment.
func ProcessEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}
