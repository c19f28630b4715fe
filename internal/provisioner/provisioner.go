// Package provisioner implements the Provisioner: it reads a
// Provisioning Manifest and drives each declared component through
// secret seeding, policy synthesis, loading, and (optionally) digest
// verification so a host can come up fully configured without any
// interactive grant calls.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wassette-dev/wassette/internal/acquire"
	"github.com/wassette-dev/wassette/internal/componentid"
	"github.com/wassette-dev/wassette/internal/lifecycle"
	"github.com/wassette-dev/wassette/internal/policy"
	"github.com/wassette-dev/wassette/internal/secrets"
)

// Manifest is the top-level Provisioning Manifest document (§4.8).
type Manifest struct {
	Version    int                    `yaml:"version"`
	Components []ComponentDeclaration `yaml:"components"`
}

// ComponentDeclaration is one manifest entry.
type ComponentDeclaration struct {
	URI    string `yaml:"uri"`
	Name   string `yaml:"name,omitempty"`
	Digest string `yaml:"digest,omitempty"`
	// Permissions reuses policy.RuleSet directly: the manifest's inline
	// permissions block and a standalone policy file's permissions
	// block are the same shape.
	Permissions policy.RuleSet `yaml:"permissions"`
	// RetryPolicy is accepted but not interpreted; spec.md marks it
	// "optional (future)" with no defined shape yet.
	RetryPolicy map[string]any `yaml:"retry_policy,omitempty"`
}

// displayName prefers the diagnostic name, falling back to the URI.
func (c ComponentDeclaration) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.URI
}

// ParseManifest decodes a Provisioning Manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning manifest: %w", err)
	}
	return &m, nil
}

// Provisioner drives manifest entries through the Lifecycle Manager.
type Provisioner struct {
	lifecycle *lifecycle.Manager
	secrets   *secrets.Manager
	pluginDir string
	logger    *slog.Logger
}

// New builds a Provisioner. lc and secretsMgr must be the same
// instances the host wired into the rest of the process.
func New(lc *lifecycle.Manager, secretsMgr *secrets.Manager, pluginDir string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{lifecycle: lc, secrets: secretsMgr, pluginDir: pluginDir, logger: logger}
}

// Provision drives every component in m through the provisioning
// sequence. A failure on one entry does not stop the others; Provision
// collects every failure and returns them joined, so the caller sees
// the full picture of what came up and what didn't.
func (p *Provisioner) Provision(ctx context.Context, m *Manifest) error {
	p.logger.Info("starting provisioning", "component_count", len(m.Components))

	var errs []error
	for idx, comp := range m.Components {
		name := comp.displayName()
		p.logger.Info("provisioning component", "index", idx+1, "total", len(m.Components), "name", name)

		if err := p.provisionComponent(ctx, comp); err != nil {
			p.logger.Error("failed to provision component", "name", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to provision %d component(s): %w", len(errs), errors.Join(errs...))
	}

	p.logger.Info("provisioning complete")
	return nil
}

// provisionComponent runs the six-step sequence from §4.8 for one
// manifest entry.
func (p *Provisioner) provisionComponent(ctx context.Context, comp ComponentDeclaration) error {
	id := componentid.FromURI(comp.URI)

	// Step 1: seed secrets from the process environment before Load, so
	// the component's first call already observes them instead of
	// relying on a later SetSecret over IPC.
	p.seedSecrets(id, comp)

	// Step 2: synthesize the inline permissions into policy YAML and
	// stage it under a temporary name; the final name needs the
	// component id that Load (via componentid.FromURI) is about to
	// confirm.
	policyData, err := policy.Marshal(&comp.Permissions)
	if err != nil {
		return fmt.Errorf("failed to synthesize policy: %w", err)
	}
	tempPath := filepath.Join(p.pluginDir, fmt.Sprintf("temp_%s.policy.yaml", hashString(comp.URI)))
	if err := os.WriteFile(tempPath, policyData, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary policy file %s: %w", tempPath, err)
	}

	// Step 3: load through the Lifecycle Manager (acquire, compile,
	// register).
	result, err := p.lifecycle.Load(ctx, comp.URI)
	if err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to load component from %q: %w", comp.URI, err)
	}
	if result.ComponentID != id {
		// componentid.FromURI is deterministic, so this would only
		// happen if Load's own derivation diverged from ours.
		id = result.ComponentID
	}

	// Step 4: rename the temp policy file to its permanent name.
	finalPath := filepath.Join(p.pluginDir, id+".policy.yaml")
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename policy file to %s: %w", finalPath, err)
	}

	// Step 5: attach the renamed policy, forcing host-state
	// recomposition on the next call.
	if err := p.lifecycle.AttachPolicy(id, finalPath); err != nil {
		return fmt.Errorf("failed to attach policy to component %q: %w", id, err)
	}
	p.logger.Info("applied policy", "component_id", id)

	// Step 6: verify the cached artifact's digest, now that it is
	// definitely materialized on disk.
	if comp.Digest != "" {
		if err := p.verifyDigest(id, comp.Digest); err != nil {
			return fmt.Errorf("digest verification failed: %w", err)
		}
	}

	return nil
}

// seedSecrets stages every environment.allow rule that carries an
// explicit value_from hint into the memory secret tier, ahead of Load.
// A rule with no value_from relies on policy.Compose's process-env
// fallback instead, so it needs no staging here. Missing environment
// variables are logged, not failed: the component may simply not need
// that secret at call time.
func (p *Provisioner) seedSecrets(componentID string, comp ComponentDeclaration) {
	if comp.Permissions.Environment == nil {
		return
	}
	for _, rule := range comp.Permissions.Environment.Allow {
		if rule.ValueFrom == "" {
			continue
		}
		value, ok := os.LookupEnv(rule.ValueFrom)
		if !ok {
			p.logger.Warn("environment variable not found for seeded secret; component may fail at runtime",
				"component_id", componentID, "key", rule.Key, "value_from", rule.ValueFrom)
			continue
		}
		p.secrets.InjectMemory(componentID, rule.Key, value)
	}
}

// verifyDigest re-reads the cached artifact bytes for componentID and
// compares them against expectedDigest.
func (p *Provisioner) verifyDigest(componentID, expectedDigest string) error {
	path := filepath.Join(p.pluginDir, componentID+".wasm")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cached artifact %s: %w", path, err)
	}

	ok, err := acquire.VerifyDigest(data, expectedDigest)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: component %q does not match %s", acquire.ErrDigestMismatch, componentID, expectedDigest)
	}

	p.logger.Info("digest verification passed", "component_id", componentID, "digest", expectedDigest)
	return nil
}

// hashString is a small deterministic non-cryptographic fold, used
// only to keep concurrent provisioning runs from colliding on the same
// temporary policy filename before a component id is known.
func hashString(s string) string {
	var h uint64
	for i := 0; i < len(s); i++ {
		h = h*31 + uint64(s[i])
	}
	return fmt.Sprintf("%016x", h)
}
