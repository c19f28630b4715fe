package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wassette-dev/wassette/internal/acquire"
	"github.com/wassette-dev/wassette/internal/cache"
	"github.com/wassette-dev/wassette/internal/policy"
	"github.com/wassette-dev/wassette/internal/profile"
	"github.com/wassette-dev/wassette/internal/runtimectx"
	"github.com/wassette-dev/wassette/internal/secrets"
)

// emptyModule is the minimal valid Wasm binary: magic + version, no
// sections, so it exports nothing. It is enough to exercise Load,
// Unload, List, Schema, Describe, and policy mutation, all of which
// only need a compiled module to exist. Exercising the
// allocate/list-tools/call-tool ABI itself would need a hand-built
// fixture with real exports; Call is covered here only up to its tool
// lookup, via the ErrToolNotFound path that every no-exports
// component takes.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()

	c, err := cache.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	rt, err := runtimectx.New(context.Background(), runtimectx.Options{CompilationCache: c.CompilationCache()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	secretsMgr := secrets.New(filepath.Join(dir, "secrets"), nil)
	acq := acquire.New(dir, nil)

	m := New(Options{
		PluginDir: dir,
		Cache:     c,
		Secrets:   secretsMgr,
		Runtime:   rt,
		Acquirer:  acq,
		Profile:   profile.Interactive,
	})
	return m, dir
}

// writeModuleFile writes emptyModule under dir as name and returns its
// file:// URI. Tests pass "comp", with no extension, so the derived
// component id is exactly "comp" (a ".wasm" extension would be kept in
// the id, since componentid.Sanitize allows dots).
func writeModuleFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, emptyModule, 0o644))
	return "file://" + path
}

func TestLoadNewThenReplace(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")

	res, err := m.Load(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, StatusNew, res.Status)
	require.Empty(t, res.ToolNames)

	res, err = m.Load(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, StatusReplaced, res.Status)

	require.Len(t, m.List(), 1)
}

func TestUnloadIsIdempotent(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")

	_, err := m.Load(context.Background(), uri)
	require.NoError(t, err)

	require.NoError(t, m.Unload(context.Background(), "comp"))
	require.Empty(t, m.List())
	require.NoError(t, m.Unload(context.Background(), "comp"))
}

func TestSchemaAndListUnknownComponent(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Schema("ghost")
	require.ErrorIs(t, err, ErrComponentNotFound)

	require.Empty(t, m.List())
}

func TestCallUnknownToolReturnsToolNotFound(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")

	_, err := m.Load(context.Background(), uri)
	require.NoError(t, err)

	_, err = m.Call(context.Background(), "comp", "does-not-exist", nil)
	require.ErrorIs(t, err, ErrToolNotFound)
}

func TestCallUnknownComponent(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Call(context.Background(), "ghost", "anything", nil)
	require.ErrorIs(t, err, ErrComponentNotFound)
}

func TestAttachPolicyPersistsAndSurfacesViaGetPolicyInfo(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")
	_, err := m.Load(context.Background(), uri)
	require.NoError(t, err)

	policyPath := filepath.Join(dir, "attached.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte("version: \"1.0\"\n"), 0o644))

	require.NoError(t, m.AttachPolicy("comp", policyPath))

	info, err := m.GetPolicyInfo("comp")
	require.NoError(t, err)
	require.NotEmpty(t, info.LocalPath)
	require.Contains(t, info.Content, "version")
}

func TestGrantRevokeResetRoundTrip(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")
	_, err := m.Load(context.Background(), uri)
	require.NoError(t, err)

	err = m.Grant("comp", policy.NetworkHost{Host: "example.com"})
	require.NoError(t, err)

	info, err := m.GetPolicyInfo("comp")
	require.NoError(t, err)
	require.Contains(t, info.Content, "example.com")

	err = m.Revoke("comp", policy.NetworkHost{Host: "example.com"})
	require.NoError(t, err)

	info, err = m.GetPolicyInfo("comp")
	require.NoError(t, err)
	require.NotContains(t, info.Content, "example.com")

	require.NoError(t, m.Reset("comp"))
}

func TestHeadlessProfileRefusesGrant(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")
	_, err := m.Load(context.Background(), uri)
	require.NoError(t, err)

	m.profile = profile.Headless

	err = m.Grant("comp", policy.NetworkHost{Host: "example.com"})
	require.ErrorIs(t, err, policy.ErrHeadless)
}

func TestDescribeReportsRecordMetadata(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")
	_, err := m.Load(context.Background(), uri)
	require.NoError(t, err)

	info, err := m.Describe("comp")
	require.NoError(t, err)
	require.Equal(t, "comp", info.ComponentID)
	require.Equal(t, uri, info.SourceURI)
	require.False(t, info.Stateful)
	require.Empty(t, info.ToolNames)

	_, err = m.Describe("ghost")
	require.ErrorIs(t, err, ErrComponentNotFound)
}

func TestLoadWithToolFilterRestrictsSchema(t *testing.T) {
	m, dir := newTestManager(t)
	uri := writeModuleFile(t, dir, "comp")

	res, err := m.LoadWithOptions(context.Background(), uri, LoadOptions{
		Stateful:   true,
		ToolFilter: []string{"only-this"},
	})
	require.NoError(t, err)
	require.Empty(t, res.ToolNames)

	tools, err := m.Schema("comp")
	require.NoError(t, err)
	require.Empty(t, tools)

	info, err := m.Describe("comp")
	require.NoError(t, err)
	require.True(t, info.Stateful)
}
