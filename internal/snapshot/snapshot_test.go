package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wassette-dev/wassette/internal/acquire"
	"github.com/wassette-dev/wassette/internal/cache"
	"github.com/wassette-dev/wassette/internal/lifecycle"
	"github.com/wassette-dev/wassette/internal/profile"
	"github.com/wassette-dev/wassette/internal/runtimectx"
	"github.com/wassette-dev/wassette/internal/secrets"
)

var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestManager(t *testing.T) (*lifecycle.Manager, string) {
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

	m := lifecycle.New(lifecycle.Options{
		PluginDir: dir,
		Cache:     c,
		Secrets:   secretsMgr,
		Runtime:   rt,
		Acquirer:  acq,
		Profile:   profile.Interactive,
	})
	return m, dir
}

func TestExportImportRoundTripWithoutBinaries(t *testing.T) {
	src, dir := newTestManager(t)

	modulePath := filepath.Join(dir, "comp")
	require.NoError(t, os.WriteFile(modulePath, emptyModule, 0o644))
	uri := "file://" + modulePath

	_, err := src.Load(context.Background(), uri)
	require.NoError(t, err)

	snap, err := Export(src, dir, ExportOptions{Now: 1700000000})
	require.NoError(t, err)
	require.Equal(t, formatVersion, snap.Version)
	require.Len(t, snap.Components, 1)
	require.Equal(t, "comp", snap.Components[0].ComponentID)
	require.Empty(t, snap.Components[0].BinaryData)

	// The destination reloads from SourceURI, which still points at the
	// source's plugin directory on disk — unaffected by which Manager
	// is doing the reading.
	dst, dstDir := newTestManager(t)
	require.NoError(t, Import(context.Background(), dst, dstDir, snap, ImportOptions{}))
	require.Len(t, dst.List(), 1)
}

func TestExportImportRoundTripWithBinaries(t *testing.T) {
	src, dir := newTestManager(t)

	modulePath := filepath.Join(dir, "comp")
	require.NoError(t, os.WriteFile(modulePath, emptyModule, 0o644))
	uri := "file://" + modulePath

	_, err := src.Load(context.Background(), uri)
	require.NoError(t, err)

	snap, err := Export(src, dir, ExportOptions{IncludeBinaries: true, Now: 1700000000})
	require.NoError(t, err)
	require.NotEmpty(t, snap.Components[0].BinaryData)

	dst, dstDir := newTestManager(t)
	require.NoError(t, Import(context.Background(), dst, dstDir, snap, ImportOptions{}))
	require.Len(t, dst.List(), 1)

	// Imported from embedded bytes, not by re-reading the source's
	// plugin directory.
	require.FileExists(t, filepath.Join(dstDir, "comp.wasm"))
}

func TestImportSkipExisting(t *testing.T) {
	src, dir := newTestManager(t)
	modulePath := filepath.Join(dir, "comp")
	require.NoError(t, os.WriteFile(modulePath, emptyModule, 0o644))
	_, err := src.Load(context.Background(), "file://"+modulePath)
	require.NoError(t, err)

	snap, err := Export(src, dir, ExportOptions{IncludeBinaries: true})
	require.NoError(t, err)

	dst, dstDir := newTestManager(t)
	require.NoError(t, Import(context.Background(), dst, dstDir, snap, ImportOptions{}))

	res1, err := dst.Describe("comp")
	require.NoError(t, err)

	require.NoError(t, Import(context.Background(), dst, dstDir, snap, ImportOptions{SkipExisting: true}))
	res2, err := dst.Describe("comp")
	require.NoError(t, err)
	require.Equal(t, res1.AcquiredAt, res2.AcquiredAt)
}

func TestValidateRejectsBadVersionAndDuplicates(t *testing.T) {
	err := Validate(&Snapshot{Version: 2})
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	err = Validate(&Snapshot{
		Version: formatVersion,
		Components: []ComponentSnapshot{
			{ComponentID: "dup"},
			{ComponentID: "dup"},
		},
	})
	require.ErrorIs(t, err, ErrDuplicateComponent)
}

func TestMarshalUnmarshalJSONAndYAML(t *testing.T) {
	snap := &Snapshot{
		Version:   formatVersion,
		CreatedAt: 42,
		Components: []ComponentSnapshot{
			{ComponentID: "comp", SourceURI: "file:///tmp/comp"},
		},
	}

	jsonData, err := Marshal(snap, "out.json")
	require.NoError(t, err)
	roundTripped, err := Unmarshal(jsonData, "out.json")
	require.NoError(t, err)
	require.Equal(t, snap.Components[0].ComponentID, roundTripped.Components[0].ComponentID)

	yamlData, err := Marshal(snap, "out.yaml")
	require.NoError(t, err)
	roundTripped, err = Unmarshal(yamlData, "out.yaml")
	require.NoError(t, err)
	require.Equal(t, snap.Components[0].ComponentID, roundTripped.Components[0].ComponentID)
}

func TestSaveLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")

	snap := &Snapshot{Version: formatVersion, CreatedAt: 1}
	require.NoError(t, Save(snap, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, snap.CreatedAt, loaded.CreatedAt)
}
