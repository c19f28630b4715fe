package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

// emptyModule is the minimal valid Wasm binary: magic + version, no
// sections.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestGetOrCompileRehydratesOnMatchingStamp(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	defer c.Close(context.Background())

	rt := wazero.NewRuntimeWithConfig(context.Background(), wazero.NewRuntimeConfig().WithCompilationCache(c.CompilationCache()))
	defer rt.Close(context.Background())

	stamp := Stamp{FileSize: int64(len(emptyModule)), ModTimeUnix: 1000}

	cm1, err := c.GetOrCompile(context.Background(), rt, "comp1", emptyModule, stamp)
	require.NoError(t, err)
	defer cm1.Close(context.Background())

	loaded, ok := c.LoadStamp("comp1")
	require.True(t, ok)
	require.True(t, loaded.Equal(stamp))

	cm2, err := c.GetOrCompile(context.Background(), rt, "comp1", emptyModule, stamp)
	require.NoError(t, err)
	defer cm2.Close(context.Background())
}

func TestGetOrCompileSingleFlight(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	defer c.Close(context.Background())

	rt := wazero.NewRuntimeWithConfig(context.Background(), wazero.NewRuntimeConfig().WithCompilationCache(c.CompilationCache()))
	defer rt.Close(context.Background())

	stamp := Stamp{FileSize: int64(len(emptyModule)), ModTimeUnix: 2000}

	var wg sync.WaitGroup
	results := make([]wazero.CompiledModule, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cm, err := c.GetOrCompile(context.Background(), rt, "racy", emptyModule, stamp)
			require.NoError(t, err)
			results[i] = cm
		}(i)
	}
	wg.Wait()

	for _, cm := range results {
		require.Same(t, results[0], cm)
	}
}

func TestUnloadRemovesArtifacts(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	defer c.Close(context.Background())

	rt := wazero.NewRuntimeWithConfig(context.Background(), wazero.NewRuntimeConfig().WithCompilationCache(c.CompilationCache()))
	defer rt.Close(context.Background())

	stamp := Stamp{FileSize: int64(len(emptyModule))}
	cm, err := c.GetOrCompile(context.Background(), rt, "comp-gone", emptyModule, stamp)
	require.NoError(t, err)
	cm.Close(context.Background())

	require.FileExists(t, filepath.Join(dir, "comp-gone.compiled.stamp"))

	// Simulate the acquirer having also written source bytes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comp-gone.wasm"), emptyModule, 0o644))

	require.NoError(t, c.Unload("comp-gone"))

	require.NoFileExists(t, filepath.Join(dir, "comp-gone.compiled.stamp"))
	require.NoFileExists(t, filepath.Join(dir, "comp-gone.wasm"))

	_, ok := c.LoadStamp("comp-gone")
	require.False(t, ok)
}
