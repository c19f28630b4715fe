package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetFileThenAllValues(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)

	require.NoError(t, m.SetFile("comp1", map[string]string{"API_KEY": "abc"}))

	info, err := os.Stat(filepath.Join(dir, "comp1.yaml"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	values, err := m.AllValues("comp1")
	require.NoError(t, err)
	require.Equal(t, "abc", values["API_KEY"])
}

func TestMemoryShadowsFile(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)

	require.NoError(t, m.SetFile("comp1", map[string]string{"TOKEN": "file-value"}))
	m.InjectMemory("comp1", "TOKEN", "memory-value")

	values, err := m.AllValues("comp1")
	require.NoError(t, err)
	require.Equal(t, "memory-value", values["TOKEN"])
}

func TestListWithoutValuesNils(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	require.NoError(t, m.SetFile("comp1", map[string]string{"TOKEN": "x"}))

	list, err := m.List("comp1", false)
	require.NoError(t, err)
	require.Contains(t, list, "TOKEN")
	require.Nil(t, list["TOKEN"])

	listVals, err := m.List("comp1", true)
	require.NoError(t, err)
	require.Equal(t, "x", *listVals["TOKEN"])
}

func TestCacheServedUntilMtimeChanges(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	require.NoError(t, m.SetFile("comp1", map[string]string{"A": "1"}))

	_, err := m.loadFile("comp1")
	require.NoError(t, err)
	m.mu.RLock()
	_, cached := m.cache["comp1"]
	m.mu.RUnlock()
	require.True(t, cached)

	require.NoError(t, m.SetFile("comp1", map[string]string{"A": "2"}))
	m.mu.RLock()
	_, cachedAfterWrite := m.cache["comp1"]
	m.mu.RUnlock()
	require.False(t, cachedAfterWrite, "SetFile must invalidate the cache")

	values, err := m.AllValues("comp1")
	require.NoError(t, err)
	require.Equal(t, "2", values["A"])
}

func TestDeleteFileMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	err := m.DeleteFile("ghost", []string{"X"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteFileUnknownKeyIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	require.NoError(t, m.SetFile("comp1", map[string]string{"A": "1"}))
	require.NoError(t, m.DeleteFile("comp1", []string{"DOES_NOT_EXIST"}))

	values, err := m.AllValues("comp1")
	require.NoError(t, err)
	require.Equal(t, "1", values["A"])
}

func TestDeleteFileRemovesFileWhenEmptied(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	require.NoError(t, m.SetFile("comp1", map[string]string{"A": "1"}))
	require.NoError(t, m.DeleteFile("comp1", []string{"A"}))

	require.NoFileExists(t, filepath.Join(dir, "comp1.yaml"))
}

func TestDeleteMemoryMissingErrors(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, nil)
	err := m.DeleteMemory("comp1", "X")
	require.ErrorIs(t, err, ErrNotFound)

	m.InjectMemory("comp1", "X", "v")
	require.NoError(t, m.DeleteMemory("comp1", "X"))
	err = m.DeleteMemory("comp1", "X")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValueZeroizesOnClose(t *testing.T) {
	v := NewValue("super-secret")
	require.Equal(t, "super-secret", v.Expose())
	v.Close()
	require.Equal(t, "", v.Expose())
}
