package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dummyState struct {
	Counter int    `json:"counter"`
	Label   string `json:"label"`
}

func (d *dummyState) Marshal() ([]byte, error) { return json.Marshal(d) }
func (d *dummyState) Unmarshal(b []byte) error { return json.Unmarshal(b, d) }

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	saved := &dummyState{Counter: 42, Label: "hello"}
	require.NoError(t, s.Save(saved))

	loaded := &dummyState{}
	require.NoError(t, s.Load(loaded))
	assert.Equal(t, saved, loaded)
}

func TestLoadFallsBackToBackupOnCorruptPrimary(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Save(&dummyState{Counter: 1}))
	require.NoError(t, s.Save(&dummyState{Counter: 2}))

	corrupt := make([]byte, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultStateFile), corrupt, 0o644))

	loaded := &dummyState{}
	require.NoError(t, s.Load(loaded))
	assert.Equal(t, 1, loaded.Counter, "backup holds the generation before the corrupted save")
}

func TestLoadRepromotesBackupToPrimary(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(&dummyState{Counter: 7}))
	require.NoError(t, s.Save(&dummyState{Counter: 7}))

	require.NoError(t, os.Remove(filepath.Join(dir, defaultStateFile)))
	require.FileExists(t, filepath.Join(dir, defaultBackupFile))

	loaded := &dummyState{}
	require.NoError(t, s.Load(loaded))
	assert.Equal(t, 7, loaded.Counter)

	_, err := os.Stat(filepath.Join(dir, defaultStateFile))
	assert.NoError(t, err, "backup recovery must re-promote to primary")
}

func TestLoadWithNoFilesLeavesDefault(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	loaded := &dummyState{Counter: -1}
	require.NoError(t, s.Load(loaded))
	assert.Equal(t, -1, loaded.Counter)
}

func TestClearRemovesBothFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(&dummyState{Counter: 1}))
	require.NoError(t, s.Save(&dummyState{Counter: 2}))

	require.NoError(t, s.Clear())

	_, err := os.Stat(filepath.Join(dir, defaultStateFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, defaultBackupFile))
	assert.True(t, os.IsNotExist(err))
}
