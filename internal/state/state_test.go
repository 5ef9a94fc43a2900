package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colsync/colsyncd/internal/model"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "filestate-default.json")
	s := NewFileStore(path)

	files := model.FileStateMap{
		"col/_collection.yaml": {ContentHash: "h1", RemoteSHA: "sha1", CommitSHA: "c1"},
		"col/req.yaml":         {ContentHash: "h2", RemoteSHA: "sha2"},
	}
	require.NoError(t, s.Save("col", files))

	// A fresh store instance reads what the first one wrote.
	reloaded := NewFileStore(path)
	got, err := reloaded.Load("col")
	require.NoError(t, err)
	assert.Equal(t, files, got)
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))

	got, err := s.Load("col")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStoreLoadReturnsCopy(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, s.Save("col", model.FileStateMap{"p": {ContentHash: "h"}}))

	got, err := s.Load("col")
	require.NoError(t, err)
	got["p"] = model.FileState{ContentHash: "mutated"}

	again, err := s.Load("col")
	require.NoError(t, err)
	assert.Equal(t, "h", again["p"].ContentHash)
}

func TestFileStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStore(path)

	require.NoError(t, s.Save("a", model.FileStateMap{"p": {ContentHash: "h"}}))
	require.NoError(t, s.Save("b", model.FileStateMap{"q": {ContentHash: "h"}}))
	require.NoError(t, s.Delete("a"))
	// Deleting an unknown collection is a no-op.
	require.NoError(t, s.Delete("missing"))

	reloaded := NewFileStore(path)
	a, err := reloaded.Load("a")
	require.NoError(t, err)
	assert.Empty(t, a)
	b, err := reloaded.Load("b")
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := NewFileStore(path)
	_, err := s.Load("col")
	require.Error(t, err)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, s.Save("col", model.FileStateMap{"p": {ContentHash: "h"}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}
