// Package state persists the sync engine's only memory of prior remote
// state: per-collection maps of path fingerprints. The snapshot is not
// derivable from the local database, so it must survive across sessions.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/colsync/colsyncd/internal/model"
)

// Store loads and persists per-collection file state.
type Store interface {
	// Load returns the tracked state for a collection; an empty map if the
	// collection has never synced.
	Load(collectionID string) (model.FileStateMap, error)
	// Save replaces the tracked state for a collection.
	Save(collectionID string, files model.FileStateMap) error
	// Delete removes all tracked state for a collection.
	Delete(collectionID string) error
}

// snapshot is the on-disk layout.
type snapshot struct {
	Collections map[string]model.FileStateMap `json:"collections"`
}

// FileStore keeps the snapshot in one JSON file, replaced atomically on
// every save so a crash never leaves a torn state file.
type FileStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	snap   snapshot
}

// NewFileStore creates a store backed by the given file path. The file is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}
	s.snap = snapshot{Collections: make(map[string]model.FileStateMap)}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.snap); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if s.snap.Collections == nil {
		s.snap.Collections = make(map[string]model.FileStateMap)
	}
	s.loaded = true
	return nil
}

// Load returns a copy of the tracked state for a collection.
func (s *FileStore) Load(collectionID string) (model.FileStateMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	files, ok := s.snap.Collections[collectionID]
	if !ok {
		return model.FileStateMap{}, nil
	}
	return files.Clone(), nil
}

// Save replaces the tracked state for a collection and persists the whole
// snapshot.
func (s *FileStore) Save(collectionID string, files model.FileStateMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.snap.Collections[collectionID] = files.Clone()
	return s.persist()
}

// Delete removes all tracked state for a collection.
func (s *FileStore) Delete(collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	if _, ok := s.snap.Collections[collectionID]; !ok {
		return nil
	}
	delete(s.snap.Collections, collectionID)
	return s.persist()
}

// persist writes the snapshot to a temp file and renames it into place.
func (s *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".colsyncd-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]model.FileStateMap
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]model.FileStateMap)}
}

func (s *MemoryStore) Load(collectionID string) (model.FileStateMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.collections[collectionID]
	if !ok {
		return model.FileStateMap{}, nil
	}
	return files.Clone(), nil
}

func (s *MemoryStore) Save(collectionID string, files model.FileStateMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collectionID] = files.Clone()
	return nil
}

func (s *MemoryStore) Delete(collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collectionID)
	return nil
}
