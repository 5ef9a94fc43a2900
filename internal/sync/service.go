// Package sync orchestrates pull and push between the local store and the
// remote mirror: it decides what changed, moves content through the
// serializer and the git host provider, and owns the per-path FileState and
// the collection dirty/remote markers.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"

	"github.com/colsync/colsyncd/internal/config"
	"github.com/colsync/colsyncd/internal/githost"
	"github.com/colsync/colsyncd/internal/model"
	"github.com/colsync/colsyncd/internal/serializer"
	"github.com/colsync/colsyncd/internal/state"
	"github.com/colsync/colsyncd/internal/store"
)

// providerFactory builds a provider for resolved settings. Tests swap it
// for a fake.
type providerFactory func(cfg config.SyncConfig) (githost.Provider, error)

// Service is the remote sync engine. All mutations of FileState and of the
// collections' is_dirty/remote_sha markers happen here and nowhere else.
type Service struct {
	cfg         *config.Config
	store       store.Store
	states      state.Store
	ser         *serializer.Serializer
	logger      *slog.Logger
	newProvider providerFactory

	mu       gosync.Mutex
	inFlight map[string]bool
}

// NewService creates the sync service.
func NewService(cfg *config.Config, st store.Store, states state.Store, ser *serializer.Serializer, logger *slog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		store:       st,
		states:      states,
		ser:         ser,
		logger:      logger,
		newProvider: githost.New,
		inFlight:    make(map[string]bool),
	}
}

// IsConfigured reports whether the workspace (falling back to global
// settings) has a provider, repository and token.
func (s *Service) IsConfigured(workspaceID string) bool {
	return s.cfg.Resolve(workspaceID).IsConfigured()
}

// TestConnection verifies the configured repository is reachable.
func (s *Service) TestConnection(ctx context.Context, workspaceID string) error {
	provider, err := s.provider(workspaceID)
	if err != nil {
		return err
	}
	return provider.TestConnection(ctx)
}

func (s *Service) provider(workspaceID string) (githost.Provider, error) {
	resolved := s.cfg.Resolve(workspaceID)
	if !resolved.IsConfigured() {
		return nil, fmt.Errorf("remote sync is not configured for workspace %q", workspaceID)
	}
	return s.newProvider(resolved)
}

// acquire marks a collection sync in flight. Two syncs of the same
// collection must not overlap; different collections sync independently.
func (s *Service) acquire(collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[collectionID] {
		return fmt.Errorf("collection %s: %w", collectionID, ErrSyncInProgress)
	}
	s.inFlight[collectionID] = true
	return nil
}

func (s *Service) release(collectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, collectionID)
}

// Pull syncs every sync-enabled collection of the workspace from the
// remote. Collections that fail do not stop the others; their errors are
// joined.
func (s *Service) Pull(ctx context.Context, workspaceID string) error {
	collections, err := s.store.Collections().FindByWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	var errs []error
	for _, col := range collections {
		if !col.SyncEnabled {
			continue
		}
		if err := s.PullCollection(ctx, workspaceID, col.ID); err != nil {
			errs = append(errs, fmt.Errorf("pull %s: %w", col.ID, err))
		}
	}
	return errors.Join(errs...)
}

// PullCollection brings one collection up to date with the remote. When
// every tracked path matches the fresh listing, the pull is a no-op: no
// file is downloaded and neither local data nor FileState is touched.
func (s *Service) PullCollection(ctx context.Context, workspaceID, collectionID string) error {
	if err := s.acquire(collectionID); err != nil {
		return err
	}
	defer s.release(collectionID)

	provider, err := s.provider(workspaceID)
	if err != nil {
		return err
	}

	tracked, err := s.states.Load(collectionID)
	if err != nil {
		return err
	}

	items, err := provider.ListDirectoryRecursive(ctx, collectionID)
	if err != nil {
		return err
	}
	remote := remoteFiles(items)
	if len(remote) == 0 {
		if len(tracked) > 0 {
			// The tracked directory is gone remotely. Forget the stale
			// fingerprints so the next push recreates the tree instead of
			// reporting every path as drifted.
			if err := s.states.Delete(collectionID); err != nil {
				return err
			}
			s.logger.Info("collection removed on remote, forgetting tracked state", "collection", collectionID)
			return nil
		}
		s.logger.Info("collection not present on remote, skipping pull", "collection", collectionID)
		return nil
	}

	if !hasRemoteFileChanges(tracked, items) {
		s.logger.Debug("remote unchanged, skipping pull", "collection", collectionID)
		return nil
	}

	return s.importRemote(ctx, provider, workspaceID, collectionID, items)
}

// importRemote downloads every file under the collection prefix, imports
// the directory and rebuilds FileState from the fresh listing.
func (s *Service) importRemote(ctx context.Context, provider githost.Provider, workspaceID, collectionID string, items []model.RemoteTreeItem) error {
	remote := remoteFiles(items)

	files := make(map[string]string, len(remote))
	commitByPath := make(map[string]string, len(remote))
	for path := range remote {
		file, err := provider.GetFile(ctx, path)
		if err != nil {
			return err
		}
		if file == nil {
			// Listed a moment ago but gone now: the remote moved mid-pull.
			return &ConflictError{CollectionID: collectionID, Paths: []string{path}}
		}
		files[path] = file.Content
		commitByPath[path] = file.CommitSHA
	}

	existingID := ""
	existing, err := s.store.Collections().FindByID(ctx, collectionID)
	if err != nil {
		return err
	}
	if existing != nil {
		existingID = collectionID
	}

	importedID, err := s.ser.ImportDirectory(ctx, files, existingID, workspaceID)
	if err != nil {
		return err
	}

	newState := make(model.FileStateMap, len(remote))
	for path, sha := range remote {
		newState[path] = model.FileState{
			ContentHash: contentHash(files[path]),
			RemoteSHA:   sha,
			CommitSHA:   commitByPath[path],
		}
	}
	if err := s.states.Save(importedID, newState); err != nil {
		return err
	}

	col, err := s.store.Collections().FindByID(ctx, importedID)
	if err != nil {
		return err
	}
	if col != nil {
		col.IsDirty = false
		if sha := commitByPath[importedID+"/"+serializer.CollectionMetaFile]; sha != "" {
			col.RemoteSHA = sha
		}
		if err := s.store.Collections().Update(ctx, col); err != nil {
			return err
		}
	}

	s.logger.Info("collection pulled", "collection", importedID, "files", len(files))
	return nil
}

// PushCollection pushes one collection to the remote. Any remote drift
// against the tracked fingerprints aborts with a ConflictError naming every
// drifted path; nothing is committed partially.
func (s *Service) PushCollection(ctx context.Context, workspaceID, collectionID string) error {
	if err := s.acquire(collectionID); err != nil {
		return err
	}
	defer s.release(collectionID)

	provider, err := s.provider(workspaceID)
	if err != nil {
		return err
	}

	col, err := s.store.Collections().FindByID(ctx, collectionID)
	if err != nil {
		return err
	}
	if col == nil {
		return fmt.Errorf("collection %s not found", collectionID)
	}

	files, err := s.ser.SerializeCollection(ctx, col, serializer.Options{})
	if err != nil {
		return err
	}

	tracked, err := s.states.Load(collectionID)
	if err != nil {
		return err
	}

	items, err := provider.ListDirectoryRecursive(ctx, collectionID)
	if err != nil {
		return err
	}
	if drifted := driftedPaths(tracked, items); len(drifted) > 0 {
		return &ConflictError{CollectionID: collectionID, Paths: drifted}
	}

	return s.commitAndTrack(ctx, provider, col, files, deletedPaths(tracked, files),
		fmt.Sprintf("Update collection %q", col.Name))
}

// PushAll pushes every dirty, sync-enabled collection of the workspace.
func (s *Service) PushAll(ctx context.Context, workspaceID string) error {
	collections, err := s.store.Collections().FindByWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	var errs []error
	for _, col := range collections {
		if !col.SyncEnabled || !col.IsDirty {
			continue
		}
		if err := s.PushCollection(ctx, workspaceID, col.ID); err != nil {
			errs = append(errs, fmt.Errorf("push %s: %w", col.ID, err))
		}
	}
	return errors.Join(errs...)
}

// PushRequest pushes a single request file without touching its siblings.
// The optimistic gate is the freshly fetched file's own identity checked
// against the tracked fingerprint.
func (s *Service) PushRequest(ctx context.Context, workspaceID, collectionID, requestID string) error {
	if err := s.acquire(collectionID); err != nil {
		return err
	}
	defer s.release(collectionID)

	provider, err := s.provider(workspaceID)
	if err != nil {
		return err
	}

	col, err := s.store.Collections().FindByID(ctx, collectionID)
	if err != nil {
		return err
	}
	if col == nil {
		return fmt.Errorf("collection %s not found", collectionID)
	}

	files, err := s.ser.SerializeCollection(ctx, col, serializer.Options{})
	if err != nil {
		return err
	}
	path, content := "", ""
	for p, c := range files {
		if strings.HasSuffix(p, "/"+requestID+".yaml") {
			path, content = p, c
			break
		}
	}
	if path == "" {
		return fmt.Errorf("request %s not found in collection %s", requestID, collectionID)
	}

	tracked, err := s.states.Load(collectionID)
	if err != nil {
		return err
	}
	prior, known := tracked[path]

	remote, err := provider.GetFile(ctx, path)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("Update request %s", requestID)
	var newSHA string
	switch {
	case remote == nil && known:
		// Tracked but gone remotely: someone deleted it since last sync.
		return &ConflictError{CollectionID: collectionID, Paths: []string{path}}
	case remote == nil:
		newSHA, err = provider.CreateFile(ctx, path, content, message)
	case known && remote.SHA != prior.RemoteSHA:
		return &ConflictError{CollectionID: collectionID, Paths: []string{path}}
	default:
		expected := remote.CommitSHA
		if expected == "" {
			expected = remote.SHA
		}
		newSHA, err = provider.UpdateFile(ctx, path, content, expected, message)
	}
	if err != nil {
		var conflict *githost.ConflictError
		if errors.As(err, &conflict) {
			return &ConflictError{CollectionID: collectionID, Paths: []string{conflict.Path}}
		}
		return err
	}

	next := tracked.Clone()
	next[path] = model.FileState{ContentHash: contentHash(content), RemoteSHA: newSHA}
	return s.states.Save(collectionID, next)
}

// ForceKeepLocal resolves a conflict by re-pushing the local tree over
// whatever the remote holds, then rebuilding FileState so the next sync
// sees no drift.
func (s *Service) ForceKeepLocal(ctx context.Context, workspaceID, collectionID string) error {
	if err := s.acquire(collectionID); err != nil {
		return err
	}
	defer s.release(collectionID)

	provider, err := s.provider(workspaceID)
	if err != nil {
		return err
	}

	col, err := s.store.Collections().FindByID(ctx, collectionID)
	if err != nil {
		return err
	}
	if col == nil {
		return fmt.Errorf("collection %s not found", collectionID)
	}

	files, err := s.ser.SerializeCollection(ctx, col, serializer.Options{})
	if err != nil {
		return err
	}

	items, err := provider.ListDirectoryRecursive(ctx, collectionID)
	if err != nil {
		return err
	}
	var deletions []string
	for path := range remoteFiles(items) {
		if _, keep := files[path]; !keep {
			deletions = append(deletions, path)
		}
	}

	return s.commitAndTrack(ctx, provider, col, files, deletions,
		fmt.Sprintf("Resolve conflict in %q (keep local)", col.Name))
}

// ForceKeepRemote resolves a conflict by re-importing the remote tree over
// the local one, discarding local edits.
func (s *Service) ForceKeepRemote(ctx context.Context, workspaceID, collectionID string) error {
	if err := s.acquire(collectionID); err != nil {
		return err
	}
	defer s.release(collectionID)

	provider, err := s.provider(workspaceID)
	if err != nil {
		return err
	}

	items, err := provider.ListDirectoryRecursive(ctx, collectionID)
	if err != nil {
		return err
	}
	if len(remoteFiles(items)) == 0 {
		return fmt.Errorf("collection %s does not exist on remote", collectionID)
	}

	return s.importRemote(ctx, provider, workspaceID, collectionID, items)
}

// DeleteRemoteCollection removes the collection's directory from the remote
// and forgets its tracked state. The local collection stays, unsynced.
func (s *Service) DeleteRemoteCollection(ctx context.Context, workspaceID, collectionID string) error {
	if err := s.acquire(collectionID); err != nil {
		return err
	}
	defer s.release(collectionID)

	provider, err := s.provider(workspaceID)
	if err != nil {
		return err
	}

	items, err := provider.ListDirectoryRecursive(ctx, collectionID)
	if err != nil {
		return err
	}

	var paths []string
	for path := range remoteFiles(items) {
		paths = append(paths, path)
	}
	if len(paths) > 0 {
		col, err := s.store.Collections().FindByID(ctx, collectionID)
		if err != nil {
			return err
		}
		name := collectionID
		if col != nil {
			name = col.Name
		}
		if _, err := provider.CommitMultipleFiles(ctx, nil,
			fmt.Sprintf("Delete collection %q", name), paths); err != nil {
			return err
		}
	}

	if err := s.states.Delete(collectionID); err != nil {
		return err
	}

	col, err := s.store.Collections().FindByID(ctx, collectionID)
	if err != nil {
		return err
	}
	if col != nil {
		col.SyncEnabled = false
		col.RemoteSHA = ""
		if err := s.store.Collections().Update(ctx, col); err != nil {
			return err
		}
	}

	s.logger.Info("remote collection deleted", "collection", collectionID, "files", len(paths))
	return nil
}

// commitAndTrack performs the atomic multi-file commit and re-establishes
// FileState and the collection markers from the post-commit listing.
func (s *Service) commitAndTrack(ctx context.Context, provider githost.Provider, col *model.Collection, files map[string]string, deletions []string, message string) error {
	commitSHA, err := provider.CommitMultipleFiles(ctx, files, message, deletions)
	if err != nil {
		var conflict *githost.ConflictError
		if errors.As(err, &conflict) {
			return &ConflictError{CollectionID: col.ID, Paths: []string{conflict.Path}}
		}
		return err
	}

	// One extra listing captures the authoritative blob SHAs the commit
	// produced.
	items, err := provider.ListDirectoryRecursive(ctx, col.ID)
	if err != nil {
		return err
	}
	remote := remoteFiles(items)

	newState := make(model.FileStateMap, len(files))
	for path, content := range files {
		newState[path] = model.FileState{
			ContentHash: contentHash(content),
			RemoteSHA:   remote[path],
			CommitSHA:   commitSHA,
		}
	}
	if err := s.states.Save(col.ID, newState); err != nil {
		return err
	}

	col.IsDirty = false
	col.RemoteSHA = commitSHA
	if err := s.store.Collections().Update(ctx, col); err != nil {
		return err
	}

	s.logger.Info("collection pushed", "collection", col.ID,
		"files", len(files), "deleted", len(deletions), "commit", commitSHA)
	return nil
}

// deletedPaths lists tracked paths that are no longer part of the
// serialized tree and must be removed remotely with the push.
func deletedPaths(tracked model.FileStateMap, files map[string]string) []string {
	var deleted []string
	for path := range tracked {
		if _, ok := files[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	return deleted
}
