// Package githost abstracts the two supported git hosting REST APIs behind
// one contract. Only the concrete provider knows whether an atomic commit
// needs a tree-staging sequence or an action list.
package githost

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/colsync/colsyncd/internal/config"
	"github.com/colsync/colsyncd/internal/model"
)

// MirrorExtension is the only file extension tracked in the remote mirror.
const MirrorExtension = ".yaml"

// FileEntry describes one non-recursive directory listing entry.
type FileEntry struct {
	Name string
	Path string
	SHA  string
}

// File is the content and identity of one remote file. CommitSHA is only
// populated by hosts that expose per-file commit identity.
type File struct {
	Content   string
	SHA       string
	CommitSHA string
}

// Provider performs file-level and tree-level operations against a remote
// git hosting REST API. Absence of a file or directory is a normal state:
// GetFile returns nil and listings return empty slices on a 404, never an
// error.
type Provider interface {
	// TestConnection verifies the repository is reachable with the
	// configured credentials.
	TestConnection(ctx context.Context) error
	// ListFiles lists the mirror files directly under dir.
	ListFiles(ctx context.Context, dir string) ([]FileEntry, error)
	// ListDirectoryRecursive lists every file and directory under dir.
	ListDirectoryRecursive(ctx context.Context, dir string) ([]model.RemoteTreeItem, error)
	// GetFile fetches one file, or nil if it does not exist.
	GetFile(ctx context.Context, path string) (*File, error)
	// CreateFile creates a file that must not yet exist and returns its
	// new blob SHA.
	CreateFile(ctx context.Context, path, content, message string) (string, error)
	// UpdateFile replaces a file's content, gated on expectedSHA. A stale
	// expectedSHA surfaces as a ConflictError.
	UpdateFile(ctx context.Context, path, content, expectedSHA, message string) (string, error)
	// DeleteFile removes a file, gated on sha.
	DeleteFile(ctx context.Context, path, sha, message string) error
	// CommitMultipleFiles writes and deletes the given paths in one
	// atomic commit and returns the new commit SHA.
	CommitMultipleFiles(ctx context.Context, files map[string]string, message string, deletePaths []string) (string, error)
}

// New returns the provider matching the configured host.
func New(cfg config.SyncConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderGitHub:
		return NewGitHub(cfg), nil
	case config.ProviderGitLab:
		return NewGitLab(cfg), nil
	default:
		return nil, fmt.Errorf("unknown sync provider: %q", cfg.Provider)
	}
}

// ConflictError reports that the server rejected a write because the
// supplied expected-state token was stale.
type ConflictError struct {
	Path    string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict on %s: %s", e.Path, e.Message)
}

// StatusError is any other unexpected response from the host, carrying the
// server's own message.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// IsMirrorFile reports whether a path carries the tracked extension.
func IsMirrorFile(path string) bool {
	return strings.HasSuffix(path, MirrorExtension)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// sortedKeys keeps multi-file payload ordering deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
