package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/colsync/colsyncd/internal/config"
	"github.com/colsync/colsyncd/internal/model"
)

const defaultGitLabBaseURL = "https://gitlab.com/api/v4"

// GitLab talks to a GitLab-style REST API. Multi-file commits are one
// declarative request: the commits endpoint takes an ordered action list and
// owns atomicity itself, but each file must be existence-checked first
// because create and update are distinct declared actions.
type GitLab struct {
	baseURL string
	project string
	branch  string
	token   string
	client  *http.Client
}

// NewGitLab creates a provider for the configured project.
func NewGitLab(cfg config.SyncConfig) *GitLab {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGitLabBaseURL
	}
	return &GitLab{
		baseURL: strings.TrimSuffix(base, "/"),
		project: cfg.Repository,
		branch:  cfg.Branch,
		token:   cfg.Token,
		client:  newHTTPClient(),
	}
}

func (g *GitLab) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("PRIVATE-TOKEN", g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitlab request failed: %w", err)
	}
	return resp, nil
}

func (g *GitLab) projectPath() string {
	return "/projects/" + url.PathEscape(g.project)
}

func (g *GitLab) filePath(path string) string {
	return g.projectPath() + "/repository/files/" + url.PathEscape(path)
}

// TestConnection checks the project is visible to the token.
func (g *GitLab) TestConnection(ctx context.Context) error {
	resp, err := g.do(ctx, http.MethodGet, g.projectPath(), nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil, http.StatusOK)
}

type gitlabTreeEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// listTree pages through the repository tree endpoint, following the
// X-Next-Page response header until it comes back empty.
func (g *GitLab) listTree(ctx context.Context, dir string, recursive bool) ([]gitlabTreeEntry, error) {
	var entries []gitlabTreeEntry
	page := "1"
	for page != "" {
		q := url.Values{}
		q.Set("path", dir)
		q.Set("ref", g.branch)
		q.Set("per_page", "100")
		q.Set("page", page)
		if recursive {
			q.Set("recursive", "true")
		}

		resp, err := g.do(ctx, http.MethodGet, g.projectPath()+"/repository/tree?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound {
			_ = resp.Body.Close()
			return []gitlabTreeEntry{}, nil
		}

		next := resp.Header.Get("X-Next-Page")
		var pageEntries []gitlabTreeEntry
		if err := decodeOrError(resp, &pageEntries, http.StatusOK); err != nil {
			return nil, err
		}
		entries = append(entries, pageEntries...)
		page = next
	}
	return entries, nil
}

// ListFiles lists mirror files directly under dir.
func (g *GitLab) ListFiles(ctx context.Context, dir string) ([]FileEntry, error) {
	entries, err := g.listTree(ctx, dir, false)
	if err != nil {
		return nil, err
	}
	files := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Type != "blob" || !IsMirrorFile(e.Name) {
			continue
		}
		files = append(files, FileEntry{Name: e.Name, Path: e.Path, SHA: e.ID})
	}
	return files, nil
}

// ListDirectoryRecursive lists every file and directory under dir.
func (g *GitLab) ListDirectoryRecursive(ctx context.Context, dir string) ([]model.RemoteTreeItem, error) {
	entries, err := g.listTree(ctx, dir, true)
	if err != nil {
		return nil, err
	}
	items := make([]model.RemoteTreeItem, 0, len(entries))
	for _, e := range entries {
		itemType := model.RemoteItemFile
		if e.Type == "tree" {
			itemType = model.RemoteItemDir
		}
		items = append(items, model.RemoteTreeItem{Type: itemType, Path: e.Path, SHA: e.ID})
	}
	return items, nil
}

// GetFile fetches one file, or nil if it does not exist. GitLab exposes the
// last commit that touched the file, which feeds the per-path commit
// identity in FileState.
func (g *GitLab) GetFile(ctx context.Context, path string) (*File, error) {
	resp, err := g.do(ctx, http.MethodGet, g.filePath(path)+"?ref="+url.QueryEscape(g.branch), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, nil
	}

	var file struct {
		Content      string `json:"content"`
		BlobID       string `json:"blob_id"`
		LastCommitID string `json:"last_commit_id"`
	}
	if err := decodeOrError(resp, &file, http.StatusOK); err != nil {
		return nil, err
	}

	content, err := decodeBase64(file.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", path, err)
	}
	return &File{Content: content, SHA: file.BlobID, CommitSHA: file.LastCommitID}, nil
}

// CreateFile creates a new file on the branch and returns its blob SHA.
func (g *GitLab) CreateFile(ctx context.Context, path, content, message string) (string, error) {
	body := map[string]any{
		"branch":         g.branch,
		"content":        content,
		"commit_message": message,
	}
	resp, err := g.do(ctx, http.MethodPost, g.filePath(path), body)
	if err != nil {
		return "", err
	}
	if err := decodeOrError(resp, nil, http.StatusCreated); err != nil {
		return "", err
	}
	return g.blobSHA(ctx, path)
}

// UpdateFile replaces a file gated on the commit that last touched it.
// GitLab rejects a stale last_commit_id with a 400, which is surfaced as a
// ConflictError.
func (g *GitLab) UpdateFile(ctx context.Context, path, content, expectedSHA, message string) (string, error) {
	body := map[string]any{
		"branch":         g.branch,
		"content":        content,
		"commit_message": message,
	}
	if expectedSHA != "" {
		body["last_commit_id"] = expectedSHA
	}
	resp, err := g.do(ctx, http.MethodPut, g.filePath(path), body)
	if err != nil {
		return "", err
	}
	if err := g.writeError(resp, path, http.StatusOK); err != nil {
		return "", err
	}
	return g.blobSHA(ctx, path)
}

// DeleteFile removes a file gated on the commit that last touched it.
func (g *GitLab) DeleteFile(ctx context.Context, path, sha, message string) error {
	body := map[string]any{
		"branch":         g.branch,
		"commit_message": message,
	}
	if sha != "" {
		body["last_commit_id"] = sha
	}
	resp, err := g.do(ctx, http.MethodDelete, g.filePath(path), body)
	if err != nil {
		return err
	}
	return g.writeError(resp, path, http.StatusOK, http.StatusNoContent)
}

// writeError classifies a files-endpoint write response. A 409 always means
// the optimistic gate lost; GitLab also reports a stale last_commit_id as a
// 400, sharing the status with plain validation failures, so the 400 case is
// told apart by the server's message.
func (g *GitLab) writeError(resp *http.Response, path string, okStatus ...int) error {
	err := decodeOrError(resp, nil, okStatus...)
	if err == nil {
		return nil
	}
	var serr *StatusError
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.StatusCode {
	case http.StatusConflict:
		return &ConflictError{Path: path, Message: serr.Message}
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(serr.Message), "has changed since") {
			return &ConflictError{Path: path, Message: serr.Message}
		}
	}
	return err
}

// CommitMultipleFiles submits one commit with an ordered action list. Every
// written path is existence-checked first so the action can be declared as
// create or update; those checks are sequential, the commit itself is
// atomic on the server.
func (g *GitLab) CommitMultipleFiles(ctx context.Context, files map[string]string, message string, deletePaths []string) (string, error) {
	type action struct {
		Action   string `json:"action"`
		FilePath string `json:"file_path"`
		Content  string `json:"content,omitempty"`
	}

	actions := make([]action, 0, len(files)+len(deletePaths))
	for _, path := range sortedKeys(files) {
		exists, err := g.fileExists(ctx, path)
		if err != nil {
			return "", err
		}
		act := "create"
		if exists {
			act = "update"
		}
		actions = append(actions, action{Action: act, FilePath: path, Content: files[path]})
	}
	for _, path := range deletePaths {
		actions = append(actions, action{Action: "delete", FilePath: path})
	}

	body := map[string]any{
		"branch":         g.branch,
		"commit_message": message,
		"actions":        actions,
	}
	resp, err := g.do(ctx, http.MethodPost, g.projectPath()+"/repository/commits", body)
	if err != nil {
		return "", err
	}
	var commit struct {
		ID string `json:"id"`
	}
	if err := decodeOrError(resp, &commit, http.StatusCreated, http.StatusOK); err != nil {
		return "", fmt.Errorf("failed to commit files: %w", err)
	}
	return commit.ID, nil
}

// fileExists probes file metadata with a HEAD request.
func (g *GitLab) fileExists(ctx context.Context, path string) (bool, error) {
	resp, err := g.do(ctx, http.MethodHead, g.filePath(path)+"?ref="+url.QueryEscape(g.branch), nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &StatusError{StatusCode: resp.StatusCode, Message: "unexpected response probing " + path}
	}
}

// blobSHA re-reads file metadata to get the blob SHA of the version just
// written; the single-file write endpoints return only the path and branch.
func (g *GitLab) blobSHA(ctx context.Context, path string) (string, error) {
	file, err := g.GetFile(ctx, path)
	if err != nil {
		return "", err
	}
	if file == nil {
		return "", &StatusError{StatusCode: http.StatusNotFound, Message: "file missing after write: " + path}
	}
	return file.SHA, nil
}
