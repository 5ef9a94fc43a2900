package githost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/colsync/colsyncd/internal/config"
	"github.com/colsync/colsyncd/internal/model"
)

const defaultGitHubBaseURL = "https://api.github.com"

// GitHub talks to a GitHub-style REST API. Multi-file commits use the git
// data API: new objects are staged bottom-up and the branch ref moves last,
// so a failure mid-sequence leaves no visible partial state.
type GitHub struct {
	baseURL string
	repo    string
	branch  string
	token   string
	client  *http.Client
}

// NewGitHub creates a provider for the configured repository.
func NewGitHub(cfg config.SyncConfig) *GitHub {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGitHubBaseURL
	}
	return &GitHub{
		baseURL: strings.TrimSuffix(base, "/"),
		repo:    cfg.Repository,
		branch:  cfg.Branch,
		token:   cfg.Token,
		client:  newHTTPClient(),
	}
}

func (g *GitHub) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
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
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request failed: %w", err)
	}
	return resp, nil
}

// decodeOrError consumes the response, decoding into out on success and
// converting any unexpected status into a StatusError with the server's
// message.
func decodeOrError(resp *http.Response, out any, okStatus ...int) error {
	defer func() {
		_ = resp.Body.Close()
	}()

	for _, s := range okStatus {
		if resp.StatusCode == s {
			if out == nil {
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		}
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(data))
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Message != "" {
		msg = parsed.Message
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// TestConnection checks the repository is visible to the token.
func (g *GitHub) TestConnection(ctx context.Context) error {
	resp, err := g.do(ctx, http.MethodGet, "/repos/"+g.repo, nil)
	if err != nil {
		return err
	}
	return decodeOrError(resp, nil, http.StatusOK)
}

type githubContentsEntry struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

// ListFiles lists mirror files directly under dir. A missing directory is an
// empty listing, not an error.
func (g *GitHub) ListFiles(ctx context.Context, dir string) ([]FileEntry, error) {
	resp, err := g.do(ctx, http.MethodGet, g.contentsReadPath(dir), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return []FileEntry{}, nil
	}

	var entries []githubContentsEntry
	if err := decodeOrError(resp, &entries, http.StatusOK); err != nil {
		return nil, err
	}

	files := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" || !IsMirrorFile(e.Name) {
			continue
		}
		files = append(files, FileEntry{Name: e.Name, Path: e.Path, SHA: e.SHA})
	}
	return files, nil
}

// ListDirectoryRecursive resolves the branch ref to its root tree and walks
// it recursively, filtered to the dir prefix.
func (g *GitHub) ListDirectoryRecursive(ctx context.Context, dir string) ([]model.RemoteTreeItem, error) {
	commitSHA, err := g.getRefSHA(ctx)
	if err != nil {
		return nil, err
	}
	if commitSHA == "" {
		return []model.RemoteTreeItem{}, nil
	}

	treeSHA, err := g.getCommitTreeSHA(ctx, commitSHA)
	if err != nil {
		return nil, err
	}

	resp, err := g.do(ctx, http.MethodGet, "/repos/"+g.repo+"/git/trees/"+treeSHA+"?recursive=1", nil)
	if err != nil {
		return nil, err
	}
	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
	}
	if err := decodeOrError(resp, &tree, http.StatusOK); err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(dir, "/") + "/"
	items := make([]model.RemoteTreeItem, 0)
	for _, e := range tree.Tree {
		if !strings.HasPrefix(e.Path, prefix) {
			continue
		}
		itemType := model.RemoteItemFile
		if e.Type == "tree" {
			itemType = model.RemoteItemDir
		}
		items = append(items, model.RemoteTreeItem{Type: itemType, Path: e.Path, SHA: e.SHA})
	}
	return items, nil
}

// GetFile fetches one file, or nil if it does not exist. The contents API
// does not expose per-file commit identity, so CommitSHA stays empty.
func (g *GitHub) GetFile(ctx context.Context, path string) (*File, error) {
	resp, err := g.do(ctx, http.MethodGet, g.contentsReadPath(path), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, nil
	}

	var entry githubContentsEntry
	if err := decodeOrError(resp, &entry, http.StatusOK); err != nil {
		return nil, err
	}

	content, err := decodeBase64(entry.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", path, err)
	}
	return &File{Content: content, SHA: entry.SHA}, nil
}

// CreateFile creates a new file on the branch.
func (g *GitHub) CreateFile(ctx context.Context, path, content, message string) (string, error) {
	return g.putContents(ctx, path, content, "", message)
}

// UpdateFile replaces a file gated on its last known blob SHA. GitHub
// answers 409 when the SHA is stale.
func (g *GitHub) UpdateFile(ctx context.Context, path, content, expectedSHA, message string) (string, error) {
	return g.putContents(ctx, path, content, expectedSHA, message)
}

func (g *GitHub) putContents(ctx context.Context, path, content, sha, message string) (string, error) {
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  g.branch,
	}
	if sha != "" {
		body["sha"] = sha
	}

	resp, err := g.do(ctx, http.MethodPut, g.contentsPath(path), body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusConflict {
		err := statusError(resp)
		return "", &ConflictError{Path: path, Message: err.Error()}
	}

	var result struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
	}
	if err := decodeOrError(resp, &result, http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	return result.Content.SHA, nil
}

// DeleteFile removes a file gated on its last known blob SHA.
func (g *GitHub) DeleteFile(ctx context.Context, path, sha, message string) error {
	body := map[string]any{
		"message": message,
		"sha":     sha,
		"branch":  g.branch,
	}
	resp, err := g.do(ctx, http.MethodDelete, g.contentsPath(path), body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		err := statusError(resp)
		return &ConflictError{Path: path, Message: err.Error()}
	}
	return decodeOrError(resp, nil, http.StatusOK)
}

// CommitMultipleFiles stages one commit over the current branch head:
// resolve ref, read its root tree, create a new tree layering the delta over
// that base, create a commit, then move the ref. The base_tree is required;
// a fresh tree would silently drop every unrelated file in the repository.
func (g *GitHub) CommitMultipleFiles(ctx context.Context, files map[string]string, message string, deletePaths []string) (string, error) {
	headSHA, err := g.getRefSHA(ctx)
	if err != nil {
		return "", err
	}
	if headSHA == "" {
		return "", &StatusError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("branch %s not found", g.branch)}
	}

	baseTreeSHA, err := g.getCommitTreeSHA(ctx, headSHA)
	if err != nil {
		return "", err
	}

	entries := make([]map[string]any, 0, len(files)+len(deletePaths))
	for _, path := range sortedKeys(files) {
		entries = append(entries, map[string]any{
			"path":    path,
			"mode":    "100644",
			"type":    "blob",
			"content": files[path],
		})
	}
	for _, path := range deletePaths {
		// A null sha marks the entry as deleted in the new tree.
		entries = append(entries, map[string]any{
			"path": path,
			"mode": "100644",
			"type": "blob",
			"sha":  nil,
		})
	}

	resp, err := g.do(ctx, http.MethodPost, "/repos/"+g.repo+"/git/trees", map[string]any{
		"base_tree": baseTreeSHA,
		"tree":      entries,
	})
	if err != nil {
		return "", err
	}
	var tree struct {
		SHA string `json:"sha"`
	}
	if err := decodeOrError(resp, &tree, http.StatusOK, http.StatusCreated); err != nil {
		return "", fmt.Errorf("failed to create tree: %w", err)
	}

	resp, err = g.do(ctx, http.MethodPost, "/repos/"+g.repo+"/git/commits", map[string]any{
		"message": message,
		"tree":    tree.SHA,
		"parents": []string{headSHA},
	})
	if err != nil {
		return "", err
	}
	var commit struct {
		SHA string `json:"sha"`
	}
	if err := decodeOrError(resp, &commit, http.StatusOK, http.StatusCreated); err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}

	resp, err = g.do(ctx, http.MethodPatch, "/repos/"+g.repo+"/git/refs/heads/"+g.branch, map[string]any{
		"sha": commit.SHA,
	})
	if err != nil {
		return "", err
	}
	if err := decodeOrError(resp, nil, http.StatusOK); err != nil {
		return "", fmt.Errorf("failed to update ref: %w", err)
	}

	return commit.SHA, nil
}

// getRefSHA resolves the branch head commit, or "" if the branch does not
// exist yet.
func (g *GitHub) getRefSHA(ctx context.Context) (string, error) {
	resp, err := g.do(ctx, http.MethodGet, "/repos/"+g.repo+"/git/ref/heads/"+g.branch, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return "", nil
	}
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := decodeOrError(resp, &ref, http.StatusOK); err != nil {
		return "", err
	}
	return ref.Object.SHA, nil
}

func (g *GitHub) getCommitTreeSHA(ctx context.Context, commitSHA string) (string, error) {
	resp, err := g.do(ctx, http.MethodGet, "/repos/"+g.repo+"/git/commits/"+commitSHA, nil)
	if err != nil {
		return "", err
	}
	var commit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := decodeOrError(resp, &commit, http.StatusOK); err != nil {
		return "", err
	}
	return commit.Tree.SHA, nil
}

// contentsPath builds a contents API path. Reads pin the branch with a ref
// query; writes carry the branch in the request body instead.
func (g *GitHub) contentsPath(path string) string {
	escaped := (&url.URL{Path: path}).EscapedPath()
	return "/repos/" + g.repo + "/contents/" + escaped
}

func (g *GitHub) contentsReadPath(path string) string {
	return g.contentsPath(path) + "?ref=" + url.QueryEscape(g.branch)
}

// decodeBase64 tolerates the line breaks GitHub inserts into encoded
// content.
func decodeBase64(s string) (string, error) {
	cleaned := strings.ReplaceAll(strings.ReplaceAll(s, "\n", ""), "\r", "")
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
