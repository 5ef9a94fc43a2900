package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colsync/colsyncd/internal/config"
	"github.com/colsync/colsyncd/internal/githost"
	"github.com/colsync/colsyncd/internal/model"
	"github.com/colsync/colsyncd/internal/secrets"
	"github.com/colsync/colsyncd/internal/serializer"
	"github.com/colsync/colsyncd/internal/state"
	"github.com/colsync/colsyncd/internal/store"
	"github.com/colsync/colsyncd/internal/testutil"
)

// fakeProvider is an in-memory githost.Provider. Blob identity is a content
// hash, commit identity a counter, matching the semantics the real backends
// provide.
type fakeProvider struct {
	files        map[string]string // path -> content
	fileCommit   map[string]string // path -> commit that last touched it
	commits      int
	getFileCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		files:      make(map[string]string),
		fileCommit: make(map[string]string),
	}
}

func blobSHA(content string) string {
	sum := sha256.Sum256([]byte("blob:" + content))
	return hex.EncodeToString(sum[:8])
}

func (f *fakeProvider) nextCommit() string {
	f.commits++
	return fmt.Sprintf("commit-%d", f.commits)
}

func (f *fakeProvider) TestConnection(context.Context) error { return nil }

func (f *fakeProvider) ListFiles(_ context.Context, dir string) ([]githost.FileEntry, error) {
	var entries []githost.FileEntry
	for path := range f.files {
		if !strings.HasPrefix(path, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(path, dir+"/")
		if strings.Contains(rest, "/") || !githost.IsMirrorFile(path) {
			continue
		}
		entries = append(entries, githost.FileEntry{Name: rest, Path: path, SHA: blobSHA(f.files[path])})
	}
	return entries, nil
}

func (f *fakeProvider) ListDirectoryRecursive(_ context.Context, dir string) ([]model.RemoteTreeItem, error) {
	var items []model.RemoteTreeItem
	dirs := make(map[string]bool)
	for path, content := range f.files {
		if !strings.HasPrefix(path, dir+"/") {
			continue
		}
		items = append(items, model.RemoteTreeItem{Type: model.RemoteItemFile, Path: path, SHA: blobSHA(content)})
		for d := path; ; {
			d = d[:strings.LastIndex(d, "/")]
			if d == dir || dirs[d] {
				break
			}
			dirs[d] = true
		}
	}
	for d := range dirs {
		items = append(items, model.RemoteTreeItem{Type: model.RemoteItemDir, Path: d, SHA: "tree-" + d})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func (f *fakeProvider) GetFile(_ context.Context, path string) (*githost.File, error) {
	f.getFileCalls++
	content, ok := f.files[path]
	if !ok {
		return nil, nil
	}
	return &githost.File{Content: content, SHA: blobSHA(content), CommitSHA: f.fileCommit[path]}, nil
}

func (f *fakeProvider) CreateFile(_ context.Context, path, content, _ string) (string, error) {
	if _, exists := f.files[path]; exists {
		return "", &githost.ConflictError{Path: path, Message: "already exists"}
	}
	f.files[path] = content
	f.fileCommit[path] = f.nextCommit()
	return blobSHA(content), nil
}

func (f *fakeProvider) UpdateFile(_ context.Context, path, content, expectedSHA, _ string) (string, error) {
	current, exists := f.files[path]
	if !exists {
		return "", &githost.StatusError{StatusCode: 404, Message: "not found"}
	}
	if expectedSHA != blobSHA(current) && expectedSHA != f.fileCommit[path] {
		return "", &githost.ConflictError{Path: path, Message: "stale expected sha"}
	}
	f.files[path] = content
	f.fileCommit[path] = f.nextCommit()
	return blobSHA(content), nil
}

func (f *fakeProvider) DeleteFile(_ context.Context, path, sha, _ string) error {
	current, exists := f.files[path]
	if !exists {
		return &githost.StatusError{StatusCode: 404, Message: "not found"}
	}
	if sha != blobSHA(current) {
		return &githost.ConflictError{Path: path, Message: "stale sha"}
	}
	delete(f.files, path)
	delete(f.fileCommit, path)
	return nil
}

func (f *fakeProvider) CommitMultipleFiles(_ context.Context, files map[string]string, _ string, deletePaths []string) (string, error) {
	commit := f.nextCommit()
	for path, content := range files {
		f.files[path] = content
		f.fileCommit[path] = commit
	}
	for _, path := range deletePaths {
		delete(f.files, path)
		delete(f.fileCommit, path)
	}
	return commit, nil
}

// seed a path directly, as if another client committed it.
func (f *fakeProvider) put(path, content string) {
	f.files[path] = content
	f.fileCommit[path] = f.nextCommit()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(st store.Store, fake *fakeProvider) *Service {
	cfg := &config.Config{
		Sync: config.SyncConfig{
			Provider:   config.ProviderGitHub,
			Repository: "acme/collections",
			Token:      "test-token",
			Branch:     "main",
		},
	}
	logger := testLogger()
	ser := serializer.New(st, secrets.NewRegexScanner(), logger)
	svc := NewService(cfg, st, state.NewMemoryStore(), ser, logger)
	svc.newProvider = func(config.SyncConfig) (githost.Provider, error) { return fake, nil }
	return svc
}

// seedRemote serializes the fixture tree from a scratch store into the fake
// provider, as if another installation had pushed it.
func seedRemote(t *testing.T, fake *fakeProvider) {
	t.Helper()
	scratch := store.NewMemory()
	col := testutil.SeedCollection(t, scratch)
	ser := serializer.New(scratch, secrets.NewRegexScanner(), testLogger())
	files, err := ser.SerializeCollection(context.Background(), col, serializer.Options{})
	require.NoError(t, err)
	for path, content := range files {
		fake.put(path, content)
	}
}

func TestPullCollectionImportsRemote(t *testing.T) {
	fake := newFakeProvider()
	seedRemote(t, fake)

	st := store.NewMemory()
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PullCollection(ctx, "", testutil.CollectionID))

	col, err := st.Collections().FindByID(ctx, testutil.CollectionID)
	require.NoError(t, err)
	require.NotNil(t, col)
	assert.Equal(t, "My API", col.Name)
	assert.False(t, col.IsDirty)
	assert.True(t, col.SyncEnabled)

	tracked, err := svc.states.Load(testutil.CollectionID)
	require.NoError(t, err)
	assert.Len(t, tracked, len(fake.files))
	for path, st := range tracked {
		assert.Equal(t, blobSHA(fake.files[path]), st.RemoteSHA, path)
	}
}

func TestPullCollectionUnchangedRemoteIsNoOp(t *testing.T) {
	fake := newFakeProvider()
	seedRemote(t, fake)

	st := store.NewMemory()
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PullCollection(ctx, "", testutil.CollectionID))

	downloads := fake.getFileCalls
	require.NoError(t, svc.PullCollection(ctx, "", testutil.CollectionID))
	assert.Equal(t, downloads, fake.getFileCalls, "unchanged remote must not download anything")
}

func TestPullCollectionMissingOnRemoteIsSkipped(t *testing.T) {
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, newFakeProvider())

	require.NoError(t, svc.PullCollection(context.Background(), "", testutil.CollectionID))
}

func TestPullCollectionForgetsStateWhenRemoteDeleted(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))

	// Another client deleted the whole directory.
	fake.files = make(map[string]string)
	fake.fileCommit = make(map[string]string)

	require.NoError(t, svc.PullCollection(ctx, "", testutil.CollectionID))

	tracked, err := svc.states.Load(testutil.CollectionID)
	require.NoError(t, err)
	assert.Empty(t, tracked, "tracked state must not outlive the remote directory")

	// With the stale fingerprints gone the next push recreates the tree
	// instead of reporting every path as drifted.
	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))
	assert.NotEmpty(t, fake.files)
}

func TestPullSyncsOnlyEnabledCollections(t *testing.T) {
	fake := newFakeProvider()
	seedRemote(t, fake)

	st := store.NewMemory()
	svc := newTestService(st, fake)
	ctx := context.Background()

	disabled := &model.Collection{
		ID:   "99999999-9999-4999-8999-999999999999",
		Name: "Local only",
	}
	require.NoError(t, st.Collections().Create(ctx, disabled))

	require.NoError(t, svc.Pull(ctx, ""))

	// The disabled collection never hit the provider; the fixture collection
	// was not yet known locally, so a full pull leaves it alone too.
	got, err := st.Collections().FindByID(ctx, testutil.CollectionID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPushCollectionCommitsAndTracks(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))

	assert.Contains(t, fake.files, testutil.CollectionID+"/"+serializer.CollectionMetaFile)
	assert.Contains(t, fake.files, testutil.CollectionID+"/"+testutil.PingID+".yaml")

	col, err := st.Collections().FindByID(ctx, testutil.CollectionID)
	require.NoError(t, err)
	assert.False(t, col.IsDirty)
	assert.Equal(t, "commit-1", col.RemoteSHA)

	tracked, err := svc.states.Load(testutil.CollectionID)
	require.NoError(t, err)
	assert.Len(t, tracked, len(fake.files))
	for path, fs := range tracked {
		assert.Equal(t, "commit-1", fs.CommitSHA, path)
		assert.Equal(t, blobSHA(fake.files[path]), fs.RemoteSHA, path)
	}
}

func TestPushCollectionConflictsOnDrift(t *testing.T) {
	metaPath := testutil.CollectionID + "/" + serializer.CollectionMetaFile
	strayPath := testutil.CollectionID + "/55555555-5555-4555-8555-555555555555.yaml"

	cases := []struct {
		name  string
		drift func(fake *fakeProvider)
		path  string
	}{
		{
			name:  "changed file",
			drift: func(f *fakeProvider) { f.put(metaPath, "id: tampered\n") },
			path:  metaPath,
		},
		{
			name:  "deleted file",
			drift: func(f *fakeProvider) { delete(f.files, metaPath) },
			path:  metaPath,
		},
		{
			name:  "new untracked file",
			drift: func(f *fakeProvider) { f.put(strayPath, "id: stray\n") },
			path:  strayPath,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeProvider()
			st := store.NewMemory()
			testutil.SeedCollection(t, st)
			svc := newTestService(st, fake)
			ctx := context.Background()

			require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))
			tc.drift(fake)

			err := svc.PushCollection(ctx, "", testutil.CollectionID)
			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, testutil.CollectionID, conflict.CollectionID)
			assert.Contains(t, conflict.Paths, tc.path)
		})
	}
}

func TestPushCollectionDeletesRemovedFiles(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))
	pingPath := testutil.CollectionID + "/" + testutil.PingID + ".yaml"
	require.Contains(t, fake.files, pingPath)

	require.NoError(t, st.Requests().RemoveByCollection(ctx, testutil.CollectionID))
	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))

	assert.NotContains(t, fake.files, pingPath)
	tracked, err := svc.states.Load(testutil.CollectionID)
	require.NoError(t, err)
	assert.NotContains(t, tracked, pingPath)
}

func TestPushAllSkipsCleanCollections(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	col := testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	col.IsDirty = false
	require.NoError(t, st.Collections().Update(ctx, col))

	require.NoError(t, svc.PushAll(ctx, ""))
	assert.Empty(t, fake.files, "clean collections must not be pushed")
}

func TestPushRequestUpdatesSingleFile(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))
	filesBefore := len(fake.files)

	// Local edit to one request, then a targeted push.
	login, err := st.Requests().FindByID(ctx, testutil.LoginID)
	require.NoError(t, err)
	login.URL = "{{base_url}}/v2/auth/login"
	require.NoError(t, st.Requests().RemoveByCollection(ctx, testutil.CollectionID))
	require.NoError(t, st.Requests().Create(ctx, login))

	require.NoError(t, svc.PushRequest(ctx, "", testutil.CollectionID, testutil.LoginID))

	loginPath := testutil.CollectionID + "/" + testutil.AuthFolderID + "/" + testutil.TokensID + "/" + testutil.LoginID + ".yaml"
	assert.Contains(t, fake.files[loginPath], "/v2/auth/login")
	assert.Len(t, fake.files, filesBefore, "single-request push must not touch siblings")

	tracked, err := svc.states.Load(testutil.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, blobSHA(fake.files[loginPath]), tracked[loginPath].RemoteSHA)
}

func TestPushRequestConflictsWhenRemoteMoved(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))

	loginPath := testutil.CollectionID + "/" + testutil.AuthFolderID + "/" + testutil.TokensID + "/" + testutil.LoginID + ".yaml"
	fake.put(loginPath, "id: edited-elsewhere\n")

	err := svc.PushRequest(ctx, "", testutil.CollectionID, testutil.LoginID)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{loginPath}, conflict.Paths)
}

func TestForceKeepLocalOverwritesRemote(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))

	metaPath := testutil.CollectionID + "/" + serializer.CollectionMetaFile
	strayPath := testutil.CollectionID + "/66666666-6666-4666-8666-666666666666.yaml"
	fake.put(metaPath, "id: tampered\n")
	fake.put(strayPath, "id: stray\n")

	require.Error(t, svc.PushCollection(ctx, "", testutil.CollectionID))
	require.NoError(t, svc.ForceKeepLocal(ctx, "", testutil.CollectionID))

	assert.Contains(t, fake.files[metaPath], "name: My API")
	assert.NotContains(t, fake.files, strayPath, "remote-only files are removed")

	// Drift is gone: the next push sees a clean remote.
	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))
}

func TestForceKeepRemoteOverwritesLocal(t *testing.T) {
	fake := newFakeProvider()
	seedRemote(t, fake)

	st := store.NewMemory()
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PullCollection(ctx, "", testutil.CollectionID))

	// Local rename that will be discarded.
	col, err := st.Collections().FindByID(ctx, testutil.CollectionID)
	require.NoError(t, err)
	col.Name = "Renamed locally"
	col.IsDirty = true
	require.NoError(t, st.Collections().Update(ctx, col))

	require.NoError(t, svc.ForceKeepRemote(ctx, "", testutil.CollectionID))

	col, err = st.Collections().FindByID(ctx, testutil.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, "My API", col.Name)
	assert.False(t, col.IsDirty)
}

func TestForceKeepRemoteFailsWhenRemoteEmpty(t *testing.T) {
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, newFakeProvider())

	err := svc.ForceKeepRemote(context.Background(), "", testutil.CollectionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist on remote")
}

func TestDeleteRemoteCollection(t *testing.T) {
	fake := newFakeProvider()
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, fake)
	ctx := context.Background()

	require.NoError(t, svc.PushCollection(ctx, "", testutil.CollectionID))
	require.NotEmpty(t, fake.files)

	require.NoError(t, svc.DeleteRemoteCollection(ctx, "", testutil.CollectionID))

	assert.Empty(t, fake.files)

	col, err := st.Collections().FindByID(ctx, testutil.CollectionID)
	require.NoError(t, err)
	require.NotNil(t, col, "local copy survives")
	assert.False(t, col.SyncEnabled)
	assert.Empty(t, col.RemoteSHA)

	tracked, err := svc.states.Load(testutil.CollectionID)
	require.NoError(t, err)
	assert.Empty(t, tracked)
}

func TestConcurrentSyncOfSameCollectionIsRejected(t *testing.T) {
	st := store.NewMemory()
	testutil.SeedCollection(t, st)
	svc := newTestService(st, newFakeProvider())

	require.NoError(t, svc.acquire(testutil.CollectionID))
	defer svc.release(testutil.CollectionID)

	err := svc.PullCollection(context.Background(), "", testutil.CollectionID)
	require.ErrorIs(t, err, ErrSyncInProgress)

	// A different collection is unaffected.
	require.NoError(t, svc.acquire("other"))
	svc.release("other")
}

func TestDriftedPathsSorted(t *testing.T) {
	tracked := model.FileStateMap{
		"c/b.yaml": {RemoteSHA: "old"},
		"c/a.yaml": {RemoteSHA: "ok"},
	}
	items := []model.RemoteTreeItem{
		{Type: model.RemoteItemFile, Path: "c/a.yaml", SHA: "ok"},
		{Type: model.RemoteItemFile, Path: "c/b.yaml", SHA: "new"},
		{Type: model.RemoteItemFile, Path: "c/z.yaml", SHA: "added"},
		{Type: model.RemoteItemDir, Path: "c/sub", SHA: "tree"},
	}

	assert.Equal(t, []string{"c/b.yaml", "c/z.yaml"}, driftedPaths(tracked, items))
	assert.True(t, hasRemoteFileChanges(tracked, items))
	assert.False(t, hasRemoteFileChanges(model.FileStateMap{"c/a.yaml": {RemoteSHA: "ok"}},
		[]model.RemoteTreeItem{{Type: model.RemoteItemFile, Path: "c/a.yaml", SHA: "ok"}}))
}
