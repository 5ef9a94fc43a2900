package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/colsync/colsyncd/internal/model"
)

// contentHash fingerprints local file content.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// remoteFiles reduces a recursive listing to path→SHA for file entries.
// Directory entries carry no content identity and never participate in
// change detection.
func remoteFiles(items []model.RemoteTreeItem) map[string]string {
	files := make(map[string]string, len(items))
	for _, item := range items {
		if item.Type == model.RemoteItemFile {
			files[item.Path] = item.SHA
		}
	}
	return files
}

// driftedPaths compares tracked state against a fresh remote listing and
// returns every path that changed remotely: a tracked path whose SHA moved,
// a tracked path that disappeared, or a new path under the tracked prefix.
func driftedPaths(tracked model.FileStateMap, items []model.RemoteTreeItem) []string {
	remote := remoteFiles(items)

	var drifted []string
	for path, st := range tracked {
		sha, ok := remote[path]
		if !ok || sha != st.RemoteSHA {
			drifted = append(drifted, path)
		}
	}
	for path := range remote {
		if _, ok := tracked[path]; !ok {
			drifted = append(drifted, path)
		}
	}
	sort.Strings(drifted)
	return drifted
}

// hasRemoteFileChanges reports whether the remote listing diverges from the
// tracked state at all.
func hasRemoteFileChanges(tracked model.FileStateMap, items []model.RemoteTreeItem) bool {
	return len(driftedPaths(tracked, items)) > 0
}
