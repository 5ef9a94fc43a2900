package model

// SerializedFile is one emitted mirror file: a forward-slash relative path
// rooted at "{collectionID}/" and its YAML text.
type SerializedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RemoteItemType distinguishes tree listing entries.
type RemoteItemType string

const (
	RemoteItemFile RemoteItemType = "file"
	RemoteItemDir  RemoteItemType = "dir"
)

// RemoteTreeItem is a lightweight remote listing entry used to detect drift
// without downloading content.
type RemoteTreeItem struct {
	Type RemoteItemType `json:"type"`
	Path string         `json:"path"`
	SHA  string         `json:"sha"`
}

// FileState is the engine's memory of one remote-tracked path at last sync.
// ContentHash fingerprints the last-known-synced local content. CommitSHA is
// only populated by hosts that expose per-file commit identity.
type FileState struct {
	ContentHash string `json:"content_hash"`
	RemoteSHA   string `json:"remote_sha,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
}

// FileStateMap tracks every synced path of one collection.
type FileStateMap map[string]FileState

// Clone returns a deep copy so callers can stage changes without mutating
// the persisted snapshot.
func (m FileStateMap) Clone() FileStateMap {
	out := make(FileStateMap, len(m))
	for p, s := range m {
		out[p] = s
	}
	return out
}
