// Package model holds the domain entities shared by the serializer, the
// sync service and the local store.
package model

import "encoding/json"

// Collection is the root of a request tree.
type Collection struct {
	ID                   string          `json:"id"`
	WorkspaceID          string          `json:"workspace_id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	Variables            json.RawMessage `json:"variables,omitempty"`
	EnvironmentIDs       []string        `json:"environment_ids,omitempty"`
	DefaultEnvironmentID string          `json:"default_environment_id,omitempty"`
	Order                int             `json:"order"`
	SyncEnabled          bool            `json:"sync_enabled"`
	IsDirty              bool            `json:"is_dirty"`
	// RemoteSHA is the commit that produced the last synced remote state.
	// Empty until the first successful push or pull.
	RemoteSHA string `json:"remote_sha,omitempty"`
}

// Folder groups requests inside a collection. A folder with an empty
// ParentID sits directly under the collection root.
type Folder struct {
	ID           string `json:"id"`
	CollectionID string `json:"collection_id"`
	ParentID     string `json:"parent_id,omitempty"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Order        int    `json:"order"`
}

// Header is a single request header.
type Header struct {
	Name    string `json:"name" yaml:"name"`
	Value   string `json:"value" yaml:"value"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// QueryParam is a single query string parameter.
type QueryParam struct {
	Name    string `json:"name" yaml:"name"`
	Value   string `json:"value" yaml:"value"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// FormField is one entry of a form-encoded or multipart body. Filename is
// only set for file entries.
type FormField struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Filename string `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// BodyTypeFormData marks multipart bodies whose file fields reference the
// local file system and must be stripped before leaving the machine.
const BodyTypeFormData = "form-data"

// Body is a request payload.
type Body struct {
	Type    string      `json:"type,omitempty" yaml:"type,omitempty"`
	Content string      `json:"content,omitempty" yaml:"content,omitempty"`
	Form    []FormField `json:"form,omitempty" yaml:"form,omitempty"`
}

// Auth describes request authentication. Params is type-specific.
type Auth struct {
	Type   string            `json:"type,omitempty" yaml:"type,omitempty"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Scripts holds the hooks run around a request.
type Scripts struct {
	PreRequest  string `json:"pre_request,omitempty" yaml:"pre_request,omitempty"`
	PostRequest string `json:"post_request,omitempty" yaml:"post_request,omitempty"`
}

// Request is a single saved HTTP request.
type Request struct {
	ID           string       `json:"id"`
	CollectionID string       `json:"collection_id"`
	FolderID     string       `json:"folder_id,omitempty"`
	Name         string       `json:"name"`
	Method       string       `json:"method"`
	URL          string       `json:"url"`
	Headers      []Header     `json:"headers,omitempty"`
	Params       []QueryParam `json:"params,omitempty"`
	Body         Body         `json:"body,omitempty"`
	Auth         Auth         `json:"auth,omitempty"`
	Scripts      Scripts      `json:"scripts,omitempty"`
	Order        int          `json:"order"`
}

// Environment is consumed read-mostly for reference resolution during
// import. VaultPath is set for vault-backed environments and acts as a
// content-addressable identity across installations.
type Environment struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Variables   json.RawMessage `json:"variables,omitempty"`
	VaultPath   string          `json:"vault_path,omitempty"`
	VaultSynced bool            `json:"vault_synced"`
}
