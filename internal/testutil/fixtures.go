// Package testutil provides shared fixtures for the serializer and sync
// tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colsync/colsyncd/internal/model"
	"github.com/colsync/colsyncd/internal/store"
)

// Stable IDs for the fixture tree. Tests assert on file paths derived from
// these, so they must not change.
const (
	CollectionID  = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	AuthFolderID  = "16fd2706-8baf-433b-82eb-8c7fada847da"
	TokensID      = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	LoginID       = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
	PingID        = "6ba7b812-9dad-11d1-80b4-00c04fd430c8"
	EnvironmentID = "6ba7b814-9dad-11d1-80b4-00c04fd430c8"
)

// SeedCollection populates st with a small but representative tree:
//
//	My API
//	├── Auth/
//	│   ├── Tokens/
//	│   │   └── Login
//	└── Ping
//
// Ping sits before the Auth folder in the sibling order. The collection is
// sync-enabled and dirty, linked to one vault-backed environment.
func SeedCollection(t *testing.T, st store.Store) *model.Collection {
	t.Helper()
	ctx := context.Background()

	env := &model.Environment{
		ID:          EnvironmentID,
		WorkspaceID: "",
		Name:        "Staging",
		VaultPath:   "envs/staging",
		VaultSynced: true,
	}
	require.NoError(t, st.Environments().Create(ctx, env))

	col := &model.Collection{
		ID:                   CollectionID,
		Name:                 "My API",
		Description:          "fixture collection",
		Variables:            json.RawMessage(`{"base_url":"https://api.example.com"}`),
		EnvironmentIDs:       []string{EnvironmentID},
		DefaultEnvironmentID: EnvironmentID,
		SyncEnabled:          true,
		IsDirty:              true,
	}
	require.NoError(t, st.Collections().Create(ctx, col))

	folders := []*model.Folder{
		{ID: AuthFolderID, CollectionID: CollectionID, Name: "Auth", Order: 1},
		{ID: TokensID, CollectionID: CollectionID, ParentID: AuthFolderID, Name: "Tokens", Order: 0},
	}
	for _, f := range folders {
		require.NoError(t, st.Folders().Create(ctx, f))
	}

	requests := []*model.Request{
		{
			ID:           PingID,
			CollectionID: CollectionID,
			Name:         "Ping",
			Method:       "GET",
			URL:          "{{base_url}}/ping",
			Order:        0,
		},
		{
			ID:           LoginID,
			CollectionID: CollectionID,
			FolderID:     TokensID,
			Name:         "Login",
			Method:       "POST",
			URL:          "{{base_url}}/auth/login",
			Headers:      []model.Header{{Name: "Content-Type", Value: "application/json", Enabled: true}},
			Body:         model.Body{Type: "json", Content: `{"user":"alice"}`},
			Order:        0,
		},
	}
	for _, r := range requests {
		require.NoError(t, st.Requests().Create(ctx, r))
	}

	return col
}
