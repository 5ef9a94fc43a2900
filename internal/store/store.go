// Package store provides the repository collaborators the sync engine
// consumes: thin CRUD accessors over collections, folders, requests and
// environments, plus the transaction boundary imports run inside.
//
// Absence is data: FindByID returns (nil, nil) for a missing row.
package store

import (
	"context"

	"github.com/colsync/colsyncd/internal/model"
)

// Collections accesses the collection table.
type Collections interface {
	FindByID(ctx context.Context, id string) (*model.Collection, error)
	FindByWorkspace(ctx context.Context, workspaceID string) ([]model.Collection, error)
	Create(ctx context.Context, c *model.Collection) error
	Update(ctx context.Context, c *model.Collection) error
	Remove(ctx context.Context, id string) error
}

// Folders accesses the folder table. FindByCollection returns rows ordered
// by sibling order, ties broken by insertion.
type Folders interface {
	FindByCollection(ctx context.Context, collectionID string) ([]model.Folder, error)
	Create(ctx context.Context, f *model.Folder) error
	RemoveByCollection(ctx context.Context, collectionID string) error
}

// Requests accesses the request table. FindByCollection returns rows ordered
// by sibling order, ties broken by insertion.
type Requests interface {
	FindByID(ctx context.Context, id string) (*model.Request, error)
	FindByCollection(ctx context.Context, collectionID string) ([]model.Request, error)
	Create(ctx context.Context, r *model.Request) error
	RemoveByCollection(ctx context.Context, collectionID string) error
}

// Environments accesses the environment table.
type Environments interface {
	FindByID(ctx context.Context, id string) (*model.Environment, error)
	FindByWorkspace(ctx context.Context, workspaceID string) ([]model.Environment, error)
	Create(ctx context.Context, e *model.Environment) error
}

// Store bundles the repositories behind one transaction boundary. WithinTx
// runs fn against a transactional view; any error rolls the whole unit back.
type Store interface {
	Collections() Collections
	Folders() Folders
	Requests() Requests
	Environments() Environments
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}
