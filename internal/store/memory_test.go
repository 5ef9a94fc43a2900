package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colsync/colsyncd/internal/model"
)

func TestMemoryFindByIDAbsence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	c, err := m.Collections().FindByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, c)

	r, err := m.Requests().FindByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, r)

	e, err := m.Environments().FindByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestMemoryOrderingWithInsertionTiebreak(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Same order value: insertion sequence decides.
	require.NoError(t, m.Requests().Create(ctx, &model.Request{ID: "r-b", CollectionID: "col", Order: 1}))
	require.NoError(t, m.Requests().Create(ctx, &model.Request{ID: "r-a", CollectionID: "col", Order: 1}))
	require.NoError(t, m.Requests().Create(ctx, &model.Request{ID: "r-first", CollectionID: "col", Order: 0}))

	requests, err := m.Requests().FindByCollection(ctx, "col")
	require.NoError(t, err)
	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"r-first", "r-b", "r-a"}, ids)
}

func TestMemoryRemoveCollectionCascades(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Collections().Create(ctx, &model.Collection{ID: "col"}))
	require.NoError(t, m.Folders().Create(ctx, &model.Folder{ID: "f", CollectionID: "col"}))
	require.NoError(t, m.Requests().Create(ctx, &model.Request{ID: "r", CollectionID: "col"}))

	require.NoError(t, m.Collections().Remove(ctx, "col"))

	folders, err := m.Folders().FindByCollection(ctx, "col")
	require.NoError(t, err)
	assert.Empty(t, folders)
	requests, err := m.Requests().FindByCollection(ctx, "col")
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestMemoryWithinTxRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Collections().Create(ctx, &model.Collection{ID: "keep", Name: "before"}))

	err := m.WithinTx(ctx, func(tx Store) error {
		if err := tx.Collections().Create(ctx, &model.Collection{ID: "doomed"}); err != nil {
			return err
		}
		kept, err := tx.Collections().FindByID(ctx, "keep")
		if err != nil {
			return err
		}
		kept.Name = "mutated"
		if err := tx.Collections().Update(ctx, kept); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.EqualError(t, err, "boom")

	doomed, err := m.Collections().FindByID(ctx, "doomed")
	require.NoError(t, err)
	assert.Nil(t, doomed)

	kept, err := m.Collections().FindByID(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "before", kept.Name)
}

func TestMemoryWithinTxCommits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.WithinTx(ctx, func(tx Store) error {
		return tx.Collections().Create(ctx, &model.Collection{ID: "col", Name: "committed"})
	}))

	col, err := m.Collections().FindByID(ctx, "col")
	require.NoError(t, err)
	require.NotNil(t, col)
	assert.Equal(t, "committed", col.Name)
}

func TestMemoryFindByWorkspaceFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Collections().Create(ctx, &model.Collection{ID: "a", WorkspaceID: "ws-1"}))
	require.NoError(t, m.Collections().Create(ctx, &model.Collection{ID: "b", WorkspaceID: "ws-2"}))
	require.NoError(t, m.Environments().Create(ctx, &model.Environment{ID: "e", WorkspaceID: "ws-1"}))

	cols, err := m.Collections().FindByWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "a", cols[0].ID)

	envs, err := m.Environments().FindByWorkspace(ctx, "ws-2")
	require.NoError(t, err)
	assert.Empty(t, envs)
}
