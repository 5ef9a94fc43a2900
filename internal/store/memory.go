package store

import (
	"context"
	"sort"
	"sync"

	"github.com/colsync/colsyncd/internal/model"
)

// Memory is an in-process store used by tests and ephemeral workspaces. All
// repositories share one mutex; WithinTx snapshots the maps and restores
// them if fn fails, giving the same all-or-nothing behavior as the SQL
// transaction.
type Memory struct {
	mu           sync.Mutex
	collections  map[string]model.Collection
	folders      map[string]model.Folder
	requests     map[string]model.Request
	environments map[string]model.Environment
	seq          int64
	seqs         map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections:  make(map[string]model.Collection),
		folders:      make(map[string]model.Folder),
		requests:     make(map[string]model.Request),
		environments: make(map[string]model.Environment),
		seqs:         make(map[string]int64),
	}
}

func (m *Memory) Collections() Collections   { return &memCollections{m} }
func (m *Memory) Folders() Folders           { return &memFolders{m} }
func (m *Memory) Requests() Requests         { return &memRequests{m} }
func (m *Memory) Environments() Environments { return &memEnvironments{m} }

// WithinTx snapshots state and rolls back on error. Nested calls reuse the
// outer snapshot.
func (m *Memory) WithinTx(_ context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	snapCollections := cloneMap(m.collections)
	snapFolders := cloneMap(m.folders)
	snapRequests := cloneMap(m.requests)
	snapEnvironments := cloneMap(m.environments)
	snapSeqs := cloneMap(m.seqs)
	snapSeq := m.seq
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.collections = snapCollections
		m.folders = snapFolders
		m.requests = snapRequests
		m.environments = snapEnvironments
		m.seqs = snapSeqs
		m.seq = snapSeq
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) nextSeq(id string) {
	m.seq++
	m.seqs[id] = m.seq
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type memCollections struct {
	m *Memory
}

func (r *memCollections) FindByID(_ context.Context, id string) (*model.Collection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.collections[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *memCollections) FindByWorkspace(_ context.Context, workspaceID string) ([]model.Collection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Collection
	for _, c := range r.m.collections {
		if c.WorkspaceID == workspaceID {
			out = append(out, c)
		}
	}
	sortByOrder(r.m.seqs, out, func(c model.Collection) (int, string) { return c.Order, c.ID })
	return out, nil
}

func (r *memCollections) Create(_ context.Context, c *model.Collection) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.collections[c.ID] = *c
	r.m.nextSeq(c.ID)
	return nil
}

func (r *memCollections) Update(_ context.Context, c *model.Collection) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.collections[c.ID] = *c
	return nil
}

func (r *memCollections) Remove(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.collections, id)
	for fid, f := range r.m.folders {
		if f.CollectionID == id {
			delete(r.m.folders, fid)
		}
	}
	for rid, req := range r.m.requests {
		if req.CollectionID == id {
			delete(r.m.requests, rid)
		}
	}
	return nil
}

type memFolders struct {
	m *Memory
}

func (r *memFolders) FindByCollection(_ context.Context, collectionID string) ([]model.Folder, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Folder
	for _, f := range r.m.folders {
		if f.CollectionID == collectionID {
			out = append(out, f)
		}
	}
	sortByOrder(r.m.seqs, out, func(f model.Folder) (int, string) { return f.Order, f.ID })
	return out, nil
}

func (r *memFolders) Create(_ context.Context, f *model.Folder) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.folders[f.ID] = *f
	r.m.nextSeq(f.ID)
	return nil
}

func (r *memFolders) RemoveByCollection(_ context.Context, collectionID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, f := range r.m.folders {
		if f.CollectionID == collectionID {
			delete(r.m.folders, id)
		}
	}
	return nil
}

type memRequests struct {
	m *Memory
}

func (r *memRequests) FindByID(_ context.Context, id string) (*model.Request, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	req, ok := r.m.requests[id]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (r *memRequests) FindByCollection(_ context.Context, collectionID string) ([]model.Request, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Request
	for _, req := range r.m.requests {
		if req.CollectionID == collectionID {
			out = append(out, req)
		}
	}
	sortByOrder(r.m.seqs, out, func(req model.Request) (int, string) { return req.Order, req.ID })
	return out, nil
}

func (r *memRequests) Create(_ context.Context, req *model.Request) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.requests[req.ID] = *req
	r.m.nextSeq(req.ID)
	return nil
}

func (r *memRequests) RemoveByCollection(_ context.Context, collectionID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, req := range r.m.requests {
		if req.CollectionID == collectionID {
			delete(r.m.requests, id)
		}
	}
	return nil
}

type memEnvironments struct {
	m *Memory
}

func (r *memEnvironments) FindByID(_ context.Context, id string) (*model.Environment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.environments[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *memEnvironments) FindByWorkspace(_ context.Context, workspaceID string) ([]model.Environment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Environment
	for _, e := range r.m.environments {
		if e.WorkspaceID == workspaceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.m.seqs[out[i].ID] < r.m.seqs[out[j].ID]
	})
	return out, nil
}

func (r *memEnvironments) Create(_ context.Context, e *model.Environment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.environments[e.ID] = *e
	r.m.nextSeq(e.ID)
	return nil
}

// sortByOrder sorts by sibling order with insertion sequence as tiebreak,
// matching the SQL ORDER BY ord, seq.
func sortByOrder[T any](seqs map[string]int64, items []T, key func(T) (int, string)) {
	sort.Slice(items, func(i, j int) bool {
		oi, idi := key(items[i])
		oj, idj := key(items[j])
		if oi != oj {
			return oi < oj
		}
		return seqs[idi] < seqs[idj]
	})
}
