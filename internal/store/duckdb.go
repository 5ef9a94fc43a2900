package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/colsync/colsyncd/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the repositories work
// inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS entity_seq`,
	`CREATE TABLE IF NOT EXISTS collections (
		id VARCHAR NOT NULL PRIMARY KEY,
		workspace_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		description VARCHAR,
		variables VARCHAR,
		environment_ids VARCHAR,
		default_environment_id VARCHAR,
		ord INTEGER NOT NULL DEFAULT 0,
		sync_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		is_dirty BOOLEAN NOT NULL DEFAULT FALSE,
		remote_sha VARCHAR,
		seq BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS folders (
		id VARCHAR NOT NULL PRIMARY KEY,
		collection_id VARCHAR NOT NULL,
		parent_id VARCHAR,
		name VARCHAR NOT NULL,
		description VARCHAR,
		ord INTEGER NOT NULL DEFAULT 0,
		seq BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id VARCHAR NOT NULL PRIMARY KEY,
		collection_id VARCHAR NOT NULL,
		folder_id VARCHAR,
		name VARCHAR NOT NULL,
		method VARCHAR NOT NULL,
		url VARCHAR NOT NULL,
		headers VARCHAR,
		params VARCHAR,
		body VARCHAR,
		auth VARCHAR,
		scripts VARCHAR,
		ord INTEGER NOT NULL DEFAULT 0,
		seq BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS environments (
		id VARCHAR NOT NULL PRIMARY KEY,
		workspace_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		variables VARCHAR,
		vault_path VARCHAR,
		vault_synced BOOLEAN NOT NULL DEFAULT FALSE,
		seq BIGINT NOT NULL
	)`,
}

// DB is the DuckDB-backed store.
type DB struct {
	conn *sql.DB
}

// Open opens (and if needed initializes) the database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Collections() Collections   { return &sqlCollections{q: d.conn} }
func (d *DB) Folders() Folders           { return &sqlFolders{q: d.conn} }
func (d *DB) Requests() Requests         { return &sqlRequests{q: d.conn} }
func (d *DB) Environments() Environments { return &sqlEnvironments{q: d.conn} }

// WithinTx runs fn against a transactional view of the same store.
func (d *DB) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&txView{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

// txView is the in-transaction store. Nested WithinTx reuses the open
// transaction.
type txView struct {
	q *sql.Tx
}

func (t *txView) Collections() Collections   { return &sqlCollections{q: t.q} }
func (t *txView) Folders() Folders           { return &sqlFolders{q: t.q} }
func (t *txView) Requests() Requests         { return &sqlRequests{q: t.q} }
func (t *txView) Environments() Environments { return &sqlEnvironments{q: t.q} }

func (t *txView) WithinTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *txView) Close() error { return nil }

type sqlCollections struct {
	q querier
}

func (r *sqlCollections) FindByID(ctx context.Context, id string) (*model.Collection, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, workspace_id, name, description, variables,
		environment_ids, default_environment_id, ord, sync_enabled, is_dirty, remote_sha
		FROM collections WHERE id = ?`, id)
	c, err := scanCollection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *sqlCollections) FindByWorkspace(ctx context.Context, workspaceID string) ([]model.Collection, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, workspace_id, name, description, variables,
		environment_ids, default_environment_id, ord, sync_enabled, is_dirty, remote_sha
		FROM collections WHERE workspace_id = ? ORDER BY ord, seq`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []model.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *sqlCollections) Create(ctx context.Context, c *model.Collection) error {
	envIDs, err := json.Marshal(c.EnvironmentIDs)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO collections
		(id, workspace_id, name, description, variables, environment_ids, default_environment_id,
		 ord, sync_enabled, is_dirty, remote_sha, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, nextval('entity_seq'))`,
		c.ID, c.WorkspaceID, c.Name, c.Description, string(c.Variables), string(envIDs),
		c.DefaultEnvironmentID, c.Order, c.SyncEnabled, c.IsDirty, c.RemoteSHA)
	return err
}

func (r *sqlCollections) Update(ctx context.Context, c *model.Collection) error {
	envIDs, err := json.Marshal(c.EnvironmentIDs)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `UPDATE collections SET workspace_id = ?, name = ?, description = ?,
		variables = ?, environment_ids = ?, default_environment_id = ?, ord = ?,
		sync_enabled = ?, is_dirty = ?, remote_sha = ? WHERE id = ?`,
		c.WorkspaceID, c.Name, c.Description, string(c.Variables), string(envIDs),
		c.DefaultEnvironmentID, c.Order, c.SyncEnabled, c.IsDirty, c.RemoteSHA, c.ID)
	return err
}

func (r *sqlCollections) Remove(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM folders WHERE collection_id = ?`, id); err != nil {
		return err
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM requests WHERE collection_id = ?`, id); err != nil {
		return err
	}
	_, err := r.q.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*model.Collection, error) {
	var c model.Collection
	var description, variables, envIDs, defaultEnv, remoteSHA sql.NullString
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.Name, &description, &variables, &envIDs,
		&defaultEnv, &c.Order, &c.SyncEnabled, &c.IsDirty, &remoteSHA); err != nil {
		return nil, err
	}
	c.Description = description.String
	if variables.String != "" {
		c.Variables = json.RawMessage(variables.String)
	}
	if envIDs.String != "" {
		if err := json.Unmarshal([]byte(envIDs.String), &c.EnvironmentIDs); err != nil {
			return nil, fmt.Errorf("corrupt environment_ids for collection %s: %w", c.ID, err)
		}
	}
	c.DefaultEnvironmentID = defaultEnv.String
	c.RemoteSHA = remoteSHA.String
	return &c, nil
}

type sqlFolders struct {
	q querier
}

func (r *sqlFolders) FindByCollection(ctx context.Context, collectionID string) ([]model.Folder, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, collection_id, parent_id, name, description, ord
		FROM folders WHERE collection_id = ? ORDER BY ord, seq`, collectionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []model.Folder
	for rows.Next() {
		var f model.Folder
		var parentID, description sql.NullString
		if err := rows.Scan(&f.ID, &f.CollectionID, &parentID, &f.Name, &description, &f.Order); err != nil {
			return nil, err
		}
		f.ParentID = parentID.String
		f.Description = description.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *sqlFolders) Create(ctx context.Context, f *model.Folder) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO folders
		(id, collection_id, parent_id, name, description, ord, seq)
		VALUES (?, ?, ?, ?, ?, ?, nextval('entity_seq'))`,
		f.ID, f.CollectionID, f.ParentID, f.Name, f.Description, f.Order)
	return err
}

func (r *sqlFolders) RemoveByCollection(ctx context.Context, collectionID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM folders WHERE collection_id = ?`, collectionID)
	return err
}

type sqlRequests struct {
	q querier
}

func (r *sqlRequests) FindByID(ctx context.Context, id string) (*model.Request, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, collection_id, folder_id, name, method, url,
		headers, params, body, auth, scripts, ord FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (r *sqlRequests) FindByCollection(ctx context.Context, collectionID string) ([]model.Request, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, collection_id, folder_id, name, method, url,
		headers, params, body, auth, scripts, ord
		FROM requests WHERE collection_id = ? ORDER BY ord, seq`, collectionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (r *sqlRequests) Create(ctx context.Context, req *model.Request) error {
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return err
	}
	auth, err := json.Marshal(req.Auth)
	if err != nil {
		return err
	}
	scripts, err := json.Marshal(req.Scripts)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO requests
		(id, collection_id, folder_id, name, method, url, headers, params, body, auth, scripts, ord, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, nextval('entity_seq'))`,
		req.ID, req.CollectionID, req.FolderID, req.Name, req.Method, req.URL,
		string(headers), string(params), string(body), string(auth), string(scripts), req.Order)
	return err
}

func (r *sqlRequests) RemoveByCollection(ctx context.Context, collectionID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM requests WHERE collection_id = ?`, collectionID)
	return err
}

func scanRequest(row rowScanner) (*model.Request, error) {
	var req model.Request
	var folderID, headers, params, body, auth, scripts sql.NullString
	if err := row.Scan(&req.ID, &req.CollectionID, &folderID, &req.Name, &req.Method, &req.URL,
		&headers, &params, &body, &auth, &scripts, &req.Order); err != nil {
		return nil, err
	}
	req.FolderID = folderID.String
	cols := []struct {
		raw  string
		dest any
	}{
		{headers.String, &req.Headers},
		{params.String, &req.Params},
		{body.String, &req.Body},
		{auth.String, &req.Auth},
		{scripts.String, &req.Scripts},
	}
	for _, c := range cols {
		if c.raw == "" || c.raw == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(c.raw), c.dest); err != nil {
			return nil, fmt.Errorf("corrupt request row %s: %w", req.ID, err)
		}
	}
	return &req, nil
}

type sqlEnvironments struct {
	q querier
}

func (r *sqlEnvironments) FindByID(ctx context.Context, id string) (*model.Environment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT id, workspace_id, name, variables, vault_path, vault_synced
		FROM environments WHERE id = ?`, id)
	env, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return env, err
}

func (r *sqlEnvironments) FindByWorkspace(ctx context.Context, workspaceID string) ([]model.Environment, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, workspace_id, name, variables, vault_path, vault_synced
		FROM environments WHERE workspace_id = ? ORDER BY seq`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []model.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *env)
	}
	return out, rows.Err()
}

func (r *sqlEnvironments) Create(ctx context.Context, e *model.Environment) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO environments
		(id, workspace_id, name, variables, vault_path, vault_synced, seq)
		VALUES (?, ?, ?, ?, ?, ?, nextval('entity_seq'))`,
		e.ID, e.WorkspaceID, e.Name, string(e.Variables), e.VaultPath, e.VaultSynced)
	return err
}

func scanEnvironment(row rowScanner) (*model.Environment, error) {
	var e model.Environment
	var variables, vaultPath sql.NullString
	if err := row.Scan(&e.ID, &e.WorkspaceID, &e.Name, &variables, &vaultPath, &e.VaultSynced); err != nil {
		return nil, err
	}
	if variables.String != "" {
		e.Variables = json.RawMessage(variables.String)
	}
	e.VaultPath = vaultPath.String
	return &e, nil
}
