// Package store persists flow documents to sqlite: an opaque versioned blob
// per flow for fast reload, and a per-collection relational projection of the
// nodes for ordinary querying. The projection is derived state only and is
// fully rebuilt from the document on every cycle.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/flowsync/pkg/document"
)

// ErrNotFound is returned when a flow has no persisted blob.
var ErrNotFound = errors.New("no persisted state for flow")

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Blob is one persisted full-state row.
type Blob struct {
	FlowID     string
	Collection string
	State      []byte
	Version    int64
	UpdatedAt  time.Time
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and ensures the blob
// table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS flow_documents (
			flow_id text not null primary key,
			collection_name text not null,
			state text not null,
			version integer not null,
			updated_at timestamp not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to ensure flow_documents table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need to query the
// projection directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ValidCollection reports whether name is usable as a projection table name.
func ValidCollection(name string) bool {
	return collectionPattern.MatchString(name)
}

// EnsureCollection creates the projection table for a collection if missing.
func (s *Store) EnsureCollection(ctx context.Context, collection string) error {
	if !ValidCollection(collection) {
		return fmt.Errorf("invalid collection name %q", collection)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id text not null primary key,
			title text,
			position text,
			parent_id text,
			data text,
			updated_at timestamp
		)`, collection,
	)); err != nil {
		return fmt.Errorf("failed to ensure collection table %q: %w", collection, err)
	}
	return nil
}

// HasBlob reports whether any persisted state exists for the flow.
func (s *Store) HasBlob(ctx context.Context, flowID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM flow_documents WHERE flow_id = ?`, flowID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query blob presence: %w", err)
	}
	return n > 0, nil
}

// LoadBlob fetches the persisted blob for a flow, ErrNotFound when cold.
func (s *Store) LoadBlob(ctx context.Context, flowID string) (Blob, error) {
	b := Blob{FlowID: flowID}
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT collection_name, state, version, updated_at FROM flow_documents WHERE flow_id = ?`,
		flowID,
	).Scan(&b.Collection, &encoded, &b.Version, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, ErrNotFound
	} else if err != nil {
		return Blob{}, fmt.Errorf("failed to load blob: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Blob{}, fmt.Errorf("failed to decode blob state: %w", err)
	}
	b.State = raw
	return b, nil
}

// SaveSnapshot runs one persistence cycle in a single transaction: upsert the
// blob (version incremented), upsert every node row, and remove projected rows
// whose ids are no longer in the document. Returns the new blob version.
func (s *Store) SaveSnapshot(ctx context.Context, flowID, collection string, state []byte, nodes map[string]document.FlowNode) (int64, error) {
	if !ValidCollection(collection) {
		return 0, fmt.Errorf("invalid collection name %q", collection)
	}
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin persistence tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flow_documents (flow_id, collection_name, state, version, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(flow_id) DO UPDATE SET
			state = excluded.state,
			collection_name = excluded.collection_name,
			version = flow_documents.version + 1,
			updated_at = excluded.updated_at`,
		flowID, collection, base64.StdEncoding.EncodeToString(state), now,
	); err != nil {
		return 0, fmt.Errorf("failed to upsert blob: %w", err)
	}

	for id, n := range nodes {
		position, err := json.Marshal(n.Position)
		if err != nil {
			return 0, fmt.Errorf("failed to encode position for %q: %w", id, err)
		}
		data := []byte("{}")
		if len(n.Data) > 0 {
			if data, err = json.Marshal(n.Data); err != nil {
				return 0, fmt.Errorf("failed to encode data for %q: %w", id, err)
			}
		}
		var parent any
		if n.ParentID != "" {
			parent = n.ParentID
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, title, position, parent_id, data, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				position = excluded.position,
				parent_id = excluded.parent_id,
				data = excluded.data,
				updated_at = excluded.updated_at`, collection),
			id, n.Title, string(position), parent, string(data), n.UpdatedAt,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert row %q: %w", id, err)
		}
	}

	if err := deleteOrphans(ctx, tx, collection, nodes); err != nil {
		return 0, err
	}

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT version FROM flow_documents WHERE flow_id = ?`, flowID,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read back version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit persistence tx: %w", err)
	}
	return version, nil
}

func deleteOrphans(ctx context.Context, tx *sql.Tx, collection string, nodes map[string]document.FlowNode) error {
	if len(nodes) == 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, collection)); err != nil {
			return fmt.Errorf("failed to clear projection: %w", err)
		}
		return nil
	}
	placeholders := make([]string, 0, len(nodes))
	args := make([]any, 0, len(nodes))
	for id := range nodes {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id NOT IN (%s)`, collection, strings.Join(placeholders, ", "),
	), args...); err != nil {
		return fmt.Errorf("failed to delete orphan rows: %w", err)
	}
	return nil
}

// SaveInitialBlob writes the version-1 blob for a flow, failing if any blob
// already exists. Used by bootstrap only.
func (s *Store) SaveInitialBlob(ctx context.Context, flowID, collection string, state []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO flow_documents (flow_id, collection_name, state, version, updated_at)
		 VALUES (?, ?, ?, 1, ?)`,
		flowID, collection, base64.StdEncoding.EncodeToString(state), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert initial blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("flow %q already has persisted state", flowID)
	}
	return nil
}

// ProjectedIDs returns the ids currently present in a collection's projection.
func (s *Store) ProjectedIDs(ctx context.Context, collection string) ([]string, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, collection))
	if err != nil {
		return nil, fmt.Errorf("failed to query projection ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan projection id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SourceRows reads every row of a collection table as generic column maps.
// Used by bootstrap to adopt pre-existing relational data.
func (s *Store) SourceRows(ctx context.Context, collection string) ([]map[string]any, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, collection))
	if err != nil {
		return nil, fmt.Errorf("failed to query source rows: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read source columns: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
