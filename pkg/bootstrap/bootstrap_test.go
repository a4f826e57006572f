package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/flowsync/pkg/document"
	"github.com/astromechza/flowsync/pkg/store"
)

type liveness bool

func (l liveness) HasLive(string) bool { return bool(l) }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTasks(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx,
		`CREATE TABLE tasks (id text primary key, name text, pos_x real, pos_y real, parent text, priority integer)`)
	require.NoError(t, err)
	for _, row := range [][]any{
		{"t1", "First", 10.0, 20.0, nil, 1},
		{"t2", "Second", 30.0, 40.0, "t1", 2},
	} {
		_, err = s.DB().ExecContext(ctx,
			`INSERT INTO tasks (id, name, pos_x, pos_y, parent, priority) VALUES (?, ?, ?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
}

func taskMapping() Mapping {
	return Mapping{ID: "id", Title: "name", PositionX: "pos_x", PositionY: "pos_y", Parent: "parent"}
}

func TestRunImportsRowsIntoFreshDocument(t *testing.T) {
	s := testStore(t)
	seedTasks(t, s)

	imported, err := Run(context.Background(), s, liveness(false), "f1", Request{Collection: "tasks", Mapping: taskMapping()})
	require.NoError(t, err)
	assert.Equal(t, 2, imported)

	blob, err := s.LoadBlob(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "tasks", blob.Collection)
	assert.Equal(t, int64(1), blob.Version)

	doc, err := document.Load(blob.State)
	require.NoError(t, err)
	nodes, err := doc.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "First", nodes["t1"].Title)
	assert.Equal(t, document.Position{X: 10, Y: 20}, nodes["t1"].Position)
	assert.Empty(t, nodes["t1"].ParentID)
	assert.Equal(t, "t1", nodes["t2"].ParentID)
	// unmapped columns land in the open data map
	assert.Equal(t, int64(2), nodes["t2"].Data["priority"])
}

func TestRunIsPreAttachOnly(t *testing.T) {
	s := testStore(t)
	seedTasks(t, s)
	req := Request{Collection: "tasks", Mapping: taskMapping()}

	_, err := Run(context.Background(), s, liveness(true), "f1", req)
	require.ErrorIs(t, err, ErrRoomLive)

	_, err = Run(context.Background(), s, liveness(false), "f1", req)
	require.NoError(t, err)

	_, err = Run(context.Background(), s, liveness(false), "f1", req)
	require.ErrorIs(t, err, ErrAlreadyBootstrapped)
}

func TestRunRejectsBadInput(t *testing.T) {
	s := testStore(t)
	_, err := Run(context.Background(), s, liveness(false), "f1", Request{Collection: "bad name", Mapping: taskMapping()})
	require.Error(t, err)
	_, err = Run(context.Background(), s, liveness(false), "f1", Request{Collection: "tasks"})
	require.Error(t, err, "missing id mapping must be rejected")

	// no blob may be written on failure
	ok, err := s.HasBlob(context.Background(), "f1")
	require.NoError(t, err)
	assert.False(t, ok)
}
