package room

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/flowsync/pkg/document"
	"github.com/astromechza/flowsync/pkg/store"
	"github.com/astromechza/flowsync/pkg/wire"
)

type fakeFrame struct {
	messageType int
	data        []byte
}

// fakeConn stands in for a websocket connection: frames pushed into in are
// read by the session, frames the session writes land in writes.
type fakeConn struct {
	in        chan fakeFrame
	writes    chan fakeFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan fakeFrame, 64),
		writes: make(chan fakeFrame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.writes <- fakeFrame{messageType, data}:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) next(t *testing.T) fakeFrame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return fakeFrame{}
	}
}

func (c *fakeConn) send(messageType int, data []byte) {
	c.in <- fakeFrame{messageType, data}
}

type fixture struct {
	store    *store.Store
	registry *Registry
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{store: st, registry: NewRegistry(ctx, st, opts), cancel: cancel}
	t.Cleanup(func() {
		cancel()
		f.registry.Wait()
		_ = st.Close()
	})
	return f
}

// connect attaches a fake session and consumes the initial snapshot and
// awareness frames, returning the decoded snapshot.
func (f *fixture) connect(t *testing.T, flowID, user string) (*fakeConn, *document.Document) {
	t.Helper()
	conn := newFakeConn()
	sess := NewSession(conn, user)
	go func() { _ = f.registry.Serve(context.Background(), flowID, "nodes", sess) }()

	snap := conn.next(t)
	require.Equal(t, websocket.BinaryMessage, snap.messageType)
	doc, err := document.Load(snap.data)
	require.NoError(t, err)

	aw := conn.next(t)
	require.Equal(t, websocket.TextMessage, aw.messageType)
	msg, err := wire.Parse(aw.data)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAwareness, msg.Type)
	return conn, doc
}

func TestSnapshotSentOnConnect(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})
	_, doc := f.connect(t, "f1", "alice")
	nodes, err := doc.Nodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.True(t, f.registry.HasLive("f1"))
}

func TestFragmentBroadcastToOthersNotOriginator(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})
	connA, docA := f.connect(t, "f1", "alice")
	connB, docB := f.connect(t, "f1", "bob")

	require.NoError(t, docA.PutNode(document.FlowNode{ID: "n1", Title: "Task"}))
	delta := docA.EncodeDelta()
	require.NotEmpty(t, delta)
	connA.send(websocket.BinaryMessage, delta)

	got := connB.next(t)
	require.Equal(t, websocket.BinaryMessage, got.messageType)
	assert.Equal(t, delta, got.data)
	require.NoError(t, docB.ApplyFragment("server", got.data))
	nodes, err := docB.Nodes()
	require.NoError(t, err)
	assert.Contains(t, nodes, "n1")

	// the originator must not see its own fragment reflected back
	time.Sleep(50 * time.Millisecond)
	select {
	case frame := <-connA.writes:
		t.Fatalf("unexpected frame to originator: %v", frame.messageType)
	default:
	}
}

func TestMalformedFragmentIsDroppedWithoutSideEffects(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})
	connA, docA := f.connect(t, "f1", "alice")
	connB, _ := f.connect(t, "f1", "bob")

	connA.send(websocket.BinaryMessage, []byte("not an automerge fragment"))

	// a valid fragment afterwards still flows end to end
	require.NoError(t, docA.PutNode(document.FlowNode{ID: "n1", Title: "Task"}))
	connA.send(websocket.BinaryMessage, docA.EncodeDelta())
	got := connB.next(t)
	require.Equal(t, websocket.BinaryMessage, got.messageType)
}

func TestAwarenessBroadcastExcludesRecipient(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})
	connA, _ := f.connect(t, "f1", "alice")
	connB, _ := f.connect(t, "f1", "bob")

	raw, err := json.Marshal(wire.ControlMessage{
		Type:  wire.TypeAwareness,
		State: &wire.AwarenessState{Cursor: &document.Position{X: 1, Y: 2}, SelectedNodeID: "n1"},
	})
	require.NoError(t, err)
	connA.send(websocket.TextMessage, raw)

	bMsg, err := wire.Parse(connB.next(t).data)
	require.NoError(t, err)
	require.Len(t, bMsg.Users, 1)
	assert.Equal(t, "alice", bMsg.Users[0].UserID)
	require.NotNil(t, bMsg.Users[0].State.Cursor)
	assert.Equal(t, document.Position{X: 1, Y: 2}, *bMsg.Users[0].State.Cursor)

	aMsg, err := wire.Parse(connA.next(t).data)
	require.NoError(t, err)
	assert.Empty(t, aMsg.Users, "sender must not see itself in the broadcast")
}

func TestPingAnsweredWithPong(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})
	connA, _ := f.connect(t, "f1", "alice")
	connA.send(websocket.TextMessage, wire.EncodePing())
	msg, err := wire.Parse(connA.next(t).data)
	require.NoError(t, err)
	assert.Equal(t, wire.TypePong, msg.Type)
}

func TestBurstOfEditsPersistsOnce(t *testing.T) {
	f := newFixture(t, Options{Debounce: 100 * time.Millisecond, IdleGrace: time.Minute})
	connA, docA := f.connect(t, "f1", "alice")

	for i := 0; i < 5; i++ {
		require.NoError(t, docA.PutNode(document.FlowNode{ID: "n" + string(rune('0'+i)), Title: "Task"}))
		connA.send(websocket.BinaryMessage, docA.EncodeDelta())
	}

	require.Eventually(t, func() bool {
		_, err := f.store.LoadBlob(context.Background(), "f1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	// let any (incorrect) extra cycles run before asserting
	time.Sleep(300 * time.Millisecond)

	blob, err := f.store.LoadBlob(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), blob.Version, "a burst inside the debounce window must persist exactly once")

	reloaded, err := document.Load(blob.State)
	require.NoError(t, err)
	nodes, err := reloaded.Nodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 5)

	ids, err := f.store.ProjectedIDs(context.Background(), "nodes")
	require.NoError(t, err)
	assert.Len(t, ids, 5)
}

func TestIdleUnloadFlushesAndReloadsIdentically(t *testing.T) {
	f := newFixture(t, Options{Debounce: 24 * time.Hour, IdleGrace: 100 * time.Millisecond})
	connA, docA := f.connect(t, "f1", "alice")

	require.NoError(t, docA.PutNode(document.FlowNode{ID: "n1", Title: "Task", Position: document.Position{X: 3, Y: 4}}))
	connA.send(websocket.BinaryMessage, docA.EncodeDelta())
	wantNodes, err := docA.Nodes()
	require.NoError(t, err)

	// debounce is effectively never: only the final flush can persist this
	_ = connA.Close()
	require.Eventually(t, func() bool {
		return !f.registry.HasLive("f1")
	}, 2*time.Second, 10*time.Millisecond)

	blob, err := f.store.LoadBlob(context.Background(), "f1")
	require.NoError(t, err, "unload must complete its final flush first")

	reloaded, err := document.Load(blob.State)
	require.NoError(t, err)
	gotNodes, err := reloaded.Nodes()
	require.NoError(t, err)
	assert.Equal(t, wantNodes, gotNodes)

	// a reconnect observes exactly the pre-unload state
	_, doc2 := f.connect(t, "f1", "alice")
	gotNodes, err = doc2.Nodes()
	require.NoError(t, err)
	assert.Equal(t, wantNodes, gotNodes)
}

func TestReconnectReceivesCurrentMergedState(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})
	connA, docA := f.connect(t, "f1", "alice")
	connB, docB := f.connect(t, "f1", "bob")

	// bob disconnects and misses alice's updates
	_ = connB.Close()
	require.NoError(t, docA.PutNode(document.FlowNode{ID: "n1", Title: "while you were gone"}))
	connA.send(websocket.BinaryMessage, docA.EncodeDelta())

	require.Eventually(t, func() bool {
		nodes, err := f.registry.Nodes(context.Background(), "f1")
		return err == nil && len(nodes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, docB2 := f.connect(t, "f1", "bob")
	nodes, err := docB2.Nodes()
	require.NoError(t, err)
	require.Contains(t, nodes, "n1")
	assert.Equal(t, "while you were gone", nodes["n1"].Title)
	_ = docB
}

func TestCorruptPersistedBlobFailsConnection(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})
	require.NoError(t, f.store.SaveInitialBlob(context.Background(), "f1", "nodes", []byte("definitely not automerge")))

	conn := newFakeConn()
	sess := NewSession(conn, "alice")
	err := f.registry.Serve(context.Background(), "f1", "nodes", sess)
	require.Error(t, err)
	assert.False(t, f.registry.HasLive("f1"))
}

func TestColdSnapshotServedFromStore(t *testing.T) {
	f := newFixture(t, Options{Debounce: 50 * time.Millisecond, IdleGrace: time.Minute})

	// unknown flow: an empty, loadable document
	snap, err := f.registry.Snapshot(context.Background(), "nope")
	require.NoError(t, err)
	doc, err := document.Load(snap)
	require.NoError(t, err)
	nodes, err := doc.Nodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	// persisted flow: the stored blob without spinning up a room
	seed := document.New()
	require.NoError(t, seed.PutNode(document.FlowNode{ID: "n1", Title: "stored"}))
	require.NoError(t, f.store.SaveInitialBlob(context.Background(), "cold", "nodes", seed.EncodeFullState()))
	snap, err = f.registry.Snapshot(context.Background(), "cold")
	require.NoError(t, err)
	doc, err = document.Load(snap)
	require.NoError(t, err)
	nodes, err = doc.Nodes()
	require.NoError(t, err)
	assert.Contains(t, nodes, "n1")
	assert.False(t, f.registry.HasLive("cold"))
}
