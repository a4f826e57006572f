// Package room implements the per-flow coordination actor: one goroutine owns
// the flow's replicated document, the live session registry, and the debounced
// persistence timer. Sessions submit commands to the actor; nothing else
// mutates the document, so the document needs no locks.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/flowsync/pkg/document"
	"github.com/astromechza/flowsync/pkg/store"
	"github.com/astromechza/flowsync/pkg/wire"
)

// ErrRoomClosed is returned by submissions that raced a room unload. The
// registry reacts by building a fresh room and retrying.
var ErrRoomClosed = errors.New("room is closed")

// Room is the actor for one flow id.
type Room struct {
	flowID     string
	collection string
	debounce   time.Duration
	idleGrace  time.Duration

	doc   *document.Document
	store *store.Store
	log   *slog.Logger

	commands chan func(*Room)
	closed   chan struct{}
	onClose  func(*Room)

	// actor-goroutine state
	sessions     map[string]*Session
	dirty        bool
	persistTimer *time.Timer
	idleTimer    *time.Timer
}

// newRoom loads persisted state (the Loading phase) and starts the actor.
// A present-but-corrupted blob fails the load; it never falls back to an
// empty document. The started room begins Idle: the grace timer runs until a
// session attaches.
func newRoom(ctx context.Context, st *store.Store, flowID, collection string, debounce, idleGrace time.Duration, log *slog.Logger, onClose func(*Room), started func(), stopped func()) (*Room, error) {
	var doc *document.Document
	blob, err := st.LoadBlob(ctx, flowID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		doc = document.New()
	case err != nil:
		return nil, fmt.Errorf("failed to load room %q: %w", flowID, err)
	default:
		// the stored collection wins over whatever the connection asked for
		collection = blob.Collection
		if doc, err = document.Load(blob.State); err != nil {
			return nil, fmt.Errorf("corrupt persisted state for %q: %w", flowID, err)
		}
	}
	r := &Room{
		flowID:     flowID,
		collection: collection,
		debounce:   debounce,
		idleGrace:  idleGrace,
		doc:        doc,
		store:      st,
		log:        log.With("flow", flowID),
		commands:   make(chan func(*Room)),
		closed:     make(chan struct{}),
		onClose:    onClose,
		sessions:   map[string]*Session{},
	}
	// apply -> diff -> push: every integrated change is re-broadcast to all
	// sessions except its origin, and marks the room dirty for persistence.
	// Loading bypasses this pipeline entirely (the document is restored with
	// Load, not ApplyFragment), so startup never feeds back into broadcast or
	// persistence.
	r.doc.Observe(func(u document.Update) {
		r.broadcastFragment(u.Origin, u.Fragment)
		r.markDirty()
	})
	started()
	go func() {
		defer stopped()
		r.run(ctx)
	}()
	return r, nil
}

// FlowID returns the flow this room serves.
func (r *Room) FlowID() string { return r.flowID }

// Collection returns the projection collection for this room.
func (r *Room) Collection() string { return r.collection }

func (r *Room) run(ctx context.Context) {
	defer close(r.closed)
	r.armIdle()
	for {
		var persistC, idleC <-chan time.Time
		if r.persistTimer != nil {
			persistC = r.persistTimer.C
		}
		if r.idleTimer != nil {
			idleC = r.idleTimer.C
		}
		select {
		case fn := <-r.commands:
			fn(r)
		case <-persistC:
			r.persistTimer = nil
			r.persist(ctx)
		case <-idleC:
			r.idleTimer = nil
			if len(r.sessions) > 0 {
				continue
			}
			// unloading requires a completed flush; stay loaded and retry
			// the grace period if persistence is failing
			if r.dirty && r.persist(ctx) != nil {
				r.armIdle()
				continue
			}
			r.unload()
			return
		case <-ctx.Done():
			// process shutdown: one final flush attempt, loss is logged by
			// persist if it fails
			if r.dirty {
				_ = r.persist(context.Background())
			}
			r.unload()
			return
		}
	}
}

// unload closes any remaining sessions and removes the room from its
// registry.
func (r *Room) unload() {
	for _, s := range r.sessions {
		s.close()
	}
	r.onClose(r)
	r.log.Info("room unloaded")
}

// submit runs fn on the actor goroutine, or reports ErrRoomClosed.
func (r *Room) submit(fn func(*Room)) error {
	select {
	case r.commands <- fn:
		return nil
	case <-r.closed:
		return ErrRoomClosed
	}
}

// attach registers the session and queues its one-time full snapshot,
// followed by the current awareness picture.
func (r *Room) attach(s *Session) error {
	reply := make(chan error, 1)
	if err := r.submit(func(r *Room) {
		if r.idleTimer != nil {
			r.idleTimer.Stop()
			r.idleTimer = nil
		}
		r.sessions[s.id] = s
		snapshot := r.doc.EncodeFullState()
		if !s.enqueue(outFrame{websocket.BinaryMessage, snapshot}) {
			delete(r.sessions, s.id)
			reply <- fmt.Errorf("failed to queue snapshot for session %s", s.id)
			return
		}
		s.enqueue(outFrame{websocket.TextMessage, wire.EncodeAwareness(r.awarenessFor(s.id))})
		r.log.Info("session attached", "session", s.id, "user", s.userID, "sessions", len(r.sessions))
		reply <- nil
	}); err != nil {
		return err
	}
	return <-reply
}

// detach removes the session; when the registry empties the idle grace timer
// starts.
func (r *Room) detach(sessionID string) error {
	return r.submit(func(r *Room) {
		s, ok := r.sessions[sessionID]
		if !ok {
			return
		}
		delete(r.sessions, sessionID)
		s.close()
		r.broadcastAwareness()
		r.log.Info("session detached", "session", sessionID, "sessions", len(r.sessions))
		if len(r.sessions) == 0 {
			r.armIdle()
		}
	})
}

// SubmitFragment merges a session's update fragment into the document. A
// fragment that fails to apply is dropped and logged; the room and its other
// sessions are unaffected.
func (r *Room) SubmitFragment(sessionID string, fragment []byte) error {
	return r.submit(func(r *Room) {
		if err := r.doc.ApplyFragment(sessionID, fragment); err != nil {
			r.log.Error("dropping fragment", "session", sessionID, "size", len(fragment), "err", err)
		}
	})
}

// SubmitAwareness records a session's ephemeral state and re-broadcasts the
// presence picture.
func (r *Room) SubmitAwareness(sessionID string, state wire.AwarenessState) error {
	return r.submit(func(r *Room) {
		s, ok := r.sessions[sessionID]
		if !ok {
			return
		}
		s.awareness = state
		s.hasAwareness = true
		r.broadcastAwareness()
	})
}

// Snapshot returns the current full document state.
func (r *Room) Snapshot() ([]byte, error) {
	reply := make(chan []byte, 1)
	if err := r.submit(func(r *Room) {
		reply <- r.doc.EncodeFullState()
	}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

// Nodes returns a decoded copy of the current live nodes.
func (r *Room) Nodes() (map[string]document.FlowNode, error) {
	type result struct {
		nodes map[string]document.FlowNode
		err   error
	}
	reply := make(chan result, 1)
	if err := r.submit(func(r *Room) {
		nodes, err := r.doc.Nodes()
		reply <- result{nodes, err}
	}); err != nil {
		return nil, err
	}
	res := <-reply
	return res.nodes, res.err
}

// broadcastFragment sends the raw fragment bytes, unmodified, to every
// session except the originating one.
func (r *Room) broadcastFragment(origin string, fragment []byte) {
	var slow []*Session
	for id, s := range r.sessions {
		if id == origin {
			continue
		}
		if !s.enqueue(outFrame{websocket.BinaryMessage, fragment}) {
			slow = append(slow, s)
		}
	}
	r.dropSessions(slow, "send queue overflow")
}

// broadcastAwareness sends each session the list of every *other* session's
// announced state.
func (r *Room) broadcastAwareness() {
	var slow []*Session
	for id, s := range r.sessions {
		if !s.enqueue(outFrame{websocket.TextMessage, wire.EncodeAwareness(r.awarenessFor(id))}) {
			slow = append(slow, s)
		}
	}
	r.dropSessions(slow, "send queue overflow")
}

func (r *Room) awarenessFor(recipientID string) []wire.AwarenessEntry {
	entries := make([]wire.AwarenessEntry, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == recipientID || !s.hasAwareness {
			continue
		}
		entries = append(entries, wire.AwarenessEntry{UserID: s.userID, State: s.awareness})
	}
	return entries
}

func (r *Room) dropSessions(sessions []*Session, reason string) {
	for _, s := range sessions {
		if _, ok := r.sessions[s.id]; !ok {
			continue
		}
		delete(r.sessions, s.id)
		s.close()
		r.log.Warn("dropped session", "session", s.id, "reason", reason)
	}
	if len(sessions) > 0 {
		r.broadcastAwareness()
		if len(r.sessions) == 0 {
			r.armIdle()
		}
	}
}

// markDirty (re-)arms the single-shot persistence timer, superseding any
// pending one so a burst of edits collapses into one cycle.
func (r *Room) markDirty() {
	r.dirty = true
	if r.persistTimer != nil {
		r.persistTimer.Stop()
	}
	r.persistTimer = time.NewTimer(r.debounce)
}

// persist runs one blob+projection cycle. Failure keeps the room dirty and
// re-arms the timer; live traffic is never blocked on persistence.
func (r *Room) persist(ctx context.Context) error {
	nodes, err := r.doc.Nodes()
	if err == nil {
		var version int64
		if version, err = r.store.SaveSnapshot(ctx, r.flowID, r.collection, r.doc.EncodeFullState(), nodes); err == nil {
			r.dirty = false
			r.log.Info("persisted", "version", version, "nodes", len(nodes), "heads", r.doc.Heads())
			return nil
		}
	}
	r.log.Error("failed to persist, will retry", "err", err)
	r.markDirty()
	return err
}

func (r *Room) armIdle() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.NewTimer(r.idleGrace)
}
