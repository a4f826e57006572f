package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/flowsync/pkg/document"
	"github.com/astromechza/flowsync/pkg/store"
)

// Options tunes room behaviour; zero values fall back to the defaults below.
type Options struct {
	Debounce  time.Duration
	IdleGrace time.Duration
	Logger    *slog.Logger
}

const (
	defaultDebounce  = time.Second
	defaultIdleGrace = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = defaultIdleGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Registry routes each flow id to exactly one live room, creating rooms
// lazily on first use and forgetting them after idle unload. Addressing is
// consistent: two concurrent requests for the same flow id always land on the
// same room.
type Registry struct {
	ctx   context.Context
	store *store.Store
	opts  Options

	mu    sync.Mutex
	rooms map[string]*Room
	wg    sync.WaitGroup
}

// NewRegistry builds a registry whose rooms live until ctx is cancelled (each
// performing a final flush on the way out).
func NewRegistry(ctx context.Context, st *store.Store, opts Options) *Registry {
	return &Registry{
		ctx:   ctx,
		store: st,
		opts:  opts.withDefaults(),
		rooms: map[string]*Room{},
	}
}

// Wait blocks until every room has unloaded. Call after cancelling the
// registry context.
func (g *Registry) Wait() {
	g.wg.Wait()
}

// HasLive reports whether a room is currently loaded for the flow.
func (g *Registry) HasLive(flowID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.rooms[flowID]
	return ok
}

// room returns the live room for a flow, creating and loading one when cold.
// A corrupted persisted blob fails here and surfaces to every caller; it is
// never masked with an empty document.
func (g *Registry) room(ctx context.Context, flowID, collection string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[flowID]; ok {
		return r, nil
	}
	r, err := newRoom(g.ctx, g.store, flowID, collection, g.opts.Debounce, g.opts.IdleGrace, g.opts.Logger, g.remove, func() { g.wg.Add(1) }, g.wg.Done)
	if err != nil {
		return nil, err
	}
	g.rooms[flowID] = r
	return r, nil
}

func (g *Registry) remove(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[r.flowID] == r {
		delete(g.rooms, r.flowID)
	}
}

// Serve attaches the session to the flow's room and blocks reading frames
// until the connection dies, then detaches. The session receives its full
// snapshot before any other traffic.
func (g *Registry) Serve(ctx context.Context, flowID, collection string, s *Session) error {
	r, err := g.attach(ctx, flowID, collection, s)
	if err != nil {
		return err
	}
	go s.writePump()
	s.readLoop(r)
	s.close()
	if err := r.detach(s.id); err != nil && !errors.Is(err, ErrRoomClosed) {
		return err
	}
	return nil
}

// attach retries against the unload race: a room that closed between lookup
// and attach is removed and rebuilt (its final flush completed before it
// reported closed, so the rebuild sees the flushed state).
func (g *Registry) attach(ctx context.Context, flowID, collection string, s *Session) (*Room, error) {
	for {
		r, err := g.room(ctx, flowID, collection)
		if err != nil {
			return nil, err
		}
		switch err := r.attach(s); {
		case errors.Is(err, ErrRoomClosed):
			g.remove(r)
		case err != nil:
			return nil, err
		default:
			return r, nil
		}
	}
}

// Snapshot returns the current full state for a flow without keeping a room
// loaded: a live room answers from memory, a cold flow answers from the blob
// store, and an unknown flow answers with an empty document.
func (g *Registry) Snapshot(ctx context.Context, flowID string) ([]byte, error) {
	g.mu.Lock()
	r, ok := g.rooms[flowID]
	g.mu.Unlock()
	if ok {
		if snapshot, err := r.Snapshot(); err == nil {
			return snapshot, nil
		}
		// room unloaded under us, fall through to the store
	}
	blob, err := g.store.LoadBlob(ctx, flowID)
	if errors.Is(err, store.ErrNotFound) {
		return document.New().EncodeFullState(), nil
	} else if err != nil {
		return nil, err
	}
	return blob.State, nil
}

// Nodes returns the decoded live nodes for a flow, from the live room or from
// persisted state.
func (g *Registry) Nodes(ctx context.Context, flowID string) (map[string]document.FlowNode, error) {
	g.mu.Lock()
	r, ok := g.rooms[flowID]
	g.mu.Unlock()
	if ok {
		if nodes, err := r.Nodes(); err == nil {
			return nodes, nil
		}
	}
	snapshot, err := g.Snapshot(ctx, flowID)
	if err != nil {
		return nil, err
	}
	doc, err := document.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %q: %w", flowID, err)
	}
	return doc.Nodes()
}
