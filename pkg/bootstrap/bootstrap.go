// Package bootstrap performs the one-time adoption of an existing relational
// collection into a fresh replicated document. It is strictly pre-attach: a
// flow that already has persisted state or a live room is rejected, because a
// second import against a diverged document cannot be reconciled.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/flowsync/pkg/document"
	"github.com/astromechza/flowsync/pkg/store"
)

var (
	// ErrAlreadyBootstrapped rejects a flow with any persisted state.
	ErrAlreadyBootstrapped = errors.New("flow already has persisted state")
	// ErrRoomLive rejects a flow with attached sessions.
	ErrRoomLive = errors.New("flow has a live room")
)

// Mapping names the source columns to lift into the typed node fields. The id
// column is required; every other mapped column is optional and unmapped
// columns land in the node's open data map.
type Mapping struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	PositionX string `json:"positionX,omitempty"`
	PositionY string `json:"positionY,omitempty"`
	Parent    string `json:"parent,omitempty"`
}

// Request describes one bootstrap run.
type Request struct {
	Collection string  `json:"collection"`
	Mapping    Mapping `json:"mapping"`
}

// LiveChecker reports whether a flow currently has a loaded room. Satisfied
// by *room.Registry.
type LiveChecker interface {
	HasLive(flowID string) bool
}

// Run imports the collection's rows into a fresh document and stores it as
// the flow's initial blob. Idempotency comes from the pre-attach check: a
// repeat run fails with ErrAlreadyBootstrapped and leaves everything
// untouched.
func Run(ctx context.Context, st *store.Store, live LiveChecker, flowID string, req Request) (int, error) {
	if req.Collection == "" || !store.ValidCollection(req.Collection) {
		return 0, fmt.Errorf("invalid collection %q", req.Collection)
	}
	if req.Mapping.ID == "" {
		return 0, fmt.Errorf("mapping must name an id column")
	}
	if live.HasLive(flowID) {
		return 0, ErrRoomLive
	}
	if ok, err := st.HasBlob(ctx, flowID); err != nil {
		return 0, err
	} else if ok {
		return 0, ErrAlreadyBootstrapped
	}

	rows, err := st.SourceRows(ctx, req.Collection)
	if err != nil {
		return 0, err
	}
	doc := document.New()
	for _, row := range rows {
		n, err := nodeFromRow(row, req.Mapping)
		if err != nil {
			return 0, err
		}
		if err := doc.PutNode(n); err != nil {
			return 0, fmt.Errorf("failed to import node %q: %w", n.ID, err)
		}
	}
	if err := st.SaveInitialBlob(ctx, flowID, req.Collection, doc.EncodeFullState()); err != nil {
		// lost the race with a concurrent bootstrap or first connection
		return 0, fmt.Errorf("%w: %s", ErrAlreadyBootstrapped, err)
	}
	slog.Info("bootstrapped flow", "flow", flowID, "collection", req.Collection, "nodes", len(rows))
	return len(rows), nil
}

func nodeFromRow(row map[string]any, m Mapping) (document.FlowNode, error) {
	id := stringValue(row[m.ID])
	if id == "" {
		return document.FlowNode{}, fmt.Errorf("row has no value for id column %q", m.ID)
	}
	n := document.FlowNode{ID: id, Data: map[string]any{}}
	mapped := map[string]struct{}{m.ID: {}}
	if m.Title != "" {
		n.Title = stringValue(row[m.Title])
		mapped[m.Title] = struct{}{}
	}
	if m.PositionX != "" {
		n.Position.X = floatValue(row[m.PositionX])
		mapped[m.PositionX] = struct{}{}
	}
	if m.PositionY != "" {
		n.Position.Y = floatValue(row[m.PositionY])
		mapped[m.PositionY] = struct{}{}
	}
	if m.Parent != "" {
		n.ParentID = stringValue(row[m.Parent])
		mapped[m.Parent] = struct{}{}
	}
	for col, v := range row {
		if _, ok := mapped[col]; ok || v == nil {
			continue
		}
		n.Data[col] = v
	}
	return n, nil
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
