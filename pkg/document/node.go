package document

import (
	"time"
)

// Position is a node's location on the flow canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FlowNode is one box in a flow diagram. ParentID is empty when the node has
// no parent. Data carries any extra fields the client attached; it is kept
// opaque here and only interpreted at the projection boundary.
type FlowNode struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Position  Position       `json:"position"`
	ParentID  string         `json:"parentId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// field keys inside the automerge node map
const (
	fieldTitle     = "title"
	fieldPosition  = "position"
	fieldX         = "x"
	fieldY         = "y"
	fieldParentID  = "parentId"
	fieldData      = "data"
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"
)

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// coerceFloat reads a numeric value that may have been written as an int or
// a float by different clients.
func coerceFloat(v any) float64 {
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

func coerceInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

func coerceString(v any) string {
	s, _ := v.(string)
	return s
}

// nodeFromRaw decodes the native Go representation of one automerge node map.
func nodeFromRaw(id string, raw map[string]any) FlowNode {
	n := FlowNode{ID: id}
	n.Title = coerceString(raw[fieldTitle])
	if pos, ok := raw[fieldPosition].(map[string]any); ok {
		n.Position.X = coerceFloat(pos[fieldX])
		n.Position.Y = coerceFloat(pos[fieldY])
	}
	if p := raw[fieldParentID]; p != nil {
		n.ParentID = coerceString(p)
	}
	if d, ok := raw[fieldData].(map[string]any); ok && len(d) > 0 {
		n.Data = d
	}
	n.CreatedAt = fromMillis(coerceInt(raw[fieldCreatedAt]))
	n.UpdatedAt = fromMillis(coerceInt(raw[fieldUpdatedAt]))
	return n
}

// rawFromNode builds the automerge value for a node map. ParentID is written
// as an explicit null when empty so the field always exists.
func rawFromNode(n FlowNode) map[string]any {
	var parent any
	if n.ParentID != "" {
		parent = n.ParentID
	}
	data := map[string]any{}
	for k, v := range n.Data {
		data[k] = v
	}
	return map[string]any{
		fieldTitle:     n.Title,
		fieldPosition:  map[string]any{fieldX: n.Position.X, fieldY: n.Position.Y},
		fieldParentID:  parent,
		fieldData:      data,
		fieldCreatedAt: millis(n.CreatedAt),
		fieldUpdatedAt: millis(n.UpdatedAt),
	}
}
