// Package wire defines the JSON control protocol exchanged on websocket text
// frames: awareness updates and heartbeats. Document fragments travel on
// binary frames and never pass through this package.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/flowsync/pkg/document"
)

// control message types
const (
	TypeAwareness = "awareness"
	TypePing      = "ping"
	TypePong      = "pong"
)

// AwarenessState is the ephemeral per-user presence payload. It is never
// persisted and never merged into the document.
type AwarenessState struct {
	Cursor         *document.Position `json:"cursor"`
	SelectedNodeID string             `json:"selectedNodeId,omitempty"`
}

// AwarenessEntry pairs a user with their announced state in a broadcast.
type AwarenessEntry struct {
	UserID string         `json:"userId"`
	State  AwarenessState `json:"state"`
}

// ControlMessage is the envelope for every text frame in both directions.
type ControlMessage struct {
	Type string `json:"type"`

	// client -> room awareness update
	UserID string          `json:"userId,omitempty"`
	State  *AwarenessState `json:"state,omitempty"`

	// room -> client awareness broadcast; no omitempty so that an empty
	// broadcast still round-trips through Parse
	Users []AwarenessEntry `json:"users"`
}

// Parse decodes and validates one inbound control frame.
func Parse(raw []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ControlMessage{}, fmt.Errorf("failed to decode control frame: %w", err)
	}
	switch m.Type {
	case TypeAwareness:
		// client->room frames carry state, room->client broadcasts carry users
		if m.State == nil && m.Users == nil {
			return ControlMessage{}, fmt.Errorf("awareness frame has neither state nor users")
		}
	case TypePing, TypePong:
	default:
		return ControlMessage{}, fmt.Errorf("unknown control frame type %q", m.Type)
	}
	return m, nil
}

// EncodeAwareness builds the room->client broadcast listing other users'
// states. The users slice may be empty but is always present in the output.
func EncodeAwareness(users []AwarenessEntry) []byte {
	if users == nil {
		users = []AwarenessEntry{}
	}
	raw, _ := json.Marshal(ControlMessage{Type: TypeAwareness, Users: users})
	return raw
}

// EncodeAwarenessUpdate builds the client->room announcement of the local
// user's state.
func EncodeAwarenessUpdate(state AwarenessState) []byte {
	raw, _ := json.Marshal(ControlMessage{Type: TypeAwareness, State: &state})
	return raw
}

// EncodePing builds a heartbeat request frame.
func EncodePing() []byte {
	raw, _ := json.Marshal(ControlMessage{Type: TypePing})
	return raw
}

// EncodePong builds a heartbeat response frame.
func EncodePong() []byte {
	raw, _ := json.Marshal(ControlMessage{Type: TypePong})
	return raw
}
