package room

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/flowsync/pkg/wire"
)

// outboundQueueSize bounds the per-session send queue. A session that cannot
// drain this many frames is disconnected rather than allowed to stall the
// room.
const outboundQueueSize = 256

// Conn is the subset of *websocket.Conn a session needs. Tests substitute a
// fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type outFrame struct {
	messageType int
	data        []byte
}

// Session adapts one websocket connection to a room. All fields other than
// the outbound queue are owned by the room actor once attached.
type Session struct {
	id     string
	userID string
	conn   Conn

	out       chan outFrame
	done      chan struct{}
	closeOnce sync.Once

	// owned by the room actor
	awareness    wire.AwarenessState
	hasAwareness bool
}

// NewSession wraps a connection for the given user identity.
func NewSession(conn Conn, userID string) *Session {
	return &Session{
		id:     ulid.Make().String(),
		userID: userID,
		conn:   conn,
		out:    make(chan outFrame, outboundQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// UserID returns the identity the session connected as.
func (s *Session) UserID() string { return s.userID }

// enqueue queues a frame for delivery, reporting false when the session's
// queue is full or the session is closed.
func (s *Session) enqueue(f outFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

// close shuts the connection down; safe to call from any goroutine, many
// times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writePump drains the outbound queue onto the connection. Runs on its own
// goroutine so the room actor never blocks on a slow peer.
func (s *Session) writePump() {
	for {
		select {
		case f := <-s.out:
			if err := s.conn.WriteMessage(f.messageType, f.data); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop consumes inbound frames until the connection dies: binary frames
// are document fragments, text frames are JSON control messages. Malformed
// frames are dropped without affecting the session.
func (s *Session) readLoop(r *Room) {
	for {
		mt, p, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if err := r.SubmitFragment(s.id, p); err != nil {
				return
			}
		case websocket.TextMessage:
			msg, err := wire.Parse(p)
			if err != nil {
				slog.Warn("dropping control frame", "session", s.id, "err", err)
				continue
			}
			switch msg.Type {
			case wire.TypeAwareness:
				if msg.State == nil {
					continue
				}
				if err := r.SubmitAwareness(s.id, *msg.State); err != nil {
					return
				}
			case wire.TypePing:
				// heartbeat answered directly, no need to round-trip the actor
				s.enqueue(outFrame{websocket.TextMessage, wire.EncodePong()})
			case wire.TypePong:
			}
		}
	}
}
