// Package api exposes the HTTP surface: snapshot fetch, websocket sync,
// bootstrap trigger, and a debug graph rendering.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/flowsync/pkg/bootstrap"
	"github.com/astromechza/flowsync/pkg/room"
	"github.com/astromechza/flowsync/pkg/store"
	"github.com/astromechza/flowsync/pkg/viz"
)

const defaultCollection = "nodes"

// IdentityResolver maps an incoming request to a user identity. Session and
// auth systems live outside this service; this is their boundary.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderIdentity resolves the X-User-Id header, then the user query
// parameter, and otherwise mints an anonymous identity per connection.
type HeaderIdentity struct{}

func (HeaderIdentity) Resolve(r *http.Request) (string, error) {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v, nil
	}
	if v := r.URL.Query().Get("user"); v != "" {
		return v, nil
	}
	return "anon-" + ulid.Make().String(), nil
}

// Server holds the handler dependencies.
type Server struct {
	registry *room.Registry
	store    *store.Store
	identity IdentityResolver
	upgrader websocket.Upgrader
}

// New wires the HTTP surface. identity may be nil to use HeaderIdentity.
func New(registry *room.Registry, st *store.Store, identity IdentityResolver) *Server {
	if identity == nil {
		identity = HeaderIdentity{}
	}
	return &Server{
		registry: registry,
		store:    st,
		identity: identity,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Router builds the mux router with request logging.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/flows/{flow}/snapshot").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodGet).Path("/flows/{flow}/sync").HandlerFunc(s.syncFlow)
	r.Methods(http.MethodPost).Path("/flows/{flow}/bootstrap").HandlerFunc(s.bootstrapFlow)
	r.Methods(http.MethodGet).Path("/flows/{flow}/graph.svg").HandlerFunc(s.getGraph)
	return r
}

// getSnapshot serves the current full document state for non-interactive use
// (initial page render, diagnostics).
func (s *Server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	flowID := mux.Vars(request)["flow"]
	snapshot, err := s.registry.Snapshot(request.Context(), flowID)
	if err != nil {
		slog.Error("failed to build snapshot", "flow", flowID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(snapshot); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// syncFlow upgrades to a websocket and runs the session against the flow's
// room until the connection dies.
func (s *Server) syncFlow(writer http.ResponseWriter, request *http.Request) {
	flowID := mux.Vars(request)["flow"]
	collection := request.URL.Query().Get("collection")
	if collection == "" {
		collection = defaultCollection
	}
	if !store.ValidCollection(collection) {
		http.Error(writer, fmt.Sprintf("invalid collection %q", collection), http.StatusBadRequest)
		return
	}
	userID, err := s.identity.Resolve(request)
	if err != nil {
		http.Error(writer, "unable to resolve identity", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	sess := room.NewSession(conn, userID)
	if err := s.registry.Serve(request.Context(), flowID, collection, sess); err != nil {
		// a failed room load must surface as a connection failure, never as
		// an empty document
		slog.Error("failed to serve session", "flow", flowID, "session", sess.ID(), "err", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"))
	}
}

// bootstrapFlow triggers the one-time relational import for a flow.
func (s *Server) bootstrapFlow(writer http.ResponseWriter, request *http.Request) {
	flowID := mux.Vars(request)["flow"]
	var req bootstrap.Request
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		http.Error(writer, fmt.Sprintf("invalid body: %s", err), http.StatusBadRequest)
		return
	}
	imported, err := bootstrap.Run(request.Context(), s.store, s.registry, flowID, req)
	switch {
	case errors.Is(err, bootstrap.ErrAlreadyBootstrapped), errors.Is(err, bootstrap.ErrRoomLive):
		http.Error(writer, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	writer.Header().Add("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(map[string]any{"flowId": flowID, "imported": imported})
}

// getGraph renders the current node graph as SVG.
func (s *Server) getGraph(writer http.ResponseWriter, request *http.Request) {
	flowID := mux.Vars(request)["flow"]
	nodes, err := s.registry.Nodes(request.Context(), flowID)
	if err != nil {
		slog.Error("failed to read nodes", "flow", flowID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderFlowSVG(nodes, &buff); err != nil {
		slog.Error("failed to render graph", "flow", flowID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	_, _ = writer.Write(buff.Bytes())
}
