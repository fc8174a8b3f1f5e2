// Package rpcserver implements the HTTP/JSON RPC façade (SPEC_FULL.md
// §6): a single routed `POST /rpc` endpoint carrying a command envelope,
// plus an ambient `GET /rpc/events` job-event-stream extension.
//
// Routing uses gorilla/mux rather than bare net/http.ServeMux because the
// teacher's own server/routing.go layers CORS middleware onto muxed
// routes — the same shape, repurposed from the teacher's many plugin/auth
// routes down to the spec's single routed endpoint (everything else 404s).
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/teranos/instrument-server/internal/job"
	"github.com/teranos/instrument-server/internal/registry"
	"github.com/teranos/instrument-server/logger"
)

// Request is the `POST /rpc` JSON envelope.
type Request struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Response is the `POST /rpc` JSON envelope. Handlers attach additional
// fields via Data.
type Response struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Handler runs one named RPC command. A non-nil error becomes a 500
// response with the error's message in Response.Error, per spec.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server owns the command dispatch table and the shared state handlers
// close over (registry, job manager, coordinator/dispatcher).
type Server struct {
	reg      *registry.Registry
	jobs     *job.Manager
	handlers map[string]Handler
	upgrader websocket.Upgrader
}

// New wires the default command set: instrument lifecycle mirrors the
// CLI, plus the job operations the spec calls out explicitly.
func New(reg *registry.Registry, jobs *job.Manager) *Server {
	s := &Server{
		reg:      reg,
		jobs:     jobs,
		handlers: make(map[string]Handler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback-only surface, no browser CORS concern
		},
	}
	s.registerDefaultHandlers()
	return s
}

// Register adds or overrides a named command handler, used to wire in
// `measure`/`test` which need a script.Runtime bound to live instrument
// proxies (constructed by the daemon, not this package, to avoid an
// import cycle between rpcserver and script/dispatch/barrier).
func (s *Server) Register(command string, h Handler) {
	s.handlers[command] = h
}

// Router builds the mux.Router: POST /rpc is the only routed endpoint
// plus GET /rpc/events for the event stream; everything else 404s.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/rpc/events", s.handleEvents).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(Response{OK: false, Error: "not found"})
	})
	return r
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("Content-Type", "application/json")

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusInternalServerError, "malformed json: "+err.Error(), requestID)
		return
	}

	handler, ok := s.handlers[req.Command]
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "unknown command: "+req.Command, requestID)
		return
	}

	logger.RPCInfow("rpc command received", "request_id", requestID, "command", req.Command)

	data, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), requestID)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{OK: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, requestID string) {
	logger.RPCWarnw("rpc command failed", "request_id", requestID, "error", message)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{OK: false, Error: message})
}

// handleEvents upgrades to a WebSocket and streams job status transitions
// until the client disconnects, grounded on the teacher's
// plugin/grpc/websocket_keepalive.go push-loop shape but simplified to a
// one-directional broadcast feed (no ping/pong — the job manager's
// Subscribe channel is the only source of truth here).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.RPCWarnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.jobs.Subscribe()
	defer cancel()

	for j := range events {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(j); err != nil {
			return
		}
	}
}
