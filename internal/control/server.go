// Package control provides a Unix socket control interface for wolbridge.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/postalsys/wolbridge/internal/peer"
	"github.com/postalsys/wolbridge/internal/routing"
)

// Node is the running server as seen by the control interface.
type Node interface {
	// Name returns the name this node answers to.
	Name() string

	// IsRunning returns true if the node is accepting connections.
	IsRunning() bool

	// ListenAddress returns the bound listen address.
	ListenAddress() string

	// StartedAt returns when the node started.
	StartedAt() time.Time

	// Bridges returns the registered bridges.
	Bridges() []peer.Info

	// HeartbeatsEnabled reports whether heartbeat transmission is on.
	HeartbeatsEnabled() bool

	// SetHeartbeatsEnabled toggles heartbeat transmission.
	SetHeartbeatsEnabled(enabled bool)

	// Submit routes a wakeup payload as if it had been received.
	Submit(ctx context.Context, payload string) (routing.Decision, error)
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Name              string    `json:"name"`
	Running           bool      `json:"running"`
	ListenAddress     string    `json:"listen_address"`
	StartedAt         time.Time `json:"started_at"`
	BridgeCount       int       `json:"bridge_count"`
	HeartbeatsEnabled bool      `json:"heartbeats_enabled"`
}

// BridgesResponse is the response for the bridges endpoint.
type BridgesResponse struct {
	Bridges []peer.Info `json:"bridges"`
}

// HeartbeatsRequest is the body of a heartbeats update.
type HeartbeatsRequest struct {
	Enabled bool `json:"enabled"`
}

// HeartbeatsResponse is the response for the heartbeats endpoint.
type HeartbeatsResponse struct {
	Enabled bool `json:"enabled"`
}

// WakeRequest is the body of a wake command.
type WakeRequest struct {
	Payload string `json:"payload"`
}

// WakeResponse describes how a wake command was routed.
type WakeResponse struct {
	Action   string `json:"action"`
	Target   string `json:"target,omitempty"`
	Forward  string `json:"forward,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Error    string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./wolbridge.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	node     Node
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, node Node) *Server {
	s := &Server{
		cfg:  cfg,
		node: node,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/bridges", s.handleBridges)
	mux.HandleFunc("/heartbeats", s.handleHeartbeats)
	mux.HandleFunc("/wake", s.handleWake)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Name:              s.node.Name(),
		Running:           s.node.IsRunning(),
		ListenAddress:     s.node.ListenAddress(),
		StartedAt:         s.node.StartedAt(),
		BridgeCount:       len(s.node.Bridges()),
		HeartbeatsEnabled: s.node.HeartbeatsEnabled(),
	})
}

func (s *Server) handleBridges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bridges := s.node.Bridges()
	if bridges == nil {
		bridges = []peer.Info{}
	}
	writeJSON(w, http.StatusOK, BridgesResponse{Bridges: bridges})
}

// handleHeartbeats reports the transmission state on GET and sets it on POST.
func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req HeartbeatsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		s.node.SetHeartbeatsEnabled(req.Enabled)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HeartbeatsResponse{Enabled: s.node.HeartbeatsEnabled()})
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req WakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	req.Payload = strings.TrimSpace(req.Payload)
	if req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payload required"})
		return
	}

	d, err := s.node.Submit(r.Context(), req.Payload)
	resp := WakeResponse{
		Action:   d.Action.String(),
		Target:   d.Target,
		Forward:  d.Forward,
		Endpoint: d.Endpoint,
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
