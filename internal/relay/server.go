package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaysync/relaysync/internal/schema"
)

// ServerConfig holds relay server configuration.
type ServerConfig struct {
	// Port to listen on (default: 8384).
	Port int

	// PageSize caps operations per pull page (default: DefaultPageSize).
	PageSize int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:     8384,
		PageSize: DefaultPageSize,
		Logger:   log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// Server is the reference relay: an HTTP front over a single in-memory
// operation stream. It validates nothing beyond basic shape and resolves
// no conflicts; clients own convergence.
type Server struct {
	cfg      *ServerConfig
	stream   stream
	listener net.Listener
	server   *http.Server
	logger   *log.Logger
}

// NewServer creates a relay server.
func NewServer(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Router returns the relay's HTTP routes. Exposed for tests that mount
// the relay on an httptest server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/v1/ops", s.handlePush)
	r.Get("/v1/ops", s.handlePull)
	r.Get("/v1/ops/count", s.handleCount)
	r.Get("/health", s.handleHealth)
	return r
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("relay shutdown error: %w", err)
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.cfg.Port)
}

// Size returns the current stream length. Used by status reporting.
func (s *Server) Size() int64 {
	return s.stream.size()
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid push request: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Ops) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}
	for i := range req.Ops {
		if err := req.Ops[i].Validate(); err != nil {
			http.Error(w, fmt.Sprintf("invalid operation: %v", err), http.StatusBadRequest)
			return
		}
	}

	cursor := s.stream.append(req.Ops)
	s.logger.Printf("Accepted %d ops from %.8s (cursor now %d)", len(req.Ops), req.ClientID, cursor)
	writeJSON(w, pushResponse{Cursor: cursor})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ops, next := s.stream.page(cursor, s.cfg.PageSize)
	if ops == nil {
		ops = []schema.Operation{}
	}
	writeJSON(w, pullResponse{Ops: ops, NextCursor: next})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, countResponse{Count: s.stream.pending(cursor)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"ops":    s.stream.size(),
	})
}

func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return cursor, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
