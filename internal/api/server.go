package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zde37/tessera/internal/grid"
	"github.com/zde37/tessera/internal/transport"
	"github.com/zde37/tessera/pkg"
)

// DefaultMaxValueBytes bounds the body of a PUT request.
const DefaultMaxValueBytes = 1 << 20

// Server is the HTTP API of a node: key operations routed to their
// primary, topology inspection, metrics and a WebSocket update stream.
type Server struct {
	grid       *grid.Grid
	router     *transport.Router
	cfg        Config
	httpServer *http.Server
	wsHub      *WebSocketHub
	logger     *pkg.Logger

	hubOnce     sync.Once
	unsubscribe func()
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort       int
	RequestTimeout time.Duration
	MaxValueBytes  int64
}

// NewServer creates the HTTP API for g. The WebSocket hub is registered as
// the topology broadcaster and as a lock event subscriber.
func NewServer(cfg *Config, g *grid.Grid, router *transport.Router, logger *pkg.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if g == nil || router == nil {
		return nil, fmt.Errorf("%w: grid and router are required", pkg.ErrIllegalState)
	}

	c := Config{RequestTimeout: 5 * time.Second, MaxValueBytes: DefaultMaxValueBytes}
	if cfg != nil {
		c.HTTPPort = cfg.HTTPPort
		if cfg.RequestTimeout > 0 {
			c.RequestTimeout = cfg.RequestTimeout
		}
		if cfg.MaxValueBytes > 0 {
			c.MaxValueBytes = cfg.MaxValueBytes
		}
	}

	hub := NewWebSocketHub(logger)
	g.Topology().SetBroadcaster(hub)

	return &Server{
		grid:        g,
		router:      router,
		cfg:         c,
		wsHub:       hub,
		logger:      logger.Component("http_api"),
		unsubscribe: g.Events().Subscribe(hub),
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WebSocketHub { return s.wsHub }

// Handler returns the HTTP handler and starts the WebSocket hub.
func (s *Server) Handler() http.Handler {
	s.hubOnce.Do(s.wsHub.Start)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/cache/{key}", s.getHandler)
	mux.HandleFunc("PUT /api/cache/{key}", s.putHandler)
	mux.HandleFunc("DELETE /api/cache/{key}", s.deleteHandler)
	mux.HandleFunc("GET /api/owners/{key}", s.ownersHandler)
	mux.HandleFunc("GET /api/topology", s.topologyHandler)
	mux.HandleFunc("GET /api/stats", s.statsHandler)
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	mux.Handle("GET /metrics", s.grid.Metrics().Handler())
	return corsMiddleware(requestIDMiddleware(mux))
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.HTTPPort, err)
	}
	s.Serve(l)
	return nil
}

// Serve serves on l in the background.
func (s *Server) Serve(l net.Listener) {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", l.Addr().String()).Msg("HTTP API server started")

	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
}

// Stop detaches the hub from the grid and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.unsubscribe()
	s.grid.Topology().SetBroadcaster(nil)
	s.hubOnce.Do(func() {})
	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"node_id": s.grid.Local().ID.String(),
		"version": s.grid.Topology().Version(),
	})
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	v, err := s.router.Get(ctx, r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(v)
}

func (s *Server) putHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxValueBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.router.Put(ctx, r.PathValue("key"), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	removed, err := s.router.Remove(ctx, r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

type nodeView struct {
	ID         string            `json:"id"`
	Address    string            `json:"address"`
	Order      int64             `json:"order"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type ownersView struct {
	Key       string     `json:"key"`
	Partition int        `json:"partition"`
	Version   int64      `json:"version"`
	Primary   *nodeView  `json:"primary,omitempty"`
	Backups   []nodeView `json:"backups"`
	Local     bool       `json:"local_primary"`
}

func (s *Server) ownersHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	topo := s.grid.Topology()

	view := ownersView{
		Key:       key,
		Partition: topo.Partition(key),
		Version:   topo.Version(),
		Backups:   []nodeView{},
		Local:     s.grid.IsPrimary(key),
	}
	for i, n := range topo.Owners(key) {
		nv := nodeView{ID: n.ID.String(), Address: n.Address(), Order: n.Order, Attributes: n.Attributes}
		if i == 0 {
			view.Primary = &nv
			continue
		}
		view.Backups = append(view.Backups, nv)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) topologyHandler(w http.ResponseWriter, r *http.Request) {
	topo := s.grid.Topology()
	snap := topo.Snapshot()
	current := topo.Current()

	nodes := make([]map[string]any, 0, snap.Size())
	for _, n := range snap.Nodes {
		nodes = append(nodes, map[string]any{
			"id":                 n.ID.String(),
			"address":            n.Address(),
			"order":              n.Order,
			"attributes":         n.Attributes,
			"partitions":         len(current.PartitionsOf(n.ID)),
			"primary_partitions": len(current.PrimaryPartitionsOf(n.ID)),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    snap.Version,
		"local":      s.grid.Local().ID.String(),
		"partitions": current.Partitions(),
		"backups":    topo.Backups(),
		"nodes":      nodes,
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"store":        s.grid.Cache().Store().GetStats(),
		"locks":        s.grid.Registry().Stats(),
		"transactions": s.grid.Transactions().Stats(),
		"ws_clients":   s.wsHub.Clients(),
	})
}

// writeError maps grid errors to HTTP status codes. Errors worth retrying
// carry a Retry-After header.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkg.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pkg.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, pkg.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrIllegalState), errors.Is(err, pkg.ErrOptimisticConflict):
		status = http.StatusConflict
	case errors.Is(err, pkg.ErrContextCanceled), errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}
	if pkg.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).Error().Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// requestIDMiddleware keeps the caller's X-Request-ID or assigns one, echoes
// it and stores it in the request context for logging.
func requestIDMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), pkg.RequestIDKey, id)))
	})
}
