package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"imgcrawler/internal/proxypool"
	"imgcrawler/pkg/types"
)

// StatusSource is the live view of a running crawl.
type StatusSource interface {
	Stats() types.StatsSnapshot
	Collections() []types.CollectionSummary
	ProxyStats() proxypool.Stats
}

// StatsResponse is the payload of GET /api/stats.
type StatsResponse struct {
	Stats       types.StatsSnapshot       `json:"stats"`
	Collections []types.CollectionSummary `json:"collections"`
	Timestamp   time.Time                 `json:"timestamp"`
}

// Server exposes a read-only HTTP view of the crawl.
type Server struct {
	source    StatusSource
	mux       *http.ServeMux
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(source StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		source:    source,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "status"),
		heartbeat: 2 * time.Second,
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status server listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/stats/events", s.handleStatsEvents)
	s.mux.HandleFunc("/api/collections/", s.handleCollectionByID)
	s.mux.HandleFunc("/api/proxies", s.handleProxies)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleCollectionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/collections/"), "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		http.NotFound(w, r)
		return
	}
	id, err := url.PathUnescape(trimmed)
	if err != nil {
		http.Error(w, "invalid collection id", http.StatusBadRequest)
		return
	}
	for _, c := range s.source.Collections() {
		if c.ID == id {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, s.source.ProxyStats())
}

// handleStatsEvents streams a stats snapshot whenever the counters change.
func (s *Server) handleStatsEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var last types.StatsSnapshot
	first := true
	for {
		current := s.source.Stats()
		if first || current != last {
			payload, err := json.Marshal(s.snapshot())
			if err == nil {
				fmt.Fprintf(w, "event: stats\ndata: %s\n\n", payload)
			}
			last, first = current, false
		} else {
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		}
		flusher.Flush()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) snapshot() StatsResponse {
	collections := s.source.Collections()
	if collections == nil {
		collections = []types.CollectionSummary{}
	}
	return StatsResponse{
		Stats:       s.source.Stats(),
		Collections: collections,
		Timestamp:   time.Now().UTC(),
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
