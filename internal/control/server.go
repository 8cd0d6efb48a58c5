// Package control exposes the admin channel: a snapshot event stream and
// the start/stop commands.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aweston/repomirror/internal/mirrorsync"
	"github.com/aweston/repomirror/internal/state"
)

// Server accepts the two sync commands and pushes a full state snapshot
// to every connected observer on every mutation.
type Server struct {
	syncer  *mirrorsync.Sync
	tracker *state.Tracker
	log     *slog.Logger
	runCtx  context.Context
}

// New creates a Server driving syncer and observing tracker.
func New(syncer *mirrorsync.Sync, tracker *state.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		syncer:  syncer,
		tracker: tracker,
		log:     logger,
		runCtx:  context.Background(),
	}
}

// Handler returns the control API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	return mux
}

// ListenAndServe runs the control server until ctx is cancelled. Sync
// passes started over the channel inherit ctx, not the request context.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.runCtx = ctx

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("control channel listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.tracker.Current()); err != nil {
		s.log.Warn("encode state", "error", err)
	}
}

// handleEvents streams every snapshot as a server-sent event. Full
// snapshots, never deltas; a slow observer sees the latest state only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snaps, cancel := s.tracker.Subscribe()
	defer cancel()

	// Seed new observers with the current state immediately.
	if err := writeSnapshot(w, s.tracker.Current()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-snaps:
			if err := writeSnapshot(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.syncer.Start(s.runCtx); err != nil {
		if errors.Is(err, mirrorsync.ErrAlreadyRunning) {
			http.Error(w, "sync already running", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("sync pass started via control channel")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.syncer.Stop()
	s.log.Info("stop requested via control channel")
	w.WriteHeader(http.StatusAccepted)
}

func writeSnapshot(w io.Writer, snap state.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
