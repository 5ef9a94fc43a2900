// Package api exposes the sync engine to the UI layer over a localhost
// HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/colsync/colsyncd/internal/config"
	"github.com/colsync/colsyncd/internal/secrets"
	"github.com/colsync/colsyncd/internal/serializer"
	"github.com/colsync/colsyncd/internal/store"
	"github.com/colsync/colsyncd/internal/sync"
)

// Syncer is the slice of the sync service the API drives.
type Syncer interface {
	IsConfigured(workspaceID string) bool
	TestConnection(ctx context.Context, workspaceID string) error
	Pull(ctx context.Context, workspaceID string) error
	PullCollection(ctx context.Context, workspaceID, collectionID string) error
	PushAll(ctx context.Context, workspaceID string) error
	PushCollection(ctx context.Context, workspaceID, collectionID string) error
	PushRequest(ctx context.Context, workspaceID, collectionID, requestID string) error
	ForceKeepLocal(ctx context.Context, workspaceID, collectionID string) error
	ForceKeepRemote(ctx context.Context, workspaceID, collectionID string) error
	DeleteRemoteCollection(ctx context.Context, workspaceID, collectionID string) error
}

// Server hosts the local REST API for the sync service.
type Server struct {
	cfg     *config.Config
	svc     Syncer
	store   store.Store
	scanner secrets.Scanner
	logger  *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, svc Syncer, st store.Store, scanner secrets.Scanner, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, store: st, scanner: scanner, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/test-connection", s.handleTestConnection)
		r.Post("/pull", s.handlePull)
		r.Post("/push", s.handlePushAll)

		r.Route("/collections/{collectionID}", func(r chi.Router) {
			r.Post("/pull", s.handlePullCollection)
			r.Post("/push", s.handlePushCollection)
			r.Post("/scan", s.handleScan)
			r.Post("/resolve", s.handleResolve)
			r.Delete("/remote", s.handleDeleteRemote)
			r.Post("/requests/{requestID}/push", s.handlePushRequest)
		})
	})

	return r
}

// Start runs the server until ctx is cancelled. When auto-sync is enabled
// it performs an initial pull and keeps pulling on the configured interval.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Sync.AutoSyncEnabled() {
		s.logger.Info("performing initial sync")
		if err := s.svc.Pull(ctx, ""); err != nil {
			s.logger.Warn("initial sync failed", "error", err)
		}
		go s.autoSyncLoop(ctx)
	}

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server starting", "addr", s.cfg.Serve.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) autoSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Serve.AutoSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.svc.Pull(ctx, ""); err != nil {
				s.logger.Warn("auto-sync failed", "error", err)
			}
		}
	}
}

type collectionStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SyncEnabled bool   `json:"sync_enabled"`
	IsDirty     bool   `json:"is_dirty"`
	RemoteSHA   string `json:"remote_sha,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace")
	collections, err := s.store.Collections().FindByWorkspace(r.Context(), workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}

	statuses := make([]collectionStatus, 0, len(collections))
	for _, c := range collections {
		statuses = append(statuses, collectionStatus{
			ID:          c.ID,
			Name:        c.Name,
			SyncEnabled: c.SyncEnabled,
			IsDirty:     c.IsDirty,
			RemoteSHA:   c.RemoteSHA,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured":  s.svc.IsConfigured(workspaceID),
		"collections": statuses,
	})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TestConnection(r.Context(), r.URL.Query().Get("workspace")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, func() error {
		return s.svc.Pull(r.Context(), r.URL.Query().Get("workspace"))
	})
}

func (s *Server) handlePushAll(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, func() error {
		return s.svc.PushAll(r.Context(), r.URL.Query().Get("workspace"))
	})
}

func (s *Server) handlePullCollection(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, func() error {
		return s.svc.PullCollection(r.Context(), r.URL.Query().Get("workspace"), chi.URLParam(r, "collectionID"))
	})
}

func (s *Server) handlePushCollection(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, func() error {
		return s.svc.PushCollection(r.Context(), r.URL.Query().Get("workspace"), chi.URLParam(r, "collectionID"))
	})
}

func (s *Server) handlePushRequest(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, func() error {
		return s.svc.PushRequest(r.Context(), r.URL.Query().Get("workspace"),
			chi.URLParam(r, "collectionID"), chi.URLParam(r, "requestID"))
	})
}

func (s *Server) handleDeleteRemote(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, func() error {
		return s.svc.DeleteRemoteCollection(r.Context(), r.URL.Query().Get("workspace"), chi.URLParam(r, "collectionID"))
	})
}

type resolveBody struct {
	Strategy string `json:"strategy"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	workspaceID := r.URL.Query().Get("workspace")
	collectionID := chi.URLParam(r, "collectionID")

	switch body.Strategy {
	case "keep_local":
		s.runSync(w, func() error { return s.svc.ForceKeepLocal(r.Context(), workspaceID, collectionID) })
	case "keep_remote":
		s.runSync(w, func() error { return s.svc.ForceKeepRemote(r.Context(), workspaceID, collectionID) })
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "strategy must be keep_local or keep_remote",
		})
	}
}

// handleScan reports plaintext secrets found in a collection so the UI can
// warn before a push.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionID")
	col, err := s.store.Collections().FindByID(r.Context(), collectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if col == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "collection not found"})
		return
	}

	requests, err := s.store.Requests().FindByCollection(r.Context(), collectionID)
	if err != nil {
		writeError(w, err)
		return
	}

	findings := s.scanner.Scan(requests, col.Variables)
	if findings == nil {
		findings = []secrets.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}

func (s *Server) runSync(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps the error taxonomy onto status codes: conflicts and
// in-flight rejections are recoverable client states, validation failures
// are bad requests, everything else is a 502 carrying the provider's
// message.
func writeError(w http.ResponseWriter, err error) {
	var conflict *sync.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "sync conflict",
			"paths": conflict.Paths,
		})
		return
	}
	if errors.Is(err, sync.ErrSyncInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	var validation *serializer.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

// requestID tags every response so client logs and server logs can be
// correlated. An incoming X-Request-ID is kept, otherwise one is minted.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
