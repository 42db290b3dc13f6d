// Package api provides the local status HTTP surface for the sharme
// background service: read-only sync state, a health probe, and a
// websocket stream of tick events. Loopback-bound by default.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/logging"
	"github.com/sharme/sharme/internal/scheduler"
	"github.com/sharme/sharme/internal/storage"
)

// Server is the status HTTP server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	facts *storage.FactStore
	meta  *storage.MetaStore
	sched *scheduler.Scheduler
	hub   *Hub
	log   *logging.Logger
}

// Config for the server.
type Config struct {
	Host      string
	Port      int
	Facts     *storage.FactStore
	Meta      *storage.MetaStore
	Scheduler *scheduler.Scheduler
}

// New creates a status server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		facts:  cfg.Facts,
		meta:   cfg.Meta,
		sched:  cfg.Scheduler,
		hub:    NewHub(),
		log:    logging.WithField("component", "api"),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET"},
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/events", s.hub.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start runs the server and the event hub until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	go s.hub.Run()
	s.log.Info("status server listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Router returns the handler (used by tests).
func (s *Server) Router() http.Handler {
	return s.router
}

// Notify broadcasts a tick event to websocket subscribers.
func (s *Server) Notify(event Event) {
	s.hub.Broadcast(event)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the /status body.
type StatusResponse struct {
	WalletAddress     string                 `json:"wallet_address"`
	CurrentVersion    uint32                 `json:"current_version"`
	LastPushedVersion uint32                 `json:"last_pushed_version"`
	FactCount         int                    `json:"fact_count"`
	DirtyCount        int                    `json:"dirty_count"`
	Tasks             []scheduler.TaskStatus `json:"tasks,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	address, err := s.meta.Get(core.MetaWalletAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	current, err := s.meta.GetVersion(core.MetaCurrentVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pushed, err := s.meta.GetVersion(core.MetaLastPushedVersion)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	factCount, err := s.facts.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dirtyCount, err := s.facts.CountDirty()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	response := StatusResponse{
		WalletAddress:     address,
		CurrentVersion:    current,
		LastPushedVersion: pushed,
		FactCount:         factCount,
		DirtyCount:        dirtyCount,
	}
	if s.sched != nil {
		response.Tasks = s.sched.Status()
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
