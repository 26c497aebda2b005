// Package admin mounts a read-only HTTP surface over a dispatcher's pool
// and metrics, grounded in this repository's gorilla/mux-based web UI
// commands (cmd/announce-webui, cmd/webui). It never mutates dispatcher
// state: CLOSING stays on the service-message path so every cancellation
// source funnels through one audited entry point (SPEC_FULL.md §4.9).
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/corewire/dispatch/pkg/dispatch"
	"github.com/corewire/dispatch/pkg/logging"
)

// Config configures the admin server.
type Config struct {
	Addr       string
	Dispatcher *dispatch.Dispatcher
	Logger     *logging.Logger
}

// Server is the admin HTTP surface.
type Server struct {
	cfg    Config
	log    *logging.Logger
	router *mux.Router
	http   *http.Server
}

// New builds a Server with its routes registered but not yet listening.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger().WithComponent("admin")
	}

	s := &Server{cfg: cfg, log: log, router: mux.NewRouter()}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s
}

// ListenAndServe starts the HTTP listener; it blocks until the server
// stops, matching net/http.Server's own contract.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Close shuts the HTTP listener down.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// statusResponse mirrors GET_STATUS's service-message semantics over HTTP:
// read-only, never touches the pool.
type statusResponse struct {
	PoolSize     int    `json:"pool_size"`
	PoolCapacity int    `json:"pool_capacity"`
	Full         bool   `json:"full"`
	UUID         string `json:"uuid,omitempty"`
	UUIDStatus   string `json:"uuid_status,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pool := s.cfg.Dispatcher.Pool
	resp := statusResponse{
		PoolSize:     pool.Len(),
		PoolCapacity: pool.MaxSize(),
		Full:         pool.Full(),
	}

	if uuid := r.URL.Query().Get("uuid"); uuid != "" {
		resp.UUID = uuid
		resp.UUIDStatus = string(pool.Status(uuid))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithField("error", err.Error()).Warn("status encode failed")
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.cfg.Dispatcher.Metrics.Snapshot()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "dispatch_tasks_admitted %d\n", m.Admitted)
	fmt.Fprintf(w, "dispatch_tasks_completed %d\n", m.Completed)
	fmt.Fprintf(w, "dispatch_tasks_failed %d\n", m.Failed)
	fmt.Fprintf(w, "dispatch_tasks_cancelled %d\n", m.Cancelled)
	fmt.Fprintf(w, "dispatch_payloads_dropped %d\n", m.Dropped)
	fmt.Fprintf(w, "dispatch_payloads_redelivered %d\n", m.Redelivered)
	fmt.Fprintf(w, "dispatch_service_messages_processed %d\n", m.ServiceProcessed)
}
