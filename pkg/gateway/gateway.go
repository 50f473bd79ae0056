// Package gateway implements the Request Gateway (C6): the control
// plane's public HTTP surface for allocating, creating, querying,
// executing in, and deleting sandboxes, plus the pool status projection.
// Routing uses gorilla/mux path variables; the surface is plain HTTP with
// SSE streaming for lifecycle and execution events, gated by an opaque
// shared-secret admin-key header.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/sandboxlabs/sandboxd/pkg/events"
	"github.com/sandboxlabs/sandboxd/pkg/executorclient"
	"github.com/sandboxlabs/sandboxd/pkg/lifecycle"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/metrics"
	"github.com/sandboxlabs/sandboxd/pkg/orchestrator"
	"github.com/sandboxlabs/sandboxd/pkg/pool"
	"github.com/sandboxlabs/sandboxd/pkg/sandbox"
)

// Config holds the gateway's tunables.
type Config struct {
	Addr            string
	AdminKey        string // opaque shared-secret header value; empty disables the gate (local/dev only)
	ExecutorPort    int
	LifecycleConfig lifecycle.Config
}

// Server is the C6 Request Gateway.
type Server struct {
	cfg        Config
	adapter    *orchestrator.Adapter
	pool       *pool.Manager
	tracker    *lifecycle.Tracker
	raftStatus raftStatus
	logger     zerolog.Logger
	mux        *mux.Router
	httpSrv    *http.Server
}

// raftStatus is satisfied by control.Node: the admin debug endpoint
// reports leadership and log-application state without the gateway
// depending on the control package directly.
type raftStatus interface {
	IsLeader() bool
	LeaderAddr() string
	Stats() map[string]any
}

// New constructs a Server wired to the pool manager and orchestrator
// adapter; it owns its own lifecycle.Tracker for the synchronous
// Create/Allocate-fallback path.
func New(adapter *orchestrator.Adapter, pm *pool.Manager, cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		adapter: adapter,
		pool:    pm,
		tracker: lifecycle.New(adapter, cfg.LifecycleConfig),
		logger:  log.WithComponent("gateway"),
	}
	s.routes()
	return s
}

// SetRaftStatus wires the control substrate's leader/log state into the
// /debug/raft admin endpoint. Nil (the default) makes that endpoint
// report 501 Not Implemented.
func (s *Server) SetRaftStatus(rs raftStatus) {
	s.raftStatus = rs
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	admin := r.NewRoute().Subrouter()
	admin.Use(s.adminKeyMiddleware)

	admin.HandleFunc("/v1/pool/status", s.handlePoolStatus).Methods(http.MethodGet)
	admin.HandleFunc("/v1/{kind}/sandboxes/allocate", s.handleAllocate).Methods(http.MethodPost)
	admin.HandleFunc("/v1/{kind}/sandboxes", s.handleCreate).Methods(http.MethodPost)
	admin.HandleFunc("/v1/{kind}/sandboxes", s.handleList).Methods(http.MethodGet)
	admin.HandleFunc("/v1/{kind}/sandboxes", s.handleDeleteAll).Methods(http.MethodDelete)
	admin.HandleFunc("/v1/{kind}/sandboxes/{name}", s.handleGet).Methods(http.MethodGet)
	admin.HandleFunc("/v1/{kind}/sandboxes/{name}", s.handleDelete).Methods(http.MethodDelete)
	admin.HandleFunc("/v1/{kind}/sandboxes/{name}/execute", s.handleExecute).Methods(http.MethodPost)
	admin.HandleFunc("/debug/raft", s.handleDebugRaft).Methods(http.MethodGet)

	s.mux = r
}

// Start runs the gateway's HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses are long-lived
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) adminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func kindFromPath(r *http.Request) sandbox.Kind {
	return sandbox.Kind(mux.Vars(r)["kind"])
}

func nameFromPath(r *http.Request) string {
	return mux.Vars(r)["name"]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleDebugRaft reports the control substrate's leader/log-application
// state for operability (SPEC_FULL.md §6's admin debug surface).
func (s *Server) handleDebugRaft(w http.ResponseWriter, r *http.Request) {
	if s.raftStatus == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody(fmt.Errorf("raft status not wired")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"is_leader":   s.raftStatus.IsLeader(),
		"leader_addr": s.raftStatus.LeaderAddr(),
		"stats":       s.raftStatus.Stats(),
	})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.pool.Status()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type allocateRequest struct {
	UserID string `json:"user_id"`
}

// handleAllocate implements §4.5's Allocate: warm hit streams a single
// terminal event, a miss falls back to synchronous CreateOnDemand +
// lifecycle tracking with the full event sequence.
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	kind := kindFromPath(r)
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	sse := newSSEWriter(w)
	if sse == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	warm, err := s.pool.AllocateWarm(r.Context(), req.UserID, kind)
	switch {
	case err == nil:
		metrics.GatewayRequestsTotal.WithLabelValues("allocate", "2xx").Inc()
		sse.writeLifecycle(events.ReadyEvent{
			Sandbox: events.SandboxInfo{Name: warm.Name, NodeName: warm.NodeName, PodIP: warm.PodIP},
		})
		return
	case errors.Is(err, pool.ErrNoWarm):
		created, cerr := s.pool.CreateOnDemand(req.UserID, kind, sandbox.PoolStatusAllocated)
		if cerr != nil {
			s.streamCreateError(sse, cerr)
			return
		}
		metrics.GatewayRequestsTotal.WithLabelValues("allocate", "2xx").Inc()
		stream := events.NewStream[events.LifecycleEvent](16)
		go s.tracker.Run(r.Context(), created.Name, stream)
		sse.pipeLifecycle(stream)
		return
	default:
		s.streamCreateError(sse, err)
	}
}

func (s *Server) streamCreateError(sse *sseWriter, err error) {
	if errors.Is(err, pool.ErrCapacityExceeded) {
		metrics.GatewayRequestsTotal.WithLabelValues("allocate", "4xx").Inc()
		sse.writeLifecycle(events.FailedEvent{Reason: "capacity-exceeded"})
		return
	}
	metrics.GatewayRequestsTotal.WithLabelValues("allocate", "5xx").Inc()
	sse.writeLifecycle(events.FailedEvent{Reason: fmt.Sprintf("create-failed: %v", err)})
}

type createRequest struct {
	UserID     string            `json:"user_id"`
	PoolStatus string            `json:"pool_status"` // "manual" or "allocated"
	Image      string            `json:"image,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// handleCreate implements §4.5's admin Create: always streams the full
// lifecycle sequence, regardless of warm-pool state.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind := kindFromPath(r)
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	poolStatus := sandbox.PoolStatusManual
	if req.PoolStatus == "allocated" {
		poolStatus = sandbox.PoolStatusAllocated
	}

	sse := newSSEWriter(w)
	if sse == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var override *sandbox.Spec
	if req.Image != "" || req.Env != nil {
		override = &sandbox.Spec{Image: req.Image, Env: req.Env}
	}
	created, err := s.pool.CreateWithSpec(req.UserID, kind, poolStatus, override)
	if err != nil {
		s.streamCreateError(sse, err)
		return
	}
	metrics.GatewayRequestsTotal.WithLabelValues("create", "2xx").Inc()

	stream := events.NewStream[events.LifecycleEvent](16)
	go s.tracker.Run(r.Context(), created.Name, stream)
	sse.pipeLifecycle(stream)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := nameFromPath(r)
	sb, found, err := s.adapter.GetSandbox(name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("sandbox %s not found", name)))
		return
	}
	writeJSON(w, http.StatusOK, sb)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind := kindFromPath(r)
	sel := orchestrator.Selector{Kind: kind}
	if ps := r.URL.Query().Get("pool_status"); ps != "" {
		sel.PoolStatus = sandbox.PoolStatus(ps)
	}
	list, err := s.adapter.ListSandboxes(sel)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := nameFromPath(r)
	if err := s.adapter.DeleteSandbox(name); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	kind := kindFromPath(r)
	list, err := s.adapter.ListSandboxes(orchestrator.Selector{Kind: kind})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	deleted := 0
	for _, sb := range list {
		if err := s.adapter.DeleteSandbox(sb.Name); err != nil {
			s.logger.Warn().Err(err).Str("sandbox", sb.Name).Msg("delete-all: failed to delete, continuing")
			continue
		}
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

type executeRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// handleExecute implements §4.5's Execute: touches the sandbox's activity
// timestamp once on initiation (Design Note §9 open question, decided in
// DESIGN.md), then streams the executor contract's events verbatim.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := nameFromPath(r)
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 300
	}

	sb, found, err := s.adapter.GetSandbox(name)
	if err != nil || !found || sb.PodIP == "" {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("sandbox %s not reachable", name)))
		return
	}

	if err := s.pool.Touch(name); err != nil {
		s.logger.Warn().Err(err).Str("sandbox", name).Msg("execute: touch failed, continuing")
	}

	sse := newSSEWriter(w)
	if sse == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	client := executorclient.New(fmt.Sprintf("http://%s:%d", sb.PodIP, s.cfg.ExecutorPort))
	stream := events.NewStream[events.ExecutionEvent](64)
	go client.Execute(r.Context(), req.Command, req.TimeoutSeconds, stream)

	outcome := "completed"
	for ev := range stream.Events() {
		sse.writeExecution(ev)
		if c, ok := ev.(events.CompletedEvent); ok {
			if c.TimedOut {
				outcome = "timed_out"
			} else if c.ExitCode == -1 {
				outcome = "gateway_error"
			}
		}
	}
	metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
