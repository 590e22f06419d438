// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package debugapi serves a debug agent over HTTP and provides the matching
// client, so a controller can drive workers living in another process.
package debugapi

import (
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/tombee/rendezvous/internal/agent"
	"github.com/tombee/rendezvous/internal/debugops"
	rvlog "github.com/tombee/rendezvous/internal/log"
	"github.com/tombee/rendezvous/internal/phase"
)

// HealthResponse is the response format for /v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ThreadsResponse is the response format for /v1/threads.
type ThreadsResponse struct {
	Threads []agent.Info `json:"threads"`
}

// StackResponse is the response format for /v1/threads/{id}/stack.
type StackResponse struct {
	ThreadID debugops.ThreadID `json:"thread_id"`
	Frames   debugops.Stack    `json:"frames"`
}

// PhaseResponse is the response format for /v1/threads/{id}/phase.
type PhaseResponse struct {
	ThreadID debugops.ThreadID `json:"thread_id"`
	Phase    phase.Phase       `json:"phase"`
}

// StatusResponse acknowledges a control operation.
type StatusResponse struct {
	ThreadID debugops.ThreadID `json:"thread_id"`
	Status   string            `json:"status"`
}

// Server exposes an agent's threads.
type Server struct {
	agent   *agent.Agent
	logger  *slog.Logger
	metrics http.Handler
	started time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for a.
func NewServer(a *agent.Agent, opts ...ServerOption) *Server {
	s := &Server{
		agent:   a,
		logger:  rvlog.Discard(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers the API routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleGetThread)
	mux.HandleFunc("POST /v1/threads/{id}/suspend", s.handleSuspend)
	mux.HandleFunc("POST /v1/threads/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /v1/threads/{id}/stack", s.handleStack)
	mux.HandleFunc("POST /v1/threads/{id}/unwind", s.handleUnwind)
	mux.HandleFunc("GET /v1/threads/{id}/phase", s.handlePhase)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the routed, request-logging handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return rvlog.Middleware(rvlog.WithComponent(s.logger, "debugapi"), mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Checks: map[string]string{
			"api":     "ok",
			"runtime": runtime.Version(),
			"threads": strconv.Itoa(len(s.agent.Threads())),
		},
	})
}

// handleListThreads handles GET /v1/threads.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ThreadsResponse{Threads: s.agent.Threads()})
}

// handleGetThread handles GET /v1/threads/{id}.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.agent.Thread(threadID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Info())
}

// handleSuspend handles POST /v1/threads/{id}/suspend.
func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	if err := s.agent.Suspend(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{ThreadID: id, Status: "suspended"})
}

// handleResume handles POST /v1/threads/{id}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	if err := s.agent.Resume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{ThreadID: id, Status: "running"})
}

// handleStack handles GET /v1/threads/{id}/stack.
func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	stack, err := s.agent.CaptureStack(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if stack == nil {
		stack = debugops.Stack{}
	}
	writeJSON(w, http.StatusOK, StackResponse{ThreadID: id, Frames: stack})
}

// handleUnwind handles POST /v1/threads/{id}/unwind.
func (s *Server) handleUnwind(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	if err := s.agent.UnwindOneFrame(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{ThreadID: id, Status: "unwound"})
}

// handlePhase handles GET /v1/threads/{id}/phase.
func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	p, err := s.agent.Phase(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PhaseResponse{ThreadID: id, Phase: p})
}

func threadID(r *http.Request) debugops.ThreadID {
	return debugops.ThreadID(r.PathValue("id"))
}
