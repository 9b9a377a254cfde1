// Package server exposes the workflow over a local JSON HTTP API for a front
// end: reads of the whole state and the stage table, and every user action
// the CLI offers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes bounds request bodies, imports included.
const maxBodyBytes = 16 << 20

// Options holds optional configuration for Server.
type Options struct {
	// BaseContext is the parent of background turbo runs. Cancelling it
	// stops an active run at the next stage boundary. Defaults to
	// context.Background().
	BaseContext context.Context
	// AccessLog enables chi's request logger.
	AccessLog bool
	Debug     bool      // Enable debug logging
	Out       io.Writer // Debug output, defaults to stdout
}

// Server is the HTTP front end over one workflow.
type Server struct {
	workflow *state.Workflow
	executor *workflow.StageExecutor
	turbo    *workflow.TurboPipeline
	router   chi.Router
	baseCtx  context.Context
	debug    bool
	out      io.Writer

	mu      sync.Mutex
	lastRun *workflow.TurboResult
	runs    sync.WaitGroup
}

// New creates a Server driving exec and turbo.
func New(exec *workflow.StageExecutor, turbo *workflow.TurboPipeline, opts Options) *Server {
	s := &Server{
		workflow: exec.Workflow(),
		executor: exec,
		turbo:    turbo,
		baseCtx:  opts.BaseContext,
		debug:    opts.Debug,
		out:      opts.Out,
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	s.router = s.buildRouter(opts.AccessLog)
	return s
}

// debugLog prints a debug message if debug mode is enabled.
func (s *Server) debugLog(format string, args ...interface{}) {
	if s.debug {
		fmt.Fprintf(s.out, "[DEBUG][Server] "+format+"\n", args...)
	}
}

// ServeHTTP implements the http.Handler interface, delegating to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Wait blocks until background turbo runs started by the API have finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter(accessLog bool) chi.Router {
	r := chi.NewRouter()

	if accessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/stages", s.handleStages)
		r.Post("/stages/{index}/run", s.handleRunStage)
		r.Post("/stages/{index}/confirm", s.handleConfirmStage)

		r.Put("/outputs/{key}", s.handleEditOutput)
		r.Post("/outputs/{key}/approve", s.handleApproveOutput)

		r.Get("/turbo", s.handleTurboStatus)
		r.Post("/turbo", s.handleTurboStart)
		r.Post("/turbo/cancel", s.handleTurboCancel)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
		r.Post("/reset", s.handleReset)
	})

	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
