//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package server exposes conversation threads over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/threadgraph/graph"
	"trpc.group/trpc-go/threadgraph/log"
	"trpc.group/trpc-go/threadgraph/model"
	"trpc.group/trpc-go/threadgraph/runner"
	"trpc.group/trpc-go/threadgraph/server/internal/schema"
	"trpc.group/trpc-go/threadgraph/snapshot"
	"trpc.group/trpc-go/threadgraph/thread"
)

const (
	maxBodyBytes       = 1 << 20
	defaultHistorySize = 20
	readHeaderTimeout  = 10 * time.Second
)

// Server serves the thread API on top of a runner.
type Server struct {
	runner  *runner.Runner
	router  *mux.Router
	handler http.Handler
	metrics http.Handler
	origins []string
	logger  log.Logger
	valid   *validator.Validate
}

// Option configures the Server instance.
type Option func(*Server)

// WithCORSOrigins sets the allowed cross-origin callers. Without it every
// origin is allowed.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for r.
func New(r *runner.Runner, opts ...Option) *Server {
	s := &Server{
		runner: r,
		router: mux.NewRouter(),
		logger: log.Default,
		valid:  validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.registerRoutes()
	s.handler = c.Handler(s.router)
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then shuts down,
// waiting up to shutdownTimeout for requests in flight.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/graph", s.handleGraph).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/threads", s.handleListThreads).Methods(http.MethodGet)
	s.router.HandleFunc("/threads/{id}", s.handleGetThread).Methods(http.MethodGet)
	s.router.HandleFunc("/threads/{id}", s.handleDeleteThread).Methods(http.MethodDelete)
	s.router.HandleFunc("/threads/{id}/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/threads/{id}/transcript", s.handleTranscript).Methods(http.MethodGet)
	s.router.HandleFunc("/threads/{id}/messages", s.handlePostMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/threads/{id}/messages:stream", s.handleStreamMessage).Methods(http.MethodPost)
}

// ---- Handlers -----------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	_, _ = w.Write([]byte(s.runner.Executor().Graph().DOT()))
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.runner.Threads(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if threads == nil {
		threads = []string{}
	}
	s.writeJSON(w, http.StatusOK, schema.ThreadList{Threads: threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	state, err := s.runner.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot.Build(state))
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.logger.Infof("handleDeleteThread called: thread=%s", id)
	if err := s.runner.DeleteThread(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistorySize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, schema.ErrorResponse{Error: "invalid limit " + strconv.Quote(v), Code: "bad_request"})
			return
		}
		limit = n
	}
	cps, err := s.runner.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]schema.CheckpointSummary, 0, len(cps))
	for _, cp := range cps {
		out = append(out, schema.NewCheckpointSummary(cp))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := s.runner.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := snapshot.RenderHTML("Thread "+id, snapshot.Build(state))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.logger.Infof("handlePostMessage called: thread=%s", id)
	req, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}
	result, err := s.runner.Run(r.Context(), id, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, schema.NewRunResponse(result))
}

func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.logger.Infof("handleStreamMessage called: thread=%s", id)
	req, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, schema.ErrorResponse{Error: "streaming unsupported", Code: "internal"})
		return
	}
	updates, err := s.runner.RunStream(r.Context(), id, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for u := range updates {
		name := schema.EventStep
		if u.Done {
			name = schema.EventDone
			if u.Err != nil || u.Error != "" {
				name = schema.EventError
			}
		}
		data, err := json.Marshal(schema.NewStepEvent(u))
		if err != nil {
			s.logger.Errorf("marshal step event of thread %s: %v", id, err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			// The client went away; the runner stops on context cancel.
			continue
		}
		flusher.Flush()
	}
	s.logger.Infof("handleStreamMessage finished for thread %s", id)
}

// ---- helpers ------------------------------------------------------------

func (s *Server) decodeMessage(w http.ResponseWriter, r *http.Request) (schema.MessageRequest, bool) {
	var req schema.MessageRequest
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, schema.ErrorResponse{Error: "invalid body: " + err.Error(), Code: "bad_request"})
		return req, false
	}
	if err := s.valid.Struct(req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, schema.ErrorResponse{Error: "content is required", Code: "bad_request"})
		return req, false
	}
	return req, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("request failed: %v", err)
	}
	s.writeJSON(w, status, schema.ErrorResponse{Error: err.Error(), Code: code})
}

// classify maps an error to its HTTP status and error code.
func classify(err error) (int, string) {
	var (
		loopErr    *graph.ToolLoopExceededError
		persistErr *graph.PersistenceError
		fieldErr   *graph.UnknownFieldError
		typeErr    *graph.FieldTypeError
	)
	switch {
	case errors.Is(err, thread.ErrThreadBusy):
		return http.StatusConflict, "thread_busy"
	case errors.Is(err, graph.ErrThreadIDRequired), errors.As(err, &fieldErr), errors.As(err, &typeErr):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, graph.ErrCheckpointNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &loopErr):
		return http.StatusUnprocessableEntity, "tool_loop_exceeded"
	case errors.Is(err, model.ErrCircuitOpen), model.IsInvocationError(err):
		return http.StatusBadGateway, "model_error"
	case errors.As(err, &persistErr):
		return http.StatusServiceUnavailable, "persistence_error"
	case errors.Is(err, graph.ErrNoCheckpointSaver):
		return http.StatusNotImplemented, "no_checkpoint_store"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
