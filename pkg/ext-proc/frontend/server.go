// Package frontend serves the HTTP API of the gateway: OpenAI compatible completions and the
// worker registration endpoints.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	klog "k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/loadbalancer"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

const (
	CompletionsPath = "/v1/completions"
	WorkersPath     = "/v1/workers"

	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 8 << 20
)

type Generator interface {
	Generate(ctx context.Context, req *worker.Request) (*loadbalancer.Stream, error)
}

// Registry is the write side of the worker registry.
type Registry interface {
	Register(w *backend.Worker) error
	Deregister(id string) bool
	Heartbeat(id string, ts time.Time) error
	All() []*backend.WorkerState
}

type Option func(*Server)

func WithClock(c clock.PassiveClock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

type Server struct {
	generator Generator
	registry  Registry
	clock     clock.PassiveClock
}

func NewServer(g Generator, r Registry, opts ...Option) *Server {
	s := &Server{generator: g, registry: r, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the mux of the API. Callers may mount more handlers on it.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST "+CompletionsPath, s.completionsHandler)
	mux.HandleFunc("POST "+WorkersPath, s.registerHandler)
	mux.HandleFunc("GET "+WorkersPath, s.listWorkersHandler)
	mux.HandleFunc("DELETE "+WorkersPath+"/{id}", s.deregisterHandler)
	mux.HandleFunc("POST "+WorkersPath+"/{id}/heartbeat", s.heartbeatHandler)
	return mux
}

// CompletionChoice is one choice of a completion response or chunk.
type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

func (s *Server) completion(st *loadbalancer.Stream, model, text, finish string) Completion {
	c := Completion{
		ID:      "cmpl-" + st.SessionID(),
		Object:  "text_completion",
		Created: s.clock.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{Text: text}},
	}
	if finish != "" {
		c.Choices[0].FinishReason = &finish
	}
	return c
}

func (s *Server) completionsHandler(w http.ResponseWriter, r *http.Request) {
	var req worker.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed body: %v", loadbalancer.ErrInvalidRequest, err))
		return
	}
	req.ID = r.Header.Get(worker.RequestIDHeader)

	st, err := s.generator.Generate(r.Context(), &req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer st.Close()
	w.Header().Set(worker.RequestIDHeader, st.RequestID())

	if req.Stream {
		s.streamCompletion(w, st, req.Model)
		return
	}

	var text strings.Builder
	var finish string
	for st.Next() {
		chunk := st.Current()
		text.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if err := st.Err(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.completion(st, req.Model, text.String(), finish))
}

// streamCompletion writes the chunks of st as server-sent events. Errors after the first
// chunk are reported in a final error event.
func (s *Server) streamCompletion(w http.ResponseWriter, st *loadbalancer.Stream, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	send := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			klog.Errorf("Failed to marshal event: %v", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			klog.V(2).Infof("Client of session %s went away: %v", st.SessionID(), err)
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	for st.Next() {
		chunk := st.Current()
		if !send(s.completion(st, model, chunk.Text, chunk.FinishReason)) {
			return
		}
	}
	if err := st.Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			code := statusFor(err)
			send(ErrorResponse{Object: "error", Message: err.Error(), Type: http.StatusText(code), Code: code})
		}
		return
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// WorkerStatus is the registry view of a worker returned by the workers API.
type WorkerStatus struct {
	backend.Worker
	Healthy             bool      `json:"healthy"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	Outstanding         int64     `json:"outstanding"`
	WaitingQueueSize    int       `json:"waiting_queue_size"`
	KVCacheUsagePercent float64   `json:"kv_cache_usage_percent"`
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var desc backend.Worker
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed worker descriptor: %v", err))
		return
	}
	if err := s.registry.Register(&desc); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) deregisterHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Deregister(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("worker %s: %w", id, backend.ErrWorkerNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Heartbeat(r.PathValue("id"), s.clock.Now()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkersHandler(w http.ResponseWriter, _ *http.Request) {
	all := s.registry.All()
	res := make([]WorkerStatus, 0, len(all))
	for _, ws := range all {
		res = append(res, WorkerStatus{
			Worker:              ws.Worker,
			Healthy:             ws.Healthy,
			LastHeartbeat:       ws.LastHeartbeat,
			Outstanding:         ws.Outstanding(),
			WaitingQueueSize:    ws.WaitingQueueSize,
			KVCacheUsagePercent: ws.KVCacheUsagePercent,
		})
	}
	writeJSON(w, http.StatusOK, res)
}
