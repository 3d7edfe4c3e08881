// Package server exposes the user-facing HTTP API.
//
// It fronts the orchestrator with JSON endpoints for chat, sessions, and
// health, plus a server-sent-events variant of chat that relays the
// observability stream while the request runs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/events"
	"github.com/skynav-ai/skynav/pkg/observability"
	"github.com/skynav-ai/skynav/pkg/orchestrator"
	"github.com/skynav-ai/skynav/pkg/session"
)

// Chatter runs one chat request. Satisfied by the orchestrator service.
type Chatter interface {
	Chat(ctx context.Context, req orchestrator.ChatRequest) (*orchestrator.ChatResponse, error)
}

// Pinger checks agent liveness. Satisfied by the transport client.
type Pinger interface {
	Ping(ctx context.Context, agent string) error
	Agents() []string
}

// Server is the web API.
type Server struct {
	port     int
	orch     Chatter
	sessions *session.Store
	bus      *events.Bus
	pinger   Pinger
	metrics  *observability.Metrics

	httpServer *http.Server
}

// New creates the web API server.
func New(port int, orch Chatter, sessions *session.Store, bus *events.Bus, pinger Pinger, metrics *observability.Metrics) *Server {
	return &Server{
		port:     port,
		orch:     orch,
		sessions: sessions,
		bus:      bus,
		pinger:   pinger,
		metrics:  metrics,
	}
}

// Router builds the chi router. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/chat", s.handleChat)
	r.Post("/api/chat/stream", s.handleChatStream)
	r.Post("/api/sessions", s.handleCreateSession)
	r.Get("/api/sessions/{id}/history", s.handleHistory)
	r.Delete("/api/sessions/{id}", s.handleDeleteSession)
	r.Handle("/metrics", s.metrics.Handler())

	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router(),
	}

	slog.Info("Web API starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Web API shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := map[string]bool{}
	healthy, total := 0, 0
	for _, name := range s.pinger.Agents() {
		total++
		ok := s.pinger.Ping(r.Context(), name) == nil
		agents[name] = ok
		if ok {
			healthy++
		}
	}

	status := "healthy"
	switch {
	case total == 0 || healthy == 0:
		status = "unhealthy"
	case healthy < total:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"agents":    agents,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.orch.Chat(r.Context(), req)
	if err != nil {
		if a2a.HasKind(err.Error(), a2a.KindValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so events arrive as they happen.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Pre-assign the request id so only this request's events are
	// relayed; the bus carries every concurrent request.
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	eventCh, unsubscribe := s.bus.Subscribe(events.Wildcard)
	defer unsubscribe()

	type chatOutcome struct {
		resp *orchestrator.ChatResponse
		err  error
	}
	done := make(chan chatOutcome, 1)
	go func() {
		resp, err := s.orch.Chat(r.Context(), req)
		done <- chatOutcome{resp: resp, err: err}
	}()

	for {
		select {
		case ev := <-eventCh:
			if ev.RequestID == req.RequestID {
				writeSSE(w, flusher, "agent_event", ev)
			}
		case outcome := <-done:
			// Drain events published before the chat returned.
			for {
				select {
				case ev := <-eventCh:
					if ev.RequestID == req.RequestID {
						writeSSE(w, flusher, "agent_event", ev)
					}
					continue
				default:
				}
				break
			}
			if outcome.err != nil {
				writeSSE(w, flusher, "error", map[string]string{"error": outcome.err.Error()})
			} else {
				writeSSE(w, flusher, "result", outcome.resp)
			}
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Create()
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"history":    sess.History(),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Delete(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (orchestrator.ChatRequest, bool) {
	var req orchestrator.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
