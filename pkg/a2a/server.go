package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HandlerFunc executes one skill invocation. The returned value becomes
// TaskResult.Output; an error becomes a failed result.
type HandlerFunc func(ctx context.Context, task *Task) (any, error)

// Server hosts one agent's skills over HTTP.
type Server struct {
	name       string
	version    string
	port       int
	skills     []Skill
	handlers   map[string]HandlerFunc
	httpServer *http.Server
}

// NewServer creates a server for the named agent on the given port.
func NewServer(name, version string, port int) *Server {
	return &Server{
		name:     name,
		version:  version,
		port:     port,
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterSkill adds a skill and its handler. Registration happens before
// Start; the handler map is read-only afterwards.
func (s *Server) RegisterSkill(skill Skill, handler HandlerFunc) {
	s.skills = append(s.skills, skill)
	s.handlers[skill.ID] = handler
}

// Card returns the agent card this server advertises.
func (s *Server) Card() AgentCard {
	return AgentCard{
		Name:    s.name,
		URL:     fmt.Sprintf("http://localhost:%d", s.port),
		Version: s.version,
		Skills:  s.skills,
	}
}

// Start serves until ctx is cancelled, then shuts down draining in-flight
// handlers best-effort.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(WellKnownAgentPath, s.handleAgentCard)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/tasks", s.handleTasks)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	slog.Info("A2A server starting", "agent", s.name, "port", s.port)

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
		slog.Info("A2A server shutting down", "agent", s.name)
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.Card())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent": s.name})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var task Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "Invalid task body", http.StatusBadRequest)
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	result := s.execute(r.Context(), &task)
	respondJSON(w, http.StatusOK, result)
}

// execute runs the handler for a task, converting errors and panics into
// failed results.
func (s *Server) execute(ctx context.Context, task *Task) (result *TaskResult) {
	start := time.Now()
	result = &TaskResult{TaskID: task.ID}

	finish := func() {
		result.DurationMs = time.Since(start).Milliseconds()
		result.CompletedAt = time.Now()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Skill handler panicked", "agent", s.name, "skill", task.Skill, "panic", r)
			result.Success = false
			result.Output = nil
			result.Error = fmt.Sprintf("handler panic: %v", r)
			finish()
		}
	}()

	handler, ok := s.handlers[task.Skill]
	if !ok {
		result.Error = Errorf(KindUnknownSkill, "agent %s has no skill %q", s.name, task.Skill).Error()
		finish()
		return result
	}

	output, err := handler(ctx, task)
	if err != nil {
		result.Error = err.Error()
		finish()
		return result
	}

	result.Success = true
	result.Output = output
	finish()
	return result
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
