// Package gateway is the local control surface: a small HTTP API for
// dashboards and operators plus a WebSocket feed of live work events. It
// binds to loopback by default; setting an auth token requires a Bearer
// header on every request except the health probe.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hatch/foreman/internal/bus"
	"github.com/hatch/foreman/internal/monitor"
	"github.com/hatch/foreman/internal/processor"
	"github.com/hatch/foreman/internal/queue"
	"github.com/hatch/foreman/internal/store"
	"github.com/hatch/foreman/internal/tracker"
)

// Sessions is the store surface the gateway reads for operator retries.
type Sessions interface {
	GetSession(ctx context.Context, workItemID string) (*store.SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]store.SessionRecord, error)
}

// Config holds the gateway's collaborators.
type Config struct {
	BindAddr  string
	AuthToken string
	Monitor   *monitor.Monitor
	Queue     *queue.Queue
	Sessions  Sessions
	Bus       *bus.Bus
	Logger    *slog.Logger
}

// Server serves the control API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

// New assembles the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Monitor == nil || cfg.Queue == nil || cfg.Sessions == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("gateway requires monitor, queue, sessions, and bus")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/snapshot", s.requireAuth(s.handleSnapshot))
	mux.HandleFunc("POST /api/pause", s.requireAuth(s.handlePause))
	mux.HandleFunc("POST /api/resume", s.requireAuth(s.handleResume))
	mux.HandleFunc("POST /api/retry", s.requireAuth(s.handleRetry))
	mux.HandleFunc("GET /api/dead-letters", s.requireAuth(s.handleDeadLetters))
	mux.HandleFunc("/ws", s.requireAuth(s.handleWS))

	s.http = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.cfg.BindAddr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requireAuth enforces the Bearer token when one is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" && !s.authorized(r) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Monitor.Snapshot(r.Context()))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.cfg.Queue.Pause()
	s.logger.Info("queue paused by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.cfg.Queue.Resume()
	s.logger.Info("queue resumed by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.cfg.Queue.DeadLetters(r.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// handleRetry gives a terminally failed work item another run. The previous
// error is recovered from the dead-letter record when one exists.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task")
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing task parameter"})
		return
	}
	rec, err := s.cfg.Sessions.GetSession(r.Context(), taskID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}

	prevErr := "operator requested retry"
	if letters, err := s.cfg.Queue.DeadLetters(r.Context(), 100); err == nil {
		for _, letter := range letters {
			if p, derr := processor.DecodePayload(letter.Payload); derr == nil && p.Item.ID == taskID {
				if letter.LastError != "" {
					prevErr = letter.LastError
				}
				break
			}
		}
	}

	payload, err := processor.EncodePayload(processor.Payload{
		Item: tracker.WorkItem{
			ID:         rec.WorkItemID,
			Identifier: rec.Identifier,
			Title:      rec.Title,
		},
		PreviousError: prevErr,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	jobID, err := s.cfg.Queue.Enqueue(r.Context(), queue.KindRetry, payload, queue.Options{})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("operator retry queued", "task", rec.Identifier, "job_id", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// wsMessage is the frame pushed to WebSocket subscribers.
type wsMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams work events to the client. The first frame is a full
// snapshot so the client does not need a separate fetch to render.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.logger.Info("ws client connected")

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, wsMessage{
		Topic:   "snapshot",
		Payload: s.cfg.Monitor.Snapshot(ctx),
	}); err != nil {
		return
	}

	sub := s.cfg.Bus.Subscribe("work.")
	defer s.cfg.Bus.Unsubscribe(sub)

	// Discard client frames; the feed is one-way, but reads surface closes.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsMessage{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				s.logger.Debug("ws client write failed", "error", err)
				return
			}
		}
	}
}
