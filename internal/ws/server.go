// Package ws is the daemon's client boundary: run submission and
// cancellation over plain HTTP, plus a websocket subscription stream
// per project. Subscribers get the recent persisted history first,
// then live bus updates, all wrapped in a versioned envelope.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codedeck/agentd/internal/bus"
	"github.com/codedeck/agentd/internal/store"
	"github.com/codedeck/agentd/internal/supervisor"
)

const (
	protocolVersion = 1

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// envelope is the wire frame for every websocket send. Seq is
// per-connection and independent of event sequence numbers.
type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Runner is the slice of the supervisor the server needs.
type Runner interface {
	Run(ctx context.Context, spec supervisor.RunSpec) error
	Cancel(projectID string) error
	Active(projectID string) bool
}

type Server struct {
	runner       Runner
	requests     store.RequestStore
	messages     store.MessageStore
	projects     store.ProjectStore
	bus          *bus.Bus
	historyLimit int
	upgrader     websocket.Upgrader
}

func NewServer(runner Runner, requests store.RequestStore, messages store.MessageStore, projects store.ProjectStore, b *bus.Bus, historyLimit int) *Server {
	return &Server{
		runner:       runner,
		requests:     requests,
		messages:     messages,
		projects:     projects,
		bus:          b,
		historyLimit: historyLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/projects/{id}/subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /v1/projects/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/projects/{id}/runs", s.handleRun)
	mux.HandleFunc("POST /v1/projects/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type runRequest struct {
	Instruction string `json:"instruction"`
	Backend     string `json:"backend,omitempty"`
	Model       string `json:"model,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	project, err := s.projects.GetProjectByID(r.Context(), projectID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}

	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Instruction == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instruction required"})
		return
	}
	backend := body.Backend
	if backend == "" {
		backend = project.PreferredBackend
	}
	model := body.Model
	if model == "" {
		model = project.PreferredModel
	}

	// The request id is the caller's idempotency key; only mint one when
	// the caller did not supply it.
	requestID := body.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req, err := s.requests.UpsertRequest(r.Context(), store.Request{
		ID:          requestID,
		ProjectID:   projectID,
		Instruction: body.Instruction,
		Backend:     backend,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	spec := supervisor.RunSpec{
		ProjectID:   projectID,
		WorkDir:     project.Path,
		Instruction: body.Instruction,
		Backend:     backend,
		Model:       model,
		RequestID:   req.ID,
	}
	if err := s.runner.Run(r.Context(), spec); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "request_id": req.ID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if err := s.runner.Cancel(projectID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	msgs, err := s.messages.ListRecentMessages(r.Context(), projectID, s.historyLimit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Subscribe before replaying history so nothing published in
	// between is missed; duplicates are possible, gaps are not.
	sub := s.bus.Subscribe(projectID)
	defer sub.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var seq uint64
	send := func(typ string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		seq++
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(envelope{
			V:       protocolVersion,
			Type:    typ,
			TS:      time.Now().UnixMilli(),
			Seq:     seq,
			Payload: raw,
		})
	}

	history, err := s.messages.ListRecentMessages(r.Context(), projectID, s.historyLimit)
	if err != nil {
		log.Printf("[ws] project %s: history load failed: %v", projectID, err)
	}
	for i := range history {
		msg := history[i]
		if err := send("message", bus.Update{Type: bus.UpdateMessage, Message: &msg, Final: true}); err != nil {
			return
		}
	}

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	for {
		select {
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := send(string(update.Type), update); err != nil {
				return
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ws] write response: %v", err)
	}
}
