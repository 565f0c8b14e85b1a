// Package api exposes the bridge over HTTP: session lifecycle under
// /v1/sessions, the interactive shell under /v1/shell, and the usual
// health and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/portcullis/internal/acp"
	"github.com/HyphaGroup/portcullis/internal/audit"
	"github.com/HyphaGroup/portcullis/internal/history"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/validation"
)

const maxRequestBody = 4 << 20

// TurnReader serves persisted turn history.
type TurnReader interface {
	ListTurns(ctx context.Context, sessionID string) ([]*history.Turn, error)
}

// Config wires the server's collaborators.
type Config struct {
	Registry *session.Registry
	Shell    http.Handler // nil disables /v1/shell
	History  TurnReader   // nil disables /v1/sessions/{id}/history

	// CreateRate bounds session creation per client. Zero disables the
	// limiter entirely; creation is the expensive operation (a process
	// spawn plus a handshake), so production configs should set it.
	CreateRate  float64
	CreateBurst int
}

// Server is the HTTP control surface.
type Server struct {
	cfg     Config
	limiter *rateLimiter
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg}
	if cfg.CreateRate > 0 {
		burst := cfg.CreateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = newRateLimiter(cfg.CreateRate, burst)
	}
	return s
}

// Routes builds the full handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleDescribe)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleTerminate)
	mux.HandleFunc("POST /v1/sessions/{id}/prompt", s.handlePrompt)
	if s.cfg.History != nil {
		mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleHistory)
	}

	if s.cfg.Shell != nil {
		mux.Handle("GET /v1/shell", s.cfg.Shell)
	}

	return metrics.Middleware(requestLog(mux))
}

// requestLog tags every request with an id and logs it on the way in.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.cfg.Registry.List()),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

type createRequest struct {
	Backend     string           `json:"backend"`
	MachineID   string           `json:"machine_id,omitempty"`
	WorkingDir  string           `json:"working_dir,omitempty"`
	ToolServers []acp.ToolServer `json:"tool_servers,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(clientKey(r)) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Kind:    kindRateLimited,
			Message: "session creation rate exceeded",
		})
		return
	}

	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := validation.ValidateBackendName(req.Backend); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := validation.ValidateMachineID(req.MachineID); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.cfg.Registry.Create(r.Context(), session.CreateRequest{
		Backend:     req.Backend,
		MachineID:   req.MachineID,
		WorkingDir:  req.WorkingDir,
		ToolServers: req.ToolServers,
	})
	if err != nil {
		audit.LogFailure(audit.OpSessionCreate, "", req.Backend, err)
		writeError(w, r, err)
		return
	}
	audit.LogSuccess(audit.OpSessionCreate, res.SessionID, req.Backend)
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.cfg.Registry.List(),
	})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateSessionID(id); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	status, err := s.cfg.Registry.Describe(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleTerminate is idempotent: deleting an unknown session succeeds.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateSessionID(id); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.cfg.Registry.Terminate(id); err != nil {
		audit.LogFailure(audit.OpSessionTerminate, id, "", err)
		writeError(w, r, err)
		return
	}
	audit.LogSuccess(audit.OpSessionTerminate, id, "")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleHistory returns the persisted turns of a session, live or not. An
// id with no recorded turns yields an empty list rather than a 404: history
// outlives the session, so absence of rows is not absence of the endpoint.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateSessionID(id); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	turns, err := s.cfg.History.ListTurns(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []*history.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"turns":      turns,
	})
}

type promptRequest struct {
	Content []acp.ContentBlock `json:"content"`
}

type promptResponse struct {
	SessionID string          `json:"session_id"`
	Events    []session.Event `json:"events"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateSessionID(id); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var req promptRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(req.Content) == 0 {
		writeBadRequest(w, "content is required")
		return
	}
	for i := range req.Content {
		if !req.Content[i].Valid() {
			writeBadRequest(w, "unsupported content block type "+req.Content[i].Type)
			return
		}
	}

	events, err := s.cfg.Registry.Prompt(r.Context(), id, req.Content)
	if err != nil {
		audit.LogFailure(audit.OpSessionPrompt, id, "", err)
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, promptResponse{SessionID: id, Events: events})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
