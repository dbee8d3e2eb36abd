package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/engine"
	"go.uber.org/zap"
)

// VerificationService - то, что нужно от движка верификации
type VerificationService interface {
	StartSession(ctx context.Context, req engine.StartRequest) (*domain.VerificationSession, error)
	GetSession(ctx context.Context, id string) (*domain.VerificationSession, error)
	RunSessionNow(ctx context.Context, id string) (*domain.VerificationSession, error)
	ProcessDueChallenges(ctx context.Context) (engine.ProcessReport, error)
	AgentStatus(ctx context.Context, agentID string) (engine.AgentStatus, error)
}

type SessionHandler struct {
	service VerificationService
	logger  *zap.Logger
}

func NewSessionHandler(s VerificationService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{service: s, logger: logger}
}

// sessionView - сессия вместе с агрегатами для ответа API
type sessionView struct {
	*domain.VerificationSession
	Stats domain.SessionStats `json:"stats"`
}

func view(s *domain.VerificationSession) sessionView {
	return sessionView{VerificationSession: s, Stats: s.Stats()}
}

// Start регистрирует новую сессию верификации.
// POST /v1/sessions
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := h.service.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(sess))
}

// Get - GET /v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess))
}

// Run прогоняет все оставшиеся челленджи сессии сразу (ускоренный режим).
// Запрос держится, пока не пройдут все всплески.
// POST /v1/sessions/{id}/run
func (h *SessionHandler) Run(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.service.RunSessionNow(r.Context(), id)
	if err != nil {
		h.logger.Warn("run session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess))
}

// ProcessDue - триггер планировщика (cron / внешний тикер).
// POST /v1/process-due
func (h *SessionHandler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.ProcessDueChallenges(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// AgentStatus - GET /v1/agents/{id}/status
func (h *SessionHandler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.AgentStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
