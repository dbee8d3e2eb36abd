package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/spotcheck"
)

// SpotCheckService - то, что нужно от монитора спот-чеков
type SpotCheckService interface {
	ScheduleSpotCheck(ctx context.Context, agentID string) (*domain.SpotCheck, error)
	ScheduleAll(ctx context.Context) (int, error)
	ProcessDue(ctx context.Context) ([]spotcheck.Result, error)
	RunSpotCheck(ctx context.Context, id string) (spotcheck.Result, error)
}

type SpotCheckHandler struct {
	service SpotCheckService
}

func NewSpotCheckHandler(s SpotCheckService) *SpotCheckHandler {
	return &SpotCheckHandler{service: s}
}

// Schedule - POST /v1/agents/{id}/spot-checks
func (h *SpotCheckHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.service.ScheduleSpotCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// ScheduleAll - POST /v1/spot-checks/schedule-all
func (h *SpotCheckHandler) ScheduleAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ScheduleAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": n})
}

// ProcessDue - POST /v1/spot-checks/process-due
func (h *SpotCheckHandler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.ProcessDue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []spotcheck.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// Run выполняет спот-чек немедленно, не дожидаясь назначенного времени.
// POST /v1/spot-checks/{id}/run
func (h *SpotCheckHandler) Run(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RunSpotCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
