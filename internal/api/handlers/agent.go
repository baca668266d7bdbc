package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/cloo-solutions/kbagent/internal/api"
	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/service"
)

type Answerer interface {
	Answer(ctx context.Context, input service.AnswerInput) (*domain.AgentResult, error)
}

type AgentHandler struct {
	svc Answerer
}

func NewAgentHandler(svc Answerer) *AgentHandler {
	return &AgentHandler{svc: svc}
}

type AnswerRequest struct {
	Query   string               `json:"query"`
	History []domain.Message     `json:"history"`
	Filters domain.SearchFilters `json:"filters"`
	Limit   int                  `json:"limit"`
}

// Answer always responds 200 for a well-formed query; escalation is part
// of the result, not an error.
func (h *AgentHandler) Answer(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req AnswerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		api.Error(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := h.svc.Answer(r.Context(), service.AnswerInput{
		TenantID: tenantID,
		Query:    req.Query,
		History:  req.History,
		Filters:  req.Filters,
		Limit:    req.Limit,
	})
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, result)
}
