package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/kbagent/internal/api"
	"github.com/cloo-solutions/kbagent/internal/domain"
)

type TenantLookup interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
}

type TenantHandler struct {
	svc TenantLookup
}

func NewTenantHandler(svc TenantLookup) *TenantHandler {
	return &TenantHandler{svc: svc}
}

type TenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Current reports the tenant the presented API key belongs to.
func (h *TenantHandler) Current(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	tenant, err := h.svc.GetTenant(r.Context(), tenantID)
	if err != nil {
		api.HandleError(r.Context(), w, err)
		return
	}

	api.Success(w, http.StatusOK, TenantResponse{
		ID:        tenant.ID,
		Name:      tenant.Name,
		CreatedAt: tenant.CreatedAt.Format("2006-01-02T15:04:05Z"),
	})
}
