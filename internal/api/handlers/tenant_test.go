package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

type MockTenantLookup struct {
	mock.Mock
}

func (m *MockTenantLookup) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Tenant), args.Error(1)
}

func TestTenantHandler_Current(t *testing.T) {
	svc := new(MockTenantLookup)
	svc.On("GetTenant", mock.Anything, testTenantID).
		Return(domain.NewTenant(testTenantID, "Acme", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)), nil)

	w := httptest.NewRecorder()
	NewTenantHandler(svc).Current(w, requestWithTenant(http.MethodGet, "/tenant", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"id":"`+testTenantID+`","name":"Acme","created_at":"2026-01-02T03:04:05Z"}}`, w.Body.String())
}

func TestTenantHandler_Current_NotFound(t *testing.T) {
	svc := new(MockTenantLookup)
	svc.On("GetTenant", mock.Anything, testTenantID).Return(nil, domain.ErrTenantNotFound)

	w := httptest.NewRecorder()
	NewTenantHandler(svc).Current(w, requestWithTenant(http.MethodGet, "/tenant", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
