package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/cloo-solutions/kbagent/internal/api"
	"github.com/cloo-solutions/kbagent/internal/logging"
)

type contextKey string

const (
	TenantIDKey    contextKey = "tenant_id"
	requestInfoKey contextKey = "request_info"
)

// requestInfo is filled in by inner middleware so outer middleware can
// report it after the handler returns.
type requestInfo struct {
	tenantID string
}

func withRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

func getRequestInfo(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

type AuthValidator interface {
	ValidateAPIKey(ctx context.Context, token string) (string, error)
}

// APIKeyAuth resolves the bearer token to a tenant. Every downstream
// handler reads the tenant from the context, never from the request body.
func APIKeyAuth(validator AuthValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				api.Error(w, http.StatusUnauthorized, "invalid authorization format")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			tenantID, err := validator.ValidateAPIKey(r.Context(), token)
			if err != nil {
				api.Error(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			if info := getRequestInfo(r.Context()); info != nil {
				info.tenantID = tenantID
			}
			ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("tenant_id", tenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetTenantID(ctx context.Context) string {
	tenantID, _ := ctx.Value(TenantIDKey).(string)
	return tenantID
}
