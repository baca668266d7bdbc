package domain

import (
	"fmt"
	"strings"
	"time"
)

// APIKeyPrefix marks bearer tokens issued by this service.
const APIKeyPrefix = "kba_"

// APIKey maps a bearer token (stored only as a hash) to a tenant.
type APIKey struct {
	ID        string
	TenantID  string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// NewAPIKey creates a new APIKey instance
func NewAPIKey(id, tenantID, name, keyHash string, createdAt time.Time) *APIKey {
	return &APIKey{
		ID:        id,
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: createdAt,
	}
}

// IsRevoked returns true if the API key has been revoked
func (a *APIKey) IsRevoked() bool {
	return a.RevokedAt != nil
}

// LooksLikeAPIKey reports whether token carries the issued key prefix.
func LooksLikeAPIKey(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix) && len(token) > len(APIKeyPrefix)
}

// ValidateAPIKey validates an APIKey instance
func ValidateAPIKey(a *APIKey) error {
	if a == nil {
		return fmt.Errorf("api key cannot be nil")
	}

	switch {
	case a.ID == "":
		return fmt.Errorf("api key ID is required")
	case a.TenantID == "":
		return fmt.Errorf("api key TenantID is required")
	case a.Name == "":
		return fmt.Errorf("api key Name is required")
	case a.KeyHash == "":
		return fmt.Errorf("api key KeyHash is required")
	}

	return nil
}
