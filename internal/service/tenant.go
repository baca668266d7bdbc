package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/pagination"
)

type TenantRepository interface {
	Create(ctx context.Context, t *domain.Tenant) error
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
	GetByName(ctx context.Context, name string) (*domain.Tenant, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListWithCursor(ctx context.Context, cursor *pagination.Cursor, limit int) (*TenantPageResult, error)
}

type TenantPageResult struct {
	Items      []*domain.Tenant
	NextCursor string
	HasMore    bool
}

type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) error
	GetByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.APIKey, error)
	Revoke(ctx context.Context, id string) error
}

// TenantService manages tenants and the API keys that authenticate them.
type TenantService struct {
	tenants TenantRepository
	keys    APIKeyRepository
	uuidGen UUIDGenerator
}

func NewTenantService(tenants TenantRepository, keys APIKeyRepository, uuidGen UUIDGenerator) *TenantService {
	if uuidGen == nil {
		uuidGen = &DefaultUUIDGenerator{}
	}
	return &TenantService{
		tenants: tenants,
		keys:    keys,
		uuidGen: uuidGen,
	}
}

func (s *TenantService) CreateTenant(ctx context.Context, name string) (*domain.Tenant, error) {
	tenant := domain.NewTenant(s.uuidGen.NewString(), name, time.Now().UTC())
	if tenant.Name == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "tenant name is required")
	}
	if err := domain.ValidateTenant(tenant); err != nil {
		return nil, err
	}

	if err := s.tenants.Create(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

type ListTenantsOutput struct {
	Items   []*domain.Tenant
	Cursor  string
	HasMore bool
}

func (s *TenantService) ListTenants(ctx context.Context, cursor string, limit int) (*ListTenantsOutput, error) {
	c, err := pagination.DecodeCursor(cursor)
	if err != nil {
		return nil, errInvalidCursor
	}
	page, err := s.tenants.ListWithCursor(ctx, c, ClampLimit(limit, defaultListLimit, maxListLimit))
	if err != nil {
		return nil, err
	}
	return &ListTenantsOutput{Items: page.Items, Cursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// GetTenant loads a tenant; malformed ids are reported as not found.
func (s *TenantService) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrTenantNotFound
	}
	return s.tenants.GetByID(ctx, id)
}

// Exists reports whether id names a known tenant.
func (s *TenantService) Exists(ctx context.Context, id string) (bool, error) {
	return s.tenants.Exists(ctx, id)
}

// CreateAPIKey issues a new key for tenantID. The plaintext token is
// returned once; only its hash is stored.
func (s *TenantService) CreateAPIKey(ctx context.Context, tenantID, name string) (string, error) {
	token, err := generateAPIToken()
	if err != nil {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeInternalError, "failed to generate API key", err)
	}
	if err := s.storeKey(ctx, tenantID, name, token); err != nil {
		return "", err
	}
	return token, nil
}

// CreateAPIKeyWithToken registers a caller-chosen token, used for
// bootstrap keys supplied through configuration.
func (s *TenantService) CreateAPIKeyWithToken(ctx context.Context, tenantID, name, token string) error {
	if !IsValidAPIToken(token) {
		return domain.NewDomainError(domain.ErrCodeValidation, "invalid API key format (expected kba_<64 hex chars>)")
	}
	return s.storeKey(ctx, tenantID, name, token)
}

func (s *TenantService) storeKey(ctx context.Context, tenantID, name, token string) error {
	if tenantID == "" {
		return domain.NewDomainError(domain.ErrCodeValidation, "tenant ID is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.NewDomainError(domain.ErrCodeValidation, "API key name is required")
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		return domain.ErrTenantNotFound
	}
	if _, err := s.tenants.GetByID(ctx, tenantID); err != nil {
		return err
	}

	key := domain.NewAPIKey(s.uuidGen.NewString(), tenantID, name, hashToken(token), time.Now().UTC())
	if err := domain.ValidateAPIKey(key); err != nil {
		return err
	}
	return s.keys.Create(ctx, key)
}

// ValidateAPIKey resolves a bearer token to its tenant.
func (s *TenantService) ValidateAPIKey(ctx context.Context, token string) (string, error) {
	if !IsValidAPIToken(token) {
		return "", domain.ErrInvalidAPIKey
	}

	key, err := s.keys.GetByHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrAPIKeyNotFound) {
			return "", domain.ErrInvalidAPIKey
		}
		return "", err
	}

	if key.IsRevoked() {
		return "", domain.ErrAPIKeyRevoked
	}
	return key.TenantID, nil
}

func (s *TenantService) RevokeAPIKey(ctx context.Context, keyID string) error {
	if keyID == "" {
		return domain.NewDomainError(domain.ErrCodeValidation, "API key ID is required")
	}
	if _, err := uuid.Parse(keyID); err != nil {
		return domain.ErrAPIKeyNotFound
	}
	return s.keys.Revoke(ctx, keyID)
}

func (s *TenantService) ListAPIKeys(ctx context.Context, tenantID string) ([]*domain.APIKey, error) {
	if tenantID == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "tenant ID is required")
	}
	return s.keys.ListByTenant(ctx, tenantID)
}

// EnsureBootstrap makes sure the named tenant exists and, when token is
// set, that it is a valid key for that tenant. Safe to call on every start.
func (s *TenantService) EnsureBootstrap(ctx context.Context, tenantName, token string) (*domain.Tenant, error) {
	tenant, err := s.tenants.GetByName(ctx, strings.TrimSpace(tenantName))
	if errors.Is(err, domain.ErrTenantNotFound) {
		tenant, err = s.CreateTenant(ctx, tenantName)
		if errors.Is(err, domain.ErrTenantAlreadyExists) {
			tenant, err = s.tenants.GetByName(ctx, strings.TrimSpace(tenantName))
		}
	}
	if err != nil {
		return nil, err
	}

	if token == "" {
		return tenant, nil
	}
	if !IsValidAPIToken(token) {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "INIT_API_KEY must be kba_<64 hex chars>")
	}

	existing, err := s.keys.GetByHash(ctx, hashToken(token))
	switch {
	case err == nil:
		if existing.TenantID != tenant.ID {
			return nil, domain.ErrAPIKeyAlreadyExists
		}
		return tenant, nil
	case !errors.Is(err, domain.ErrAPIKeyNotFound):
		return nil, err
	}

	if err := s.CreateAPIKeyWithToken(ctx, tenant.ID, "bootstrap", token); err != nil {
		return nil, err
	}
	return tenant, nil
}

func generateAPIToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return domain.APIKeyPrefix + hex.EncodeToString(bytes), nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// IsValidAPIToken checks the kba_<64 hex> shape without touching storage.
func IsValidAPIToken(token string) bool {
	if !strings.HasPrefix(token, domain.APIKeyPrefix) {
		return false
	}
	hexPart := token[len(domain.APIKeyPrefix):]
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
