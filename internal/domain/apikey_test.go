package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validKey() *APIKey {
	return NewAPIKey("key1", "tenant1", "support bot", "hash123", time.Now())
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(k *APIKey)
		wantErr string
	}{
		{name: "valid", mutate: func(*APIKey) {}},
		{name: "missing ID", mutate: func(k *APIKey) { k.ID = "" }, wantErr: "ID"},
		{name: "missing TenantID", mutate: func(k *APIKey) { k.TenantID = "" }, wantErr: "TenantID"},
		{name: "missing Name", mutate: func(k *APIKey) { k.Name = "" }, wantErr: "Name"},
		{name: "missing KeyHash", mutate: func(k *APIKey) { k.KeyHash = "" }, wantErr: "KeyHash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := validKey()
			tt.mutate(k)
			err := ValidateAPIKey(k)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.Error(t, ValidateAPIKey(nil))
}

func TestAPIKeyIsRevoked(t *testing.T) {
	k := validKey()
	assert.False(t, k.IsRevoked())

	now := time.Now()
	k.RevokedAt = &now
	assert.True(t, k.IsRevoked())
}

func TestLooksLikeAPIKey(t *testing.T) {
	assert.True(t, LooksLikeAPIKey("kba_abc123"))
	assert.False(t, LooksLikeAPIKey("kba_"))
	assert.False(t, LooksLikeAPIKey("sk-abc"))
	assert.False(t, LooksLikeAPIKey(""))
}
