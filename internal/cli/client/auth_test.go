package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenantServer(t *testing.T, wantKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenant" || r.Header.Get("Authorization") != "Bearer "+wantKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid API key","code":"UNAUTHORIZED"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":"t-1","name":"acme","created_at":"2026-01-01T00:00:00Z"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthLogin_VerifiesAndStoresCredentials(t *testing.T) {
	useTempConfig(t)
	srv := tenantServer(t, testKey)

	var out bytes.Buffer
	require.NoError(t, runAuthLogin(context.Background(), &out, testKey, srv.URL, true))
	assert.Contains(t, out.String(), "acme")

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.Equal(t, testKey, config.APIKey)
	assert.Equal(t, srv.URL, config.APIURL)
}

func TestAuthLogin_RejectedKeyIsNotStored(t *testing.T) {
	useTempConfig(t)
	srv := tenantServer(t, "kba_"+"1111111111111111111111111111111111111111111111111111111111111111")

	err := runAuthLogin(context.Background(), &bytes.Buffer{}, testKey, srv.URL, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Nil(t, config)
}

func TestAuthLogin_ValidatesKeyFormat(t *testing.T) {
	useTempConfig(t)

	for _, key := range []string{"", "invalid", "sk_" + testKey[4:], "kba_short"} {
		err := runAuthLogin(context.Background(), &bytes.Buffer{}, key, "http://localhost:8080", false)
		require.Error(t, err, key)
		assert.Contains(t, err.Error(), "invalid API key format")
	}
}

func TestAuthLogin_NoVerifySkipsServer(t *testing.T) {
	useTempConfig(t)

	require.NoError(t, runAuthLogin(context.Background(), &bytes.Buffer{}, testKey, "http://127.0.0.1:1", false))

	config, err := LoadGlobalConfig()
	require.NoError(t, err)
	require.NotNil(t, config)
	assert.Equal(t, testKey, config.APIKey)
}

func TestAuthStatus(t *testing.T) {
	useTempConfig(t)
	t.Setenv(envAPIKey, "")
	t.Setenv(envAPIURL, "")

	var out bytes.Buffer
	require.NoError(t, runAuthStatus(&out, "", "", false))
	assert.Contains(t, out.String(), "Not authenticated")

	require.NoError(t, SaveGlobalConfig(&GlobalConfig{APIKey: testKey, APIURL: "http://global:8080"}))

	out.Reset()
	require.NoError(t, runAuthStatus(&out, "", "", true))

	var status map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	assert.Equal(t, true, status["authenticated"])
	assert.Equal(t, string(SourceGlobalConfig), status["source"])
	assert.Equal(t, "http://global:8080", status["api_url"])
	assert.NotContains(t, status["api_key"], testKey[8:60])
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "kba_0123...cdef", maskAPIKey(testKey))
	assert.Equal(t, "***", maskAPIKey("short"))
}
