package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifychat/gateway/internal/authmanager"
	"github.com/unifychat/gateway/internal/authmethod"
	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

func newTestHandler(t *testing.T) (*Handler, *config.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	secrets, err := secretstore.Open(filepath.Join(t.TempDir(), "secrets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = secrets.Close() })

	manager := authmanager.New(store, secrets, authmethod.Deps{})
	t.Cleanup(manager.Dispose)
	return NewHandler(store, manager), store
}

func TestListAuthsReportsOneEntryPerProvider(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "anthropic", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}}))
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "unset", Auth: config.AuthConfig{Method: config.MethodNone}}))

	router := gin.New()
	h.Register(router)

	req := httptest.NewRequest(http.MethodGet, "/status/auths", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []authStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "anthropic", got[0].Name)
	assert.True(t, got[0].Valid)
	assert.Equal(t, "unset", got[1].Name)
	assert.False(t, got[1].Valid)
}

func TestListAuthsRejectsNonLoopbackRemote(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "anthropic", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}}))

	router := gin.New()
	h.Register(router)

	req := httptest.NewRequest(http.MethodGet, "/status/auths", nil)
	req.RemoteAddr = "203.0.113.5:9999"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
