package authmanager

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifychat/gateway/internal/authmethod"
	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

func newTestManager(t *testing.T) (*Manager, *config.Store, *secretstore.BoltStore) {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	secrets, err := secretstore.Open(filepath.Join(t.TempDir(), "secrets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = secrets.Close() })

	m := New(store, secrets, authmethod.Deps{
		PromptAPIKey: func(ctx context.Context) (string, error) { return "sk-configured", nil },
	})
	t.Cleanup(m.Dispose)
	return m, store, secrets
}

func TestGetCredentialAPIKeyHappyPath(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "openai", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}}))

	cred, err := m.GetCredential(context.Background(), "openai")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "sk-inline", cred.Value)
}

func TestGetCredentialUnknownProviderErrors(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.GetCredential(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestGetCredentialMethodNoneReturnsNilNil(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "noop", Auth: config.AuthConfig{Method: config.MethodNone}}))
	cred, err := m.GetCredential(context.Background(), "noop")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestGetProviderWithAuthReusesCachedInstanceForStableSignature(t *testing.T) {
	m, store, _ := newTestManager(t)
	auth := config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "openai", Auth: auth}))

	p1, err := m.GetProviderWithAuth(context.Background(), "openai", auth)
	require.NoError(t, err)
	p2, err := m.GetProviderWithAuth(context.Background(), "openai", auth)
	require.NoError(t, err)
	assert.Same(t, p1, p2, "an unchanged auth signature must reuse the cached provider instance")
}

func TestGetProviderWithAuthDisposesOnSignatureDrift(t *testing.T) {
	m, store, _ := newTestManager(t)
	auth := config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-one"}
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "openai", Auth: auth}))
	p1, err := m.GetProviderWithAuth(context.Background(), "openai", auth)
	require.NoError(t, err)

	changed := config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-two"}
	p2, err := m.GetProviderWithAuth(context.Background(), "openai", changed)
	require.NoError(t, err)
	assert.NotSame(t, p1, p2, "a changed auth signature must dispose the stale cached instance")
}

func TestGetProviderWithAuthDisposesOnMethodSwitch(t *testing.T) {
	m, store, _ := newTestManager(t)
	apiKeyAuth := config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "provider", Auth: apiKeyAuth}))
	_, err := m.GetProviderWithAuth(context.Background(), "provider", apiKeyAuth)
	require.NoError(t, err)

	noneAuth := config.AuthConfig{Method: config.MethodNone}
	p, err := m.GetProviderWithAuth(context.Background(), "provider", noneAuth)
	require.NoError(t, err)
	assert.Nil(t, p, "switching to method=none must dispose the prior entry and return no provider")
}

func TestGetProviderWithAuthMethodSwitchReleasesOldSecret(t *testing.T) {
	m, store, secrets := newTestManager(t)
	ctx := context.Background()

	ref := secrets.CreateRef(secretstore.NamespaceAPIKey)
	require.NoError(t, secrets.SetAPIKey(ctx, ref, "sk-live"))
	apiKeyAuth := config.AuthConfig{Method: config.MethodAPIKey, APIKey: ref}
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "provider", Auth: apiKeyAuth}))

	p1, err := m.GetProviderWithAuth(ctx, "provider", apiKeyAuth)
	require.NoError(t, err)
	require.NotNil(t, p1)

	oauthAuth := config.AuthConfig{
		Method: config.MethodOAuth2,
		OAuth:  &config.OAuth2Config{GrantType: config.GrantClientCredentials, TokenURL: "https://example.com/token", ClientID: "c", ClientSecret: "s"},
	}
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "provider", Auth: oauthAuth}))
	p2, err := m.GetProviderWithAuth(ctx, "provider", oauthAuth)
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.NotSame(t, p1, p2, "switching method must produce a new provider instance")

	_, ok, err := secrets.GetAPIKey(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok, "the old api-key method's cleanupOnDiscard must release its secret reference on a real method switch")
}

func TestGetProviderWithAuthMethodNoneReturnsNilNil(t *testing.T) {
	m, _, _ := newTestManager(t)
	p, err := m.GetProviderWithAuth(context.Background(), "anything", config.AuthConfig{Method: config.MethodNone})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestGetCredentialConcurrentCallersCoalesce(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "openai", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}}))

	const n = 20
	var wg sync.WaitGroup
	creds := make([]*config.AuthCredential, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds[i], errs[i] = m.GetCredential(context.Background(), "openai")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, creds[i])
		assert.Equal(t, "sk-inline", creds[i].Value)
	}
}

func TestRetryRefreshUnsupportedMethodReturnsFalse(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "openai", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}}))
	_, err := m.GetCredential(context.Background(), "openai")
	require.NoError(t, err)

	ok, err := m.RetryRefresh(context.Background(), "openai")
	assert.ErrorIs(t, err, authmethod.ErrRefreshNotSupported)
	assert.False(t, ok)
}

func TestClearProviderDisposesEntry(t *testing.T) {
	m, store, _ := newTestManager(t)
	auth := config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-inline"}
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "openai", Auth: auth}))
	p1, err := m.GetProviderWithAuth(context.Background(), "openai", auth)
	require.NoError(t, err)

	m.ClearProvider("openai")

	p2, err := m.GetProviderWithAuth(context.Background(), "openai", auth)
	require.NoError(t, err)
	assert.NotSame(t, p1, p2, "ClearProvider must force a fresh instance on the next resolution")
}

func TestGetLastErrorAbsentByDefault(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, ok := m.GetLastError("openai")
	assert.False(t, ok)
}
