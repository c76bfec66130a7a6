package chatservice

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifychat/gateway/internal/authmanager"
	"github.com/unifychat/gateway/internal/authmethod"
	"github.com/unifychat/gateway/internal/codeassist"
	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

type fakeAdapter struct {
	calls      int
	credential codeassist.Credential
	req        codeassist.ChatRequest
}

func (f *fakeAdapter) Stream(_ context.Context, _ string, credential codeassist.Credential, req codeassist.ChatRequest, on func(json.RawMessage) error) error {
	f.calls++
	f.credential = credential
	f.req = req
	return on(json.RawMessage(`{"candidates":[]}`))
}

func newTestFacade(t *testing.T) (*Facade, *config.Store) {
	t.Helper()
	store, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	secrets, err := secretstore.Open(filepath.Join(t.TempDir(), "secrets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = secrets.Close() })
	manager := authmanager.New(store, secrets, authmethod.Deps{})
	t.Cleanup(manager.Dispose)
	return New(manager, store), store
}

func inlineToken(t *testing.T, accessToken string) string {
	t.Helper()
	raw, err := json.Marshal(config.OAuth2TokenData{AccessToken: accessToken, TokenType: "Bearer"})
	require.NoError(t, err)
	return string(raw)
}

func TestProviderTypeOf(t *testing.T) {
	pt, ok := ProviderTypeOf(config.MethodAntigravityOAuth)
	require.True(t, ok)
	assert.Equal(t, ProviderTypeAntigravity, pt)

	pt, ok = ProviderTypeOf(config.MethodGoogleGeminiOAuth)
	require.True(t, ok)
	assert.Equal(t, ProviderTypeGeminiCLI, pt)

	_, ok = ProviderTypeOf(config.MethodAPIKey)
	assert.False(t, ok, "non-Code-Assist methods have no adapter slot here")
}

func TestStreamUnknownProviderErrors(t *testing.T) {
	f, _ := newTestFacade(t)
	err := f.Stream(context.Background(), "nope", codeassist.ChatRequest{}, func(json.RawMessage) error { return nil })
	assert.Error(t, err)
}

func TestStreamRejectsMethodWithoutAdapterSlot(t *testing.T) {
	f, store := newTestFacade(t)
	require.NoError(t, store.Upsert(config.ProviderConfig{Name: "plain", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-x"}}))
	err := f.Stream(context.Background(), "plain", codeassist.ChatRequest{}, func(json.RawMessage) error { return nil })
	assert.Error(t, err)
}

func TestStreamDispatchesWithResolvedCredentialAndProviderOptions(t *testing.T) {
	f, store := newTestFacade(t)
	fake := &fakeAdapter{}
	f.RegisterAdapter(ProviderTypeAntigravity, fake)

	require.NoError(t, store.Upsert(config.ProviderConfig{
		Name:         "anti",
		BaseURL:      "https://cloudcode-pa.googleapis.com",
		ExtraHeaders: map[string]string{"X-Custom": "1"},
		ExtraBody:    map[string]any{"labels": map[string]any{"env": "test"}},
		Auth: config.AuthConfig{
			Method:    config.MethodAntigravityOAuth,
			Token:     inlineToken(t, "at-123"),
			ProjectID: "proj-1",
			Email:     "dev@example.com",
		},
	}))

	var chunks int
	// A caller-supplied Style must be overridden by the provider's method.
	inbound := codeassist.ChatRequest{Model: "gemini-3-pro", Style: codeassist.StyleGeminiCLI}
	err := f.Stream(context.Background(), "anti", inbound, func(json.RawMessage) error {
		chunks++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, 1, chunks)
	assert.Equal(t, codeassist.StyleAntigravity, fake.req.Style)
	assert.Equal(t, "at-123", fake.credential.AccessToken)
	assert.Equal(t, "proj-1", fake.credential.ProjectID)
	assert.Equal(t, "1", fake.req.ExtraHeaders["X-Custom"])
	assert.NotNil(t, fake.req.ExtraBody["labels"])
}
