package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsEmptyStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.List())
	assert.False(t, s.StoreSecretsInSettings())
}

func TestUpsertGetRemove(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	cfg := ProviderConfig{Name: "anthropic", BaseURL: "https://api.anthropic.com", Auth: AuthConfig{Method: MethodAPIKey, APIKey: "secretref-1"}}
	require.NoError(t, s.Upsert(cfg))

	got, ok := s.Get("anthropic")
	require.True(t, ok)
	assert.Equal(t, cfg, got)

	cfg.BaseURL = "https://api.anthropic.com/v2"
	require.NoError(t, s.Upsert(cfg))
	got, ok = s.Get("anthropic")
	require.True(t, ok)
	assert.Equal(t, "https://api.anthropic.com/v2", got.BaseURL)
	assert.Len(t, s.List(), 1)

	removed, err := s.Remove("anthropic")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok = s.Get("anthropic")
	assert.False(t, ok)

	removed, err = s.Remove("anthropic")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestUpsertPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ProviderConfig{Name: "gemini", BaseURL: "https://cloudcode-pa.googleapis.com", Auth: AuthConfig{Method: config2Method()}}))

	reloaded, err := Load(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("gemini")
	require.True(t, ok)
	assert.Equal(t, MethodAntigravityOAuth, got.Auth.Method)
}

func config2Method() Method { return MethodAntigravityOAuth }

func TestSignatureIsOrderIndependentAndStable(t *testing.T) {
	a := AuthConfig{
		Method: MethodOAuth2,
		OAuth: &OAuth2Config{
			GrantType: GrantAuthorizationCode,
			TokenURL:  "https://example.com/token",
			Scopes:    []string{"a", "b"},
		},
	}
	sigA, err := Signature(a)
	require.NoError(t, err)

	// A struct re-marshaled from the same field values, built through a
	// different construction order, must canonicalize identically: field
	// order in the struct literal never affects the marshaled key order
	// because encoding/json always emits struct fields in declaration
	// order, and map-valued content (none here) is sorted by key.
	b := AuthConfig{
		OAuth: &OAuth2Config{
			Scopes:    []string{"a", "b"},
			TokenURL:  "https://example.com/token",
			GrantType: GrantAuthorizationCode,
		},
		Method: MethodOAuth2,
	}
	sigB, err := Signature(b)
	require.NoError(t, err)

	assert.Equal(t, sigA, sigB)

	c := a
	c.OAuth = &OAuth2Config{GrantType: GrantAuthorizationCode, TokenURL: "https://example.com/token", Scopes: []string{"a", "c"}}
	sigC, err := Signature(c)
	require.NoError(t, err)
	assert.NotEqual(t, sigA, sigC)
}

func TestLiveSecretRefsCollectsOnlyRefLikeValues(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ProviderConfig{
		Name: "anthropic",
		Auth: AuthConfig{Method: MethodAPIKey, APIKey: "apikey:ref-1"},
	}))
	require.NoError(t, s.Upsert(ProviderConfig{
		Name: "gemini",
		Auth: AuthConfig{
			Method: MethodOAuth2,
			Token:  "oauth2token:ref-2",
			OAuth:  &OAuth2Config{GrantType: GrantClientCredentials, ClientSecret: "oauth2clientsecret:ref-3"},
		},
	}))
	require.NoError(t, s.Upsert(ProviderConfig{
		Name: "plain",
		Auth: AuthConfig{Method: MethodAPIKey, APIKey: "sk-plaintext-not-a-ref"},
	}))

	refs := s.LiveSecretRefs()
	assert.Len(t, refs, 3)
	assert.Contains(t, refs, "apikey:ref-1")
	assert.Contains(t, refs, "oauth2token:ref-2")
	assert.Contains(t, refs, "oauth2clientsecret:ref-3")
	assert.NotContains(t, refs, "sk-plaintext-not-a-ref")
}

func TestReplaceAllOverwritesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ProviderConfig{Name: "a", Auth: AuthConfig{Method: MethodAPIKey, APIKey: "sk-a"}}))

	require.NoError(t, s.ReplaceAll([]ProviderConfig{
		{Name: "a", Auth: AuthConfig{Method: MethodAPIKey, APIKey: "apikey:ref-a"}},
		{Name: "b", Auth: AuthConfig{Method: MethodNone}},
	}))

	assert.Len(t, s.List(), 2)
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "apikey:ref-a", got.Auth.APIKey)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 2)
}

func TestSubscribeNotifiedOnUpsert(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	notified := make(chan []ProviderConfig, 1)
	unsubscribe := s.Subscribe(func(providers []ProviderConfig, storeSecretsInSettings bool) {
		notified <- providers
	})
	defer unsubscribe()

	require.NoError(t, s.Upsert(ProviderConfig{Name: "codex", Auth: AuthConfig{Method: MethodOpenAICodex}}))

	select {
	case providers := <-notified:
		require.Len(t, providers, 1)
		assert.Equal(t, "codex", providers[0].Name)
	default:
		t.Fatal("expected a synchronous notify on Upsert")
	}
}
