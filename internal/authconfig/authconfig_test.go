package authconfig

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

func openTestStore(t *testing.T) *secretstore.BoltStore {
	t.Helper()
	s, err := secretstore.Open(filepath.Join(t.TempDir(), "secrets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestForUnrecognizedMethod(t *testing.T) {
	_, err := For(config.Method("not-a-real-method"))
	assert.Error(t, err)
}

func TestAPIKeySupportsSensitiveDataInSettings(t *testing.T) {
	h, err := For(config.MethodAPIKey)
	require.NoError(t, err)
	assert.True(t, h.SupportsSensitiveDataInSettings(config.AuthConfig{Method: config.MethodAPIKey}))

	h, err = For(config.MethodOAuth2)
	require.NoError(t, err)
	assert.False(t, h.SupportsSensitiveDataInSettings(config.AuthConfig{Method: config.MethodOAuth2}), "token-holding methods must never report inline-safe")
}

func TestAPIKeyRedactForExportClearsKey(t *testing.T) {
	h, err := For(config.MethodAPIKey)
	require.NoError(t, err)
	redacted := h.RedactForExport(config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-secret"})
	assert.Empty(t, redacted.APIKey)
}

func TestAPIKeyNormalizeOnImportAllocatesRefWhenSecretsStoredOutOfSettings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	h, err := For(config.MethodAPIKey)
	require.NoError(t, err)

	auth := config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-plain"}
	normalized, err := h.NormalizeOnImport(ctx, auth, ImportOptions{Store: store, StoreSecretsInSettings: false})
	require.NoError(t, err)
	assert.True(t, secretstore.LooksLikeSecretRef(normalized.APIKey))

	plain, ok, err := store.GetAPIKey(ctx, normalized.APIKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sk-plain", plain)
}

func TestAPIKeyNormalizeOnImportResolvesRefWhenSecretsStoredInSettings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	h, err := For(config.MethodAPIKey)
	require.NoError(t, err)

	ref := store.CreateRef(secretstore.NamespaceAPIKey)
	require.NoError(t, store.SetAPIKey(ctx, ref, "sk-stored"))

	normalized, err := h.NormalizeOnImport(ctx, config.AuthConfig{Method: config.MethodAPIKey, APIKey: ref}, ImportOptions{Store: store, StoreSecretsInSettings: true})
	require.NoError(t, err)
	assert.Equal(t, "sk-stored", normalized.APIKey)
}

func TestAPIKeyNormalizeOnImportMissingSecretErrors(t *testing.T) {
	store := openTestStore(t)
	h, err := For(config.MethodAPIKey)
	require.NoError(t, err)

	missingRef := store.CreateRef(secretstore.NamespaceAPIKey)
	_, err = h.NormalizeOnImport(context.Background(), config.AuthConfig{Method: config.MethodAPIKey, APIKey: missingRef}, ImportOptions{Store: store, StoreSecretsInSettings: true})
	require.Error(t, err)
	assert.True(t, IsMissingSecret(err))
}

func TestTokenHoldingCleanupOnDiscardDeletesReference(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ref := store.CreateRef(secretstore.NamespaceOAuthToken)
	require.NoError(t, store.SetOAuth2Token(ctx, ref, secretstore.OAuth2TokenRecord{AccessToken: "at"}))

	require.NoError(t, CleanupOnMethodChange(ctx, config.AuthConfig{Method: config.MethodOAuth2, Token: ref}, store))

	_, ok, err := store.GetOAuth2Token(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenHoldingPrepareForDuplicateClearsTokenAndReassignsIdentity(t *testing.T) {
	store := openTestStore(t)
	h, err := For(config.MethodClaudeCode)
	require.NoError(t, err)

	duplicated, err := h.PrepareForDuplicate(context.Background(), config.AuthConfig{Method: config.MethodClaudeCode, Token: "stale", IdentityID: "old"}, ImportOptions{Store: store, StoreSecretsInSettings: true}, "new-identity")
	require.NoError(t, err)
	assert.Equal(t, "new-identity", duplicated.IdentityID)
	assert.Empty(t, duplicated.Token, "a duplicated provider must never inherit the source's live credential")
}

func TestMigrateAllMovesInlineSecretsToStoreWhenModeFlipsOff(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	providers := []config.ProviderConfig{
		{Name: "anthropic", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: "sk-plain"}},
		{Name: "no-auth", Auth: config.AuthConfig{Method: config.MethodNone}},
	}

	migrated, errs := MigrateAll(ctx, providers, store, false)
	require.Empty(t, errs)
	require.Len(t, migrated, 2)

	assert.True(t, secretstore.LooksLikeSecretRef(migrated[0].Auth.APIKey))
	plain, ok, err := store.GetAPIKey(ctx, migrated[0].Auth.APIKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sk-plain", plain)

	assert.Equal(t, config.MethodNone, migrated[1].Auth.Method)
}

func TestMigrateAllResolvesSecretRefsToInlineWhenModeFlipsOn(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ref := store.CreateRef(secretstore.NamespaceAPIKey)
	require.NoError(t, store.SetAPIKey(ctx, ref, "sk-stored"))
	providers := []config.ProviderConfig{
		{Name: "anthropic", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: ref}},
	}

	migrated, errs := MigrateAll(ctx, providers, store, true)
	require.Empty(t, errs)
	assert.Equal(t, "sk-stored", migrated[0].Auth.APIKey)
}

func TestMigrateAllReportsMissingSecretButContinuesOtherProviders(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	missingRef := store.CreateRef(secretstore.NamespaceAPIKey)
	providers := []config.ProviderConfig{
		{Name: "broken", Auth: config.AuthConfig{Method: config.MethodAPIKey, APIKey: missingRef}},
		{Name: "fine", Auth: config.AuthConfig{Method: config.MethodNone}},
	}

	migrated, errs := MigrateAll(ctx, providers, store, true)
	require.Len(t, errs, 1)
	assert.True(t, IsMissingSecret(errs[0]))
	require.Len(t, migrated, 2)
	assert.Equal(t, config.MethodNone, migrated[1].Auth.Method)
}

func TestNoneMethodHelpersAreIdentity(t *testing.T) {
	h, err := For(config.MethodNone)
	require.NoError(t, err)
	auth := config.AuthConfig{Method: config.MethodNone}
	assert.Equal(t, auth, h.RedactForExport(auth))
	require.NoError(t, h.CleanupOnDiscard(context.Background(), auth, nil))
}
