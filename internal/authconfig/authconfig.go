// Package authconfig implements the per-method auth-config helper set
// used by the import/export/duplicate/cleanup pipelines: a dispatch table
// keyed by config.Method, each entry a struct of function values rather
// than an interface implementation.
package authconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

// marshalToken renders a secret-store token record as the inline
// OAuth2TokenData JSON shape that lives directly in AuthConfig.Token.
func marshalToken(record secretstore.OAuth2TokenRecord) (string, error) {
	data := config.OAuth2TokenData{
		AccessToken:  record.AccessToken,
		TokenType:    record.TokenType,
		RefreshToken: record.RefreshToken,
		Scope:        record.Scope,
	}
	if record.ExpiresAt != nil {
		ms := record.ExpiresAt.UnixMilli()
		data.ExpiresAt = &ms
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("authconfig: marshal inline token: %w", err)
	}
	return string(raw), nil
}

// unmarshalToken parses an inline OAuth2TokenData JSON blob into the
// secret-store's durable record shape.
func unmarshalToken(inline string) (secretstore.OAuth2TokenRecord, error) {
	var data config.OAuth2TokenData
	if err := json.Unmarshal([]byte(inline), &data); err != nil {
		return secretstore.OAuth2TokenRecord{}, fmt.Errorf("authconfig: parse inline token: %w", err)
	}
	record := secretstore.OAuth2TokenRecord{
		AccessToken:  data.AccessToken,
		TokenType:    data.TokenType,
		RefreshToken: data.RefreshToken,
		Scope:        data.Scope,
	}
	if data.ExpiresAt != nil {
		t := time.UnixMilli(*data.ExpiresAt)
		record.ExpiresAt = &t
	}
	return record, nil
}

// ImportOptions parameterizes NormalizeOnImport.
type ImportOptions struct {
	Store                  secretstore.Store
	StoreSecretsInSettings bool
	// Existing is the previously stored auth for the same provider, if any;
	// its secret references are reused when compatible instead of
	// allocating fresh ones.
	Existing *config.AuthConfig
}

// Helpers is the per-method function-pointer record. A nil field means the
// operation is a no-op identity for that method (e.g. "none" and
// "api-key" have nothing to clean up on discard beyond the key itself).
type Helpers struct {
	SupportsSensitiveDataInSettings func(auth config.AuthConfig) bool
	RedactForExport                 func(auth config.AuthConfig) config.AuthConfig
	ResolveForExport                func(ctx context.Context, auth config.AuthConfig, store secretstore.Store) (config.AuthConfig, error)
	NormalizeOnImport               func(ctx context.Context, auth config.AuthConfig, opts ImportOptions) (config.AuthConfig, error)
	PrepareForDuplicate             func(ctx context.Context, auth config.AuthConfig, opts ImportOptions, newIdentityID string) (config.AuthConfig, error)
	CleanupOnDiscard                func(ctx context.Context, auth config.AuthConfig, store secretstore.Store) error
}

// tokenHolding is true for every method whose AuthConfig carries a Token
// field resolved through the secret store (every variant except none and
// api-key).
func tokenHoldingHelpers() Helpers {
	return Helpers{
		SupportsSensitiveDataInSettings: func(config.AuthConfig) bool { return false },
		RedactForExport: func(auth config.AuthConfig) config.AuthConfig {
			redacted := auth
			redacted.Token = ""
			return redacted
		},
		ResolveForExport: func(ctx context.Context, auth config.AuthConfig, store secretstore.Store) (config.AuthConfig, error) {
			resolved := auth
			if auth.Token == "" {
				return resolved, nil
			}
			if !secretstore.LooksLikeSecretRef(auth.Token) {
				return resolved, nil
			}
			record, ok, err := store.GetOAuth2Token(ctx, auth.Token)
			if err != nil {
				return config.AuthConfig{}, fmt.Errorf("authconfig: resolve token for export: %w", err)
			}
			if !ok {
				return config.AuthConfig{}, fmt.Errorf("authconfig: %w", errMissingSecret{ref: auth.Token})
			}
			inline, err := marshalToken(*record)
			if err != nil {
				return config.AuthConfig{}, err
			}
			resolved.Token = inline
			return resolved, nil
		},
		NormalizeOnImport: func(ctx context.Context, auth config.AuthConfig, opts ImportOptions) (config.AuthConfig, error) {
			return normalizeTokenField(ctx, auth, opts)
		},
		PrepareForDuplicate: func(ctx context.Context, auth config.AuthConfig, opts ImportOptions, newIdentityID string) (config.AuthConfig, error) {
			cleared := auth
			cleared.Token = ""
			cleared.IdentityID = newIdentityID
			return normalizeTokenField(ctx, cleared, opts)
		},
		CleanupOnDiscard: func(ctx context.Context, auth config.AuthConfig, store secretstore.Store) error {
			if auth.Token != "" && secretstore.LooksLikeSecretRef(auth.Token) {
				return store.DeleteOAuth2Token(ctx, auth.Token)
			}
			return nil
		},
	}
}

// normalizeTokenField converts auth.Token between inline-plaintext and
// secret-reference form according to opts.StoreSecretsInSettings, reusing
// opts.Existing's reference when the mode does not need to change.
func normalizeTokenField(ctx context.Context, auth config.AuthConfig, opts ImportOptions) (config.AuthConfig, error) {
	normalized := auth
	if auth.Token == "" {
		return normalized, nil
	}
	isRef := secretstore.LooksLikeSecretRef(auth.Token)
	switch {
	case opts.StoreSecretsInSettings && isRef:
		record, ok, err := opts.Store.GetOAuth2Token(ctx, auth.Token)
		if err != nil {
			return config.AuthConfig{}, fmt.Errorf("authconfig: normalize import (inline target): %w", err)
		}
		if !ok {
			return config.AuthConfig{}, fmt.Errorf("authconfig: %w", errMissingSecret{ref: auth.Token})
		}
		inline, err := marshalToken(*record)
		if err != nil {
			return config.AuthConfig{}, err
		}
		normalized.Token = inline
	case !opts.StoreSecretsInSettings && !isRef:
		record, err := unmarshalToken(auth.Token)
		if err != nil {
			return config.AuthConfig{}, err
		}
		ref := reuseOrAllocateRef(opts)
		if err = opts.Store.SetOAuth2Token(ctx, ref, record); err != nil {
			return config.AuthConfig{}, fmt.Errorf("authconfig: normalize import (ref target): %w", err)
		}
		normalized.Token = ref
	}
	return normalized, nil
}

func reuseOrAllocateRef(opts ImportOptions) string {
	if opts.Existing != nil && opts.Existing.Token != "" && secretstore.LooksLikeSecretRef(opts.Existing.Token) {
		return opts.Existing.Token
	}
	return opts.Store.CreateRef(secretstore.NamespaceOAuthToken)
}

// apiKeyHelpers is the one method whose sensitive value may live inline
// in synced settings; token-holding methods never are, since refresh-token
// races across synced settings are unsafe.
func apiKeyHelpers() Helpers {
	return Helpers{
		SupportsSensitiveDataInSettings: func(config.AuthConfig) bool { return true },
		RedactForExport: func(auth config.AuthConfig) config.AuthConfig {
			redacted := auth
			redacted.APIKey = ""
			return redacted
		},
		ResolveForExport: func(ctx context.Context, auth config.AuthConfig, store secretstore.Store) (config.AuthConfig, error) {
			resolved := auth
			if auth.APIKey == "" || !secretstore.LooksLikeSecretRef(auth.APIKey) {
				return resolved, nil
			}
			plain, ok, err := store.GetAPIKey(ctx, auth.APIKey)
			if err != nil {
				return config.AuthConfig{}, fmt.Errorf("authconfig: resolve api key for export: %w", err)
			}
			if !ok {
				return config.AuthConfig{}, fmt.Errorf("authconfig: %w", errMissingSecret{ref: auth.APIKey})
			}
			resolved.APIKey = plain
			return resolved, nil
		},
		NormalizeOnImport: func(ctx context.Context, auth config.AuthConfig, opts ImportOptions) (config.AuthConfig, error) {
			normalized := auth
			if auth.APIKey == "" {
				return normalized, nil
			}
			isRef := secretstore.LooksLikeSecretRef(auth.APIKey)
			switch {
			case opts.StoreSecretsInSettings && isRef:
				plain, ok, err := opts.Store.GetAPIKey(ctx, auth.APIKey)
				if err != nil {
					return config.AuthConfig{}, fmt.Errorf("authconfig: normalize api key import: %w", err)
				}
				if !ok {
					return config.AuthConfig{}, fmt.Errorf("authconfig: %w", errMissingSecret{ref: auth.APIKey})
				}
				normalized.APIKey = plain
			case !opts.StoreSecretsInSettings && !isRef:
				ref := opts.Store.CreateRef(secretstore.NamespaceAPIKey)
				if opts.Existing != nil && opts.Existing.APIKey != "" && secretstore.LooksLikeSecretRef(opts.Existing.APIKey) {
					ref = opts.Existing.APIKey
				}
				if err := opts.Store.SetAPIKey(ctx, ref, auth.APIKey); err != nil {
					return config.AuthConfig{}, fmt.Errorf("authconfig: normalize api key import: %w", err)
				}
				normalized.APIKey = ref
			}
			return normalized, nil
		},
		PrepareForDuplicate: func(ctx context.Context, auth config.AuthConfig, opts ImportOptions, newIdentityID string) (config.AuthConfig, error) {
			cleared := auth
			cleared.IdentityID = newIdentityID
			return cleared, nil
		},
		CleanupOnDiscard: func(ctx context.Context, auth config.AuthConfig, store secretstore.Store) error {
			if auth.APIKey != "" && secretstore.LooksLikeSecretRef(auth.APIKey) {
				return store.DeleteAPIKey(ctx, auth.APIKey)
			}
			return nil
		},
	}
}

func noneHelpers() Helpers {
	identity := func(auth config.AuthConfig) config.AuthConfig { return auth }
	return Helpers{
		SupportsSensitiveDataInSettings: func(config.AuthConfig) bool { return true },
		RedactForExport:                 identity,
		ResolveForExport: func(_ context.Context, auth config.AuthConfig, _ secretstore.Store) (config.AuthConfig, error) {
			return auth, nil
		},
		NormalizeOnImport: func(_ context.Context, auth config.AuthConfig, _ ImportOptions) (config.AuthConfig, error) {
			return auth, nil
		},
		PrepareForDuplicate: func(_ context.Context, auth config.AuthConfig, _ ImportOptions, newIdentityID string) (config.AuthConfig, error) {
			auth.IdentityID = newIdentityID
			return auth, nil
		},
		CleanupOnDiscard: func(context.Context, config.AuthConfig, secretstore.Store) error { return nil },
	}
}

// table is the method -> helper-record dispatch table, built once.
var table = map[config.Method]Helpers{
	config.MethodNone:              noneHelpers(),
	config.MethodAPIKey:            apiKeyHelpers(),
	config.MethodOAuth2:            tokenHoldingHelpers(),
	config.MethodAntigravityOAuth:  tokenHoldingHelpers(),
	config.MethodGoogleGeminiOAuth: tokenHoldingHelpers(),
	config.MethodOpenAICodex:       tokenHoldingHelpers(),
	config.MethodClaudeCode:        tokenHoldingHelpers(),
	config.MethodQwenCode:          tokenHoldingHelpers(),
	config.MethodIFlowCLI:          tokenHoldingHelpers(),
	config.MethodGitHubCopilot:     tokenHoldingHelpers(),
	config.MethodGoogleVertexAI:    tokenHoldingHelpers(),
}

// For returns the helper record for method, or an error if method is not a
// recognized tag — the finite variant set is public API.
func For(method config.Method) (Helpers, error) {
	h, ok := table[method]
	if !ok {
		return Helpers{}, fmt.Errorf("authconfig: unrecognized method %q", method)
	}
	return h, nil
}

// CleanupOnMethodChange runs old's CleanupOnDiscard before the caller
// constructs a provider for the new method.
func CleanupOnMethodChange(ctx context.Context, old config.AuthConfig, store secretstore.Store) error {
	h, err := For(old.Method)
	if err != nil {
		return err
	}
	if h.CleanupOnDiscard == nil {
		return nil
	}
	return h.CleanupOnDiscard(ctx, old, store)
}

// MigrateAll re-normalizes every provider's AuthConfig against the store's
// current StoreSecretsInSettings mode, the migration pass a mode-flag flip
// triggers. Each provider is migrated independently; a
// missing-secret failure on one provider is logged by the caller via the
// returned error but does not block the others from migrating.
func MigrateAll(ctx context.Context, providers []config.ProviderConfig, secrets secretstore.Store, storeSecretsInSettings bool) ([]config.ProviderConfig, []error) {
	migrated := make([]config.ProviderConfig, len(providers))
	var errs []error
	for i, p := range providers {
		h, err := For(p.Auth.Method)
		if err != nil {
			migrated[i] = p
			errs = append(errs, fmt.Errorf("authconfig: migrate %q: %w", p.Name, err))
			continue
		}
		if h.NormalizeOnImport == nil {
			migrated[i] = p
			continue
		}
		existing := p.Auth
		next, err := h.NormalizeOnImport(ctx, p.Auth, ImportOptions{
			Store:                  secrets,
			StoreSecretsInSettings: storeSecretsInSettings,
			Existing:               &existing,
		})
		if err != nil {
			migrated[i] = p
			errs = append(errs, fmt.Errorf("authconfig: migrate %q: %w", p.Name, err))
			continue
		}
		p.Auth = next
		migrated[i] = p
	}
	return migrated, errs
}

type errMissingSecret struct{ ref string }

func (e errMissingSecret) Error() string {
	return fmt.Sprintf("missing-secret: reference %q does not resolve in the secret store", e.ref)
}

// IsMissingSecret reports whether err originated from a reference that
// does not resolve in the secret store.
func IsMissingSecret(err error) bool {
	var missing errMissingSecret
	return errors.As(err, &missing)
}
