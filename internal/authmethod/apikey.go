package authmethod

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

// APIKeyProvider serves a static API key. Its expiry buffer is zero: an
// API key never expires on its own.
type APIKeyProvider struct {
	providerName string
	store        secretstore.Store
	persist      func(ctx context.Context, auth config.AuthConfig) error
	mode         func() bool // storeSecretsInSettings
	prompt       func(ctx context.Context) (string, error)

	observer *StatusObserver
	auth     config.AuthConfig
}

// NewAPIKeyProvider builds the api-key provider for a given provider name.
// persist writes the updated AuthConfig back to the config store; modeFn
// reports the current storeSecretsInSettings flag; prompt is the host's
// "ask the user for a key" capability, invoked by Configure.
func NewAPIKeyProvider(providerName string, auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, prompt func(context.Context) (string, error)) *APIKeyProvider {
	return &APIKeyProvider{
		providerName: providerName,
		store:        store,
		persist:      persist,
		mode:         modeFn,
		prompt:       prompt,
		observer:     NewStatusObserver(),
		auth:         auth,
	}
}

func (p *APIKeyProvider) Definition() Definition {
	return Definition{ID: string(config.MethodAPIKey), DisplayName: "API Key", Description: "Static bearer API key"}
}

func (p *APIKeyProvider) GetExpiryBuffer() time.Duration { return 0 }

func (p *APIKeyProvider) Subscribe(h func(StatusEvent)) Disposable { return p.observer.Subscribe(h) }

// GetCredential resolves apiKey, whether inline or a secret reference.
func (p *APIKeyProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
	if p.auth.APIKey == "" {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: fmt.Errorf("authmethod: no api key configured for %s", p.providerName), ErrorType: ErrorTypeAuth})
		return nil, nil
	}
	value := p.auth.APIKey
	if secretstore.LooksLikeSecretRef(value) {
		plain, ok, err := p.store.GetAPIKey(ctx, value)
		if err != nil {
			p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: ErrorTypeTransient})
			return nil, err
		}
		if !ok {
			err = fmt.Errorf("authmethod: api key reference %q not found", value)
			p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: ErrorTypeAuth})
			return nil, nil
		}
		value = plain
	}
	return &config.AuthCredential{Value: value}, nil
}

func (p *APIKeyProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

// Configure prompts for a fresh key via p.prompt, stores it in Secret
// Storage unless the mode flag says to inline it, and fires valid.
func (p *APIKeyProvider) Configure(ctx context.Context) ConfigureResult {
	rawKey, err := p.prompt(ctx)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	trimmed := strings.TrimSpace(rawKey)
	if trimmed == "" {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: empty api key")}
	}
	next := p.auth
	next.Method = config.MethodAPIKey
	if p.mode() {
		next.APIKey = trimmed
	} else {
		ref := p.store.CreateRef(secretstore.NamespaceAPIKey)
		if err := p.store.SetAPIKey(ctx, ref, trimmed); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
		next.APIKey = ref
	}
	if p.persist != nil {
		if err := p.persist(ctx, next); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return ConfigureResult{Success: true, Config: &next}
}

// Revoke deletes the stored secret (if any) and clears the field.
func (p *APIKeyProvider) Revoke(ctx context.Context) error {
	if p.auth.APIKey != "" && secretstore.LooksLikeSecretRef(p.auth.APIKey) {
		if err := p.store.DeleteAPIKey(ctx, p.auth.APIKey); err != nil {
			return err
		}
	}
	p.auth.APIKey = ""
	if p.persist != nil {
		if err := p.persist(ctx, p.auth); err != nil {
			return err
		}
	}
	p.observer.Emit(StatusEvent{Status: StatusRevoked})
	return nil
}

// Refresh is unsupported: api keys never refresh.
func (p *APIKeyProvider) Refresh(context.Context) (bool, error) { return false, ErrRefreshNotSupported }
