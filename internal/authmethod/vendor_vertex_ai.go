package authmethod

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

var vertexAIScopes = []string{"https://www.googleapis.com/auth/cloud-platform"}

// VertexAIProvider implements the google-vertex-ai-auth vendor method,
// dispatching internally on VertexSubMethod (adc, service-account,
// api-key) the way the rest of the codebase dispatches on config.Method —
// three sub-variants sharing one Provider identity because the host only
// ever configures "Vertex AI" once, picking a credential source under the
// hood.
type VertexAIProvider struct {
	auth       config.AuthConfig
	store      secretstore.Store
	persist    func(ctx context.Context, auth config.AuthConfig) error
	mode       func() bool
	prompt     func(ctx context.Context) (serviceAccountJSON string, err error)
	observer   *StatusObserver
	credential *google.Credentials
}

// NewVertexAIProvider constructs the Vertex AI vendor provider. prompt is
// only consulted for the service-account sub-method.
func NewVertexAIProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, prompt func(context.Context) (string, error)) *VertexAIProvider {
	return &VertexAIProvider{auth: auth, store: store, persist: persist, mode: modeFn, prompt: prompt, observer: NewStatusObserver()}
}

func (p *VertexAIProvider) Definition() Definition {
	return Definition{ID: string(config.MethodGoogleVertexAI), DisplayName: "Google Vertex AI", Description: "Vertex AI (ADC, service account, or API key)"}
}

func (p *VertexAIProvider) GetExpiryBuffer() time.Duration {
	if p.auth.VertexSubMethod == config.VertexSubMethodAPIKey {
		return 0
	}
	return 5 * time.Minute
}

func (p *VertexAIProvider) Subscribe(h func(StatusEvent)) Disposable { return p.observer.Subscribe(h) }

func (p *VertexAIProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *VertexAIProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
	switch p.auth.VertexSubMethod {
	case config.VertexSubMethodAPIKey:
		return p.getAPIKeyCredential(ctx)
	default:
		return p.getTokenSourceCredential(ctx)
	}
}

func (p *VertexAIProvider) getAPIKeyCredential(ctx context.Context) (*config.AuthCredential, error) {
	key := p.auth.APIKey
	if key == "" {
		p.observer.Emit(StatusEvent{Status: StatusExpired})
		return nil, nil
	}
	if secretstore.LooksLikeSecretRef(key) {
		resolved, ok, err := p.store.GetAPIKey(ctx, key)
		if err != nil {
			p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: ErrorTypeUnknown})
			return nil, err
		}
		if !ok {
			p.observer.Emit(StatusEvent{Status: StatusExpired})
			return nil, nil
		}
		key = resolved
	}
	return &config.AuthCredential{Value: key}, nil
}

// getTokenSourceCredential handles both adc and service-account: both
// resolve to a golang.org/x/oauth2 TokenSource whose Token() call already
// performs the library's own refresh-ahead-of-expiry, so there is no
// separate Refresh() path for these sub-methods.
func (p *VertexAIProvider) getTokenSourceCredential(ctx context.Context) (*config.AuthCredential, error) {
	creds, err := p.resolveCredentials(ctx)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: ErrorTypeUnknown})
		return nil, err
	}
	token, err := creds.TokenSource.Token()
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: ClassifyError(0, "")})
		return nil, err
	}
	if !token.Valid() {
		p.observer.Emit(StatusEvent{Status: StatusExpired})
		return nil, nil
	}
	var expiresAt *int64
	if !token.Expiry.IsZero() {
		ms := token.Expiry.UnixMilli()
		expiresAt = &ms
	}
	return &config.AuthCredential{Value: token.AccessToken, TokenType: token.TokenType, ExpiresAt: expiresAt}, nil
}

func (p *VertexAIProvider) resolveCredentials(ctx context.Context) (*google.Credentials, error) {
	if p.credential != nil {
		return p.credential, nil
	}
	var creds *google.Credentials
	var err error
	switch p.auth.VertexSubMethod {
	case config.VertexSubMethodServiceAccount:
		saJSON, resolveErr := p.resolveServiceAccountJSON(ctx)
		if resolveErr != nil {
			return nil, resolveErr
		}
		creds, err = google.CredentialsFromJSON(ctx, []byte(saJSON), vertexAIScopes...)
	default: // adc
		creds, err = google.FindDefaultCredentials(ctx, vertexAIScopes...)
	}
	if err != nil {
		return nil, fmt.Errorf("authmethod: resolve vertex ai credentials: %w", err)
	}
	p.credential = creds
	return creds, nil
}

func (p *VertexAIProvider) resolveServiceAccountJSON(ctx context.Context) (string, error) {
	token := p.auth.Token
	if token == "" {
		return "", fmt.Errorf("authmethod: vertex ai service account has no stored credentials")
	}
	if secretstore.LooksLikeSecretRef(token) {
		record, ok, err := p.store.GetOAuth2Token(ctx, token)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("authmethod: vertex ai service account credential missing")
		}
		return record.AccessToken, nil
	}
	return token, nil
}

func (p *VertexAIProvider) Configure(ctx context.Context) ConfigureResult {
	switch p.auth.VertexSubMethod {
	case config.VertexSubMethodAPIKey:
		return p.configureAPIKey(ctx)
	case config.VertexSubMethodServiceAccount:
		return p.configureServiceAccount(ctx)
	default:
		return p.configureADC(ctx)
	}
}

func (p *VertexAIProvider) configureAPIKey(ctx context.Context) ConfigureResult {
	if p.prompt == nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: vertex ai api-key configure requires a prompt")}
	}
	raw, err := p.prompt(ctx)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	raw = strings.TrimSpace(raw)
	next := p.auth
	next.Method = config.MethodGoogleVertexAI
	next.VertexSubMethod = config.VertexSubMethodAPIKey
	if p.mode() {
		next.APIKey = raw
	} else {
		ref := p.auth.APIKey
		if ref == "" || !secretstore.LooksLikeSecretRef(ref) {
			ref = p.store.CreateRef(secretstore.NamespaceAPIKey)
		}
		if err = p.store.SetAPIKey(ctx, ref, raw); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
		next.APIKey = ref
	}
	return p.finishConfigure(ctx, next)
}

func (p *VertexAIProvider) configureServiceAccount(ctx context.Context) ConfigureResult {
	if p.prompt == nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: vertex ai service-account configure requires a prompt")}
	}
	raw, err := p.prompt(ctx)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	creds, err := google.CredentialsFromJSON(ctx, []byte(raw), vertexAIScopes...)
	if err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: invalid vertex ai service account json: %w", err)}
	}
	next := p.auth
	next.Method = config.MethodGoogleVertexAI
	next.VertexSubMethod = config.VertexSubMethodServiceAccount
	if creds.ProjectID != "" {
		next.ProjectID = creds.ProjectID
	}
	ref := p.auth.Token
	if ref == "" || !secretstore.LooksLikeSecretRef(ref) {
		ref = p.store.CreateRef(secretstore.NamespaceOAuthToken)
	}
	if err = p.store.SetOAuth2Token(ctx, ref, secretstore.OAuth2TokenRecord{AccessToken: raw}); err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Token = ref
	return p.finishConfigure(ctx, next)
}

func (p *VertexAIProvider) configureADC(ctx context.Context) ConfigureResult {
	creds, err := google.FindDefaultCredentials(ctx, vertexAIScopes...)
	if err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: application default credentials unavailable: %w", err)}
	}
	next := p.auth
	next.Method = config.MethodGoogleVertexAI
	next.VertexSubMethod = config.VertexSubMethodADC
	if creds.ProjectID != "" {
		next.ProjectID = creds.ProjectID
	}
	return p.finishConfigure(ctx, next)
}

func (p *VertexAIProvider) finishConfigure(ctx context.Context, next config.AuthConfig) ConfigureResult {
	p.credential = nil
	if p.persist != nil {
		if err := p.persist(ctx, next); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return ConfigureResult{Success: true, Config: &next}
}

// Refresh is a no-op for adc/service-account (the underlying TokenSource
// refreshes itself transparently on Token()) and unsupported for api-key.
func (p *VertexAIProvider) Refresh(ctx context.Context) (bool, error) {
	if p.auth.VertexSubMethod == config.VertexSubMethodAPIKey {
		return false, ErrRefreshNotSupported
	}
	p.credential = nil
	cred, err := p.GetCredential(ctx)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

func (p *VertexAIProvider) Revoke(ctx context.Context) error {
	p.credential = nil
	switch p.auth.VertexSubMethod {
	case config.VertexSubMethodAPIKey:
		if p.auth.APIKey != "" && secretstore.LooksLikeSecretRef(p.auth.APIKey) {
			_ = p.store.DeleteAPIKey(ctx, p.auth.APIKey)
		}
		p.auth.APIKey = ""
	case config.VertexSubMethodServiceAccount:
		if p.auth.Token != "" && secretstore.LooksLikeSecretRef(p.auth.Token) {
			_ = p.store.DeleteOAuth2Token(ctx, p.auth.Token)
		}
		p.auth.Token = ""
	}
	p.auth.ProjectID = ""
	if p.persist != nil {
		if err := p.persist(ctx, p.auth); err != nil {
			return err
		}
	}
	p.observer.Emit(StatusEvent{Status: StatusRevoked})
	return nil
}
