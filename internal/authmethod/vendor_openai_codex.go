package authmethod

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unifychat/gateway/internal/browser"
	"github.com/unifychat/gateway/internal/callback"
	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/jwtutil"
	"github.com/unifychat/gateway/internal/oauthutil"
	"github.com/unifychat/gateway/internal/secretstore"
)

// OpenAI Codex's documented OAuth client and fixed loopback redirect
// (port 1455).
const (
	codexAuthorizationURL = "https://auth.openai.com/oauth/authorize"
	codexTokenURL         = "https://auth.openai.com/oauth/token"
	codexClientID         = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexRedirectURI      = "http://localhost:1455/auth/callback"
)

var codexScopes = []string{"openid", "profile", "email", "offline_access"}

type codexTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// OpenAICodexProvider implements the openai-codex vendor method.
type OpenAICodexProvider struct {
	auth       config.AuthConfig
	store      secretstore.Store
	persist    func(ctx context.Context, auth config.AuthConfig) error
	mode       func() bool
	httpClient *http.Client
	openURL    func(context.Context, string) error
	retry      RetryPolicy
	observer   *StatusObserver
}

// NewOpenAICodexProvider constructs the Codex vendor provider.
func NewOpenAICodexProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, httpClient *http.Client, openURL func(context.Context, string) error) *OpenAICodexProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if openURL == nil {
		openURL = browser.OpenURL
	}
	return &OpenAICodexProvider{auth: auth, store: store, persist: persist, mode: modeFn, httpClient: httpClient, openURL: openURL, retry: DefaultOAuthRetryPolicy(), observer: NewStatusObserver()}
}

func (p *OpenAICodexProvider) Definition() Definition {
	return Definition{ID: string(config.MethodOpenAICodex), DisplayName: "OpenAI Codex", Description: "ChatGPT/Codex OAuth"}
}

func (p *OpenAICodexProvider) GetExpiryBuffer() time.Duration { return 5 * time.Minute }

func (p *OpenAICodexProvider) Subscribe(h func(StatusEvent)) Disposable {
	return p.observer.Subscribe(h)
}

func (p *OpenAICodexProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *OpenAICodexProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: ErrorTypeUnknown})
		return nil, err
	}
	if record == nil {
		p.observer.Emit(StatusEvent{Status: StatusExpired})
		return nil, nil
	}
	if secretstore.IsOAuth2TokenExpired(record, p.GetExpiryBuffer()) {
		if record.RefreshToken == "" {
			p.observer.Emit(StatusEvent{Status: StatusExpired})
			return nil, nil
		}
		ok, refreshErr := p.Refresh(ctx)
		if refreshErr != nil || !ok {
			return nil, refreshErr
		}
		record, err = ResolveToken(ctx, p.auth, p.store)
		if err != nil {
			return nil, err
		}
	}
	return &config.AuthCredential{Value: record.AccessToken, TokenType: record.TokenType, ExpiresAt: ExpiresAtMillis(record)}, nil
}

func (p *OpenAICodexProvider) Configure(ctx context.Context) ConfigureResult {
	state, err := oauthutil.GenerateState()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	pkce, err := oauthutil.GeneratePKCECodes()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}

	listener, err := callback.Listen("127.0.0.1:1455", "/auth/callback", state)
	if err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: codex callback listener: %w", err)}
	}
	defer func() { _ = listener.Close() }()

	q := url.Values{
		"response_type":              {"code"},
		"client_id":                  {codexClientID},
		"redirect_uri":               {codexRedirectURI},
		"scope":                      {strings.Join(codexScopes, " ")},
		"code_challenge":             {pkce.CodeChallenge},
		"code_challenge_method":      {"S256"},
		"state":                      {state},
		"id_token_add_organizations": {"true"},
	}
	authURL := fmt.Sprintf("%s?%s", codexAuthorizationURL, q.Encode())
	if err = p.openURL(ctx, authURL); err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: open authorization url: %w", err)}
	}

	result, err := listener.Await(ctx)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	if result.Canceled {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: authorization canceled")}
	}
	if result.Error != "" {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: authorization error: %s: %s", result.Error, result.ErrorDescription)}
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {result.Code},
		"redirect_uri":  {codexRedirectURI},
		"client_id":     {codexClientID},
		"code_verifier": {pkce.CodeVerifier},
	}
	token, err := p.postForm(ctx, codexTokenURL, form)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *OpenAICodexProvider) finishConfigure(ctx context.Context, token codexTokenResponse) ConfigureResult {
	record := secretstore.OAuth2TokenRecord{AccessToken: token.AccessToken, TokenType: token.TokenType, RefreshToken: token.RefreshToken}
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		record.ExpiresAt = &t
	}
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodOpenAICodex
	if token.IDToken != "" {
		if claims, claimErr := jwtutil.ParseUnverified(token.IDToken); claimErr == nil {
			next.Email = claims.Email
			next.AccountID = claims.AccountID()
		}
	}
	if p.persist != nil {
		if err = p.persist(ctx, next); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return ConfigureResult{Success: true, Config: &next}
}

func (p *OpenAICodexProvider) Refresh(ctx context.Context) (bool, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		return false, err
	}
	if record == nil || record.RefreshToken == "" {
		return false, nil
	}
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {record.RefreshToken}, "client_id": {codexClientID}, "scope": {strings.Join(codexScopes, " ")}}
	token, err := p.postForm(ctx, codexTokenURL, form)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return false, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = record.RefreshToken
	}
	if res := p.finishConfigure(ctx, token); !res.Success {
		return false, res.Err
	}
	return true, nil
}

func (p *OpenAICodexProvider) Revoke(ctx context.Context) error {
	if p.auth.Token != "" && secretstore.LooksLikeSecretRef(p.auth.Token) {
		_ = p.store.DeleteOAuth2Token(ctx, p.auth.Token)
	}
	p.auth.Token = ""
	p.auth.Email = ""
	p.auth.AccountID = ""
	if p.persist != nil {
		if err := p.persist(ctx, p.auth); err != nil {
			return err
		}
	}
	p.observer.Emit(StatusEvent{Status: StatusRevoked})
	return nil
}

func (p *OpenAICodexProvider) postForm(ctx context.Context, tokenURL string, form url.Values) (codexTokenResponse, error) {
	var token codexTokenResponse
	err := p.retry.Run(ctx, func(attemptCtx context.Context, _ int) (bool, error) {
		req, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return true, fmt.Errorf("authmethod: codex token request: %w", doErr)
		}
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return true, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return false, json.Unmarshal(body, &token)
		}
		var errBody oauthErrorBody
		_ = json.Unmarshal(body, &errBody)
		classified := ClassifyError(resp.StatusCode, errBody.Error)
		tokenErr := &tokenRequestError{statusCode: resp.StatusCode, oauthError: errBody.Error, description: errBody.ErrorDescription, errorType: classified}
		return classified == ErrorTypeTransient, tokenErr
	})
	return token, err
}
