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
	"github.com/unifychat/gateway/internal/oauthutil"
	"github.com/unifychat/gateway/internal/secretstore"
)

// Claude Code's documented OAuth client and redirect.
const (
	claudeCodeAuthorizationURL = "https://claude.ai/oauth/authorize"
	claudeCodeTokenURL         = "https://console.anthropic.com/v1/oauth/token"
	claudeCodeClientID         = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeCodeRedirectURI      = "http://localhost:54545/callback"
)

var claudeCodeScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

type claudeCodeTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Organization struct {
		UUID string `json:"uuid"`
	} `json:"organization"`
	Account struct {
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

// ClaudeCodeProvider implements the claude-code vendor method. The
// redirect URI is fixed (unlike the generic provider's ephemeral port), so
// the callback listener binds that exact port.
type ClaudeCodeProvider struct {
	auth       config.AuthConfig
	store      secretstore.Store
	persist    func(ctx context.Context, auth config.AuthConfig) error
	mode       func() bool
	httpClient *http.Client
	openURL    func(context.Context, string) error
	retry      RetryPolicy
	observer   *StatusObserver
}

// NewClaudeCodeProvider constructs the Claude Code vendor provider.
func NewClaudeCodeProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, httpClient *http.Client, openURL func(context.Context, string) error) *ClaudeCodeProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if openURL == nil {
		openURL = browser.OpenURL
	}
	return &ClaudeCodeProvider{auth: auth, store: store, persist: persist, mode: modeFn, httpClient: httpClient, openURL: openURL, retry: DefaultOAuthRetryPolicy(), observer: NewStatusObserver()}
}

func (p *ClaudeCodeProvider) Definition() Definition {
	return Definition{ID: string(config.MethodClaudeCode), DisplayName: "Claude Code", Description: "Anthropic Claude Code OAuth"}
}

// GetExpiryBuffer is Claude Code's 4-hour pre-refresh lead time.
func (p *ClaudeCodeProvider) GetExpiryBuffer() time.Duration { return 4 * time.Hour }

func (p *ClaudeCodeProvider) Subscribe(h func(StatusEvent)) Disposable {
	return p.observer.Subscribe(h)
}

func (p *ClaudeCodeProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *ClaudeCodeProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
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

func (p *ClaudeCodeProvider) Configure(ctx context.Context) ConfigureResult {
	state, err := oauthutil.GenerateState()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	pkce, err := oauthutil.GeneratePKCECodes()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}

	listener, err := callback.Listen("127.0.0.1:54545", "/callback", state)
	if err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: claude-code callback listener: %w", err)}
	}
	defer func() { _ = listener.Close() }()

	q := url.Values{
		"code":                  {"true"},
		"client_id":             {claudeCodeClientID},
		"response_type":         {"code"},
		"redirect_uri":          {claudeCodeRedirectURI},
		"scope":                 {strings.Join(claudeCodeScopes, " ")},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	authURL := fmt.Sprintf("%s?%s", claudeCodeAuthorizationURL, q.Encode())
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

	// Claude's redirect sometimes folds state into "code#state".
	code, stateFromCode := result.Code, result.State
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		stateFromCode = code[idx+1:]
		code = code[:idx]
	}

	token, err := p.postJSON(ctx, claudeCodeTokenURL, map[string]any{
		"code": code, "state": stateFromCode, "grant_type": "authorization_code",
		"client_id": claudeCodeClientID, "redirect_uri": claudeCodeRedirectURI, "code_verifier": pkce.CodeVerifier,
	})
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *ClaudeCodeProvider) finishConfigure(ctx context.Context, token claudeCodeTokenResponse) ConfigureResult {
	record := secretstore.OAuth2TokenRecord{AccessToken: token.AccessToken, TokenType: token.TokenType, RefreshToken: token.RefreshToken}
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		record.ExpiresAt = &t
	}
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodClaudeCode
	next.Email = token.Account.EmailAddress
	next.AccountID = token.Organization.UUID
	if p.persist != nil {
		if err = p.persist(ctx, next); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return ConfigureResult{Success: true, Config: &next}
}

func (p *ClaudeCodeProvider) Refresh(ctx context.Context) (bool, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		return false, err
	}
	if record == nil || record.RefreshToken == "" {
		return false, nil
	}
	token, err := p.postJSON(ctx, claudeCodeTokenURL, map[string]any{
		"client_id": claudeCodeClientID, "grant_type": "refresh_token", "refresh_token": record.RefreshToken,
	})
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return false, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = record.RefreshToken
	}
	if token.Account.EmailAddress == "" {
		token.Account.EmailAddress = p.auth.Email
	}
	if res := p.finishConfigure(ctx, token); !res.Success {
		return false, res.Err
	}
	return true, nil
}

func (p *ClaudeCodeProvider) Revoke(ctx context.Context) error {
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

func (p *ClaudeCodeProvider) postJSON(ctx context.Context, tokenURL string, body map[string]any) (claudeCodeTokenResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return claudeCodeTokenResponse{}, err
	}
	var token claudeCodeTokenResponse
	runErr := p.retry.Run(ctx, func(attemptCtx context.Context, _ int) (bool, error) {
		req, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, tokenURL, strings.NewReader(string(raw)))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return true, fmt.Errorf("authmethod: claude-code token request: %w", doErr)
		}
		defer resp.Body.Close()
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return true, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return false, json.Unmarshal(respBody, &token)
		}
		var errBody oauthErrorBody
		_ = json.Unmarshal(respBody, &errBody)
		classified := ClassifyError(resp.StatusCode, errBody.Error)
		tokenErr := &tokenRequestError{statusCode: resp.StatusCode, oauthError: errBody.Error, description: errBody.ErrorDescription, errorType: classified}
		return classified == ErrorTypeTransient, tokenErr
	})
	return token, runErr
}
