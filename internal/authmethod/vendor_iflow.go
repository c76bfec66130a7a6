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

// iFlow's OAuth client and endpoints. The provider follows the same
// authorization-code contract as the other browser-based vendors: open the
// authorization URL, await the loopback callback, exchange the code.
const (
	iflowAuthorizationURL = "https://iflow.cn/oauth/authorize"
	iflowTokenURL         = "https://iflow.cn/oauth/token"
	iflowClientID         = "10009311001"
)

var iflowScopes = []string{"openid", "profile", "model.completion"}

type iflowTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// IFlowProvider implements the iflow-cli vendor method.
type IFlowProvider struct {
	auth       config.AuthConfig
	store      secretstore.Store
	persist    func(ctx context.Context, auth config.AuthConfig) error
	mode       func() bool
	httpClient *http.Client
	openURL    func(context.Context, string) error
	retry      RetryPolicy
	observer   *StatusObserver
}

// NewIFlowProvider constructs the iFlow vendor provider.
func NewIFlowProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, httpClient *http.Client, openURL func(context.Context, string) error) *IFlowProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if openURL == nil {
		openURL = browser.OpenURL
	}
	return &IFlowProvider{auth: auth, store: store, persist: persist, mode: modeFn, httpClient: httpClient, openURL: openURL, retry: DefaultOAuthRetryPolicy(), observer: NewStatusObserver()}
}

func (p *IFlowProvider) Definition() Definition {
	return Definition{ID: string(config.MethodIFlowCLI), DisplayName: "iFlow CLI", Description: "iFlow CLI OAuth"}
}

// GetExpiryBuffer is iFlow's 24-hour pre-refresh lead time.
func (p *IFlowProvider) GetExpiryBuffer() time.Duration { return 24 * time.Hour }

func (p *IFlowProvider) Subscribe(h func(StatusEvent)) Disposable { return p.observer.Subscribe(h) }

func (p *IFlowProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *IFlowProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
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

func (p *IFlowProvider) Configure(ctx context.Context) ConfigureResult {
	state, err := oauthutil.GenerateState()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	pkce, err := oauthutil.GeneratePKCECodes()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}

	listener, err := callback.Listen("127.0.0.1:0", "/callback", state)
	if err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: iflow callback listener: %w", err)}
	}
	defer func() { _ = listener.Close() }()

	q := url.Values{
		"client_id": {iflowClientID}, "response_type": {"code"}, "redirect_uri": {listener.RedirectURI},
		"scope": {strings.Join(iflowScopes, " ")}, "code_challenge": {pkce.CodeChallenge},
		"code_challenge_method": {"S256"}, "state": {state},
	}
	authURL := fmt.Sprintf("%s?%s", iflowAuthorizationURL, q.Encode())
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
		"code": {result.Code}, "client_id": {iflowClientID}, "redirect_uri": {listener.RedirectURI},
		"grant_type": {"authorization_code"}, "code_verifier": {pkce.CodeVerifier},
	}
	token, err := p.postForm(ctx, iflowTokenURL, form)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *IFlowProvider) finishConfigure(ctx context.Context, token iflowTokenResponse) ConfigureResult {
	record := secretstore.OAuth2TokenRecord{AccessToken: token.AccessToken, TokenType: token.TokenType, RefreshToken: token.RefreshToken}
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		record.ExpiresAt = &t
	}
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodIFlowCLI
	if p.persist != nil {
		if err = p.persist(ctx, next); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return ConfigureResult{Success: true, Config: &next}
}

func (p *IFlowProvider) Refresh(ctx context.Context) (bool, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		return false, err
	}
	if record == nil || record.RefreshToken == "" {
		return false, nil
	}
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {record.RefreshToken}, "client_id": {iflowClientID}}
	token, err := p.postForm(ctx, iflowTokenURL, form)
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

func (p *IFlowProvider) Revoke(ctx context.Context) error {
	if p.auth.Token != "" && secretstore.LooksLikeSecretRef(p.auth.Token) {
		_ = p.store.DeleteOAuth2Token(ctx, p.auth.Token)
	}
	p.auth.Token = ""
	if p.persist != nil {
		if err := p.persist(ctx, p.auth); err != nil {
			return err
		}
	}
	p.observer.Emit(StatusEvent{Status: StatusRevoked})
	return nil
}

func (p *IFlowProvider) postForm(ctx context.Context, tokenURL string, form url.Values) (iflowTokenResponse, error) {
	var token iflowTokenResponse
	err := p.retry.Run(ctx, func(attemptCtx context.Context, _ int) (bool, error) {
		req, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return true, fmt.Errorf("authmethod: iflow token request: %w", doErr)
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
