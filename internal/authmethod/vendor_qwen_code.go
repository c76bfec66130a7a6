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

	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/oauthutil"
	"github.com/unifychat/gateway/internal/secretstore"
)

// Qwen Code's device-authorization endpoints.
const (
	qwenDeviceAuthorizationURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL               = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenClientID               = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenGrantType              = "urn:ietf:params:oauth:grant-type:device_code"
)

var qwenScopes = []string{"openid", "profile", "email", "model.completion"}

type qwenDeviceResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type qwenTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url"`
	ExpiresIn    int64  `json:"expires_in"`
}

// QwenCodeProvider implements the qwen-code vendor method: a device-code
// flow with PKCE.
type QwenCodeProvider struct {
	auth         config.AuthConfig
	store        secretstore.Store
	persist      func(ctx context.Context, auth config.AuthConfig) error
	mode         func() bool
	httpClient   *http.Client
	devicePrompt DeviceCodePrompt
	retry        RetryPolicy
	observer     *StatusObserver
}

// NewQwenCodeProvider constructs the Qwen Code vendor provider.
func NewQwenCodeProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, httpClient *http.Client, devicePrompt DeviceCodePrompt) *QwenCodeProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &QwenCodeProvider{auth: auth, store: store, persist: persist, mode: modeFn, httpClient: httpClient, devicePrompt: devicePrompt, retry: DefaultOAuthRetryPolicy(), observer: NewStatusObserver()}
}

func (p *QwenCodeProvider) Definition() Definition {
	return Definition{ID: string(config.MethodQwenCode), DisplayName: "Qwen Code", Description: "Alibaba Qwen Code device-code OAuth"}
}

func (p *QwenCodeProvider) GetExpiryBuffer() time.Duration { return 5 * time.Minute }

func (p *QwenCodeProvider) Subscribe(h func(StatusEvent)) Disposable { return p.observer.Subscribe(h) }

func (p *QwenCodeProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *QwenCodeProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
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

func (p *QwenCodeProvider) Configure(ctx context.Context) ConfigureResult {
	pkce, err := oauthutil.GeneratePKCECodes()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}

	form := url.Values{"client_id": {qwenClientID}, "scope": {strings.Join(qwenScopes, " ")}, "code_challenge": {pkce.CodeChallenge}, "code_challenge_method": {"S256"}}
	dc, err := p.startDeviceFlow(ctx, form)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	if p.devicePrompt != nil {
		p.devicePrompt(ctx, dc.UserCode, dc.VerificationURI, dc.VerificationURIComplete)
	}

	token, err := p.pollToken(ctx, dc, pkce.CodeVerifier)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *QwenCodeProvider) finishConfigure(ctx context.Context, token qwenTokenResponse) ConfigureResult {
	record := secretstore.OAuth2TokenRecord{AccessToken: token.AccessToken, TokenType: token.TokenType, RefreshToken: token.RefreshToken}
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		record.ExpiresAt = &t
	}
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodQwenCode
	if token.ResourceURL != "" {
		next.ResourceURL = token.ResourceURL
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

func (p *QwenCodeProvider) Refresh(ctx context.Context) (bool, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		return false, err
	}
	if record == nil || record.RefreshToken == "" {
		return false, nil
	}
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {record.RefreshToken}, "client_id": {qwenClientID}}
	token, err := p.postForm(ctx, qwenTokenURL, form)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return false, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = record.RefreshToken
	}
	if token.ResourceURL == "" {
		token.ResourceURL = p.auth.ResourceURL
	}
	if res := p.finishConfigure(ctx, token); !res.Success {
		return false, res.Err
	}
	return true, nil
}

func (p *QwenCodeProvider) Revoke(ctx context.Context) error {
	if p.auth.Token != "" && secretstore.LooksLikeSecretRef(p.auth.Token) {
		_ = p.store.DeleteOAuth2Token(ctx, p.auth.Token)
	}
	p.auth.Token = ""
	p.auth.ResourceURL = ""
	if p.persist != nil {
		if err := p.persist(ctx, p.auth); err != nil {
			return err
		}
	}
	p.observer.Emit(StatusEvent{Status: StatusRevoked})
	return nil
}

func (p *QwenCodeProvider) startDeviceFlow(ctx context.Context, form url.Values) (qwenDeviceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, qwenDeviceAuthorizationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return qwenDeviceResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return qwenDeviceResponse{}, fmt.Errorf("authmethod: qwen device authorization request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return qwenDeviceResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return qwenDeviceResponse{}, fmt.Errorf("authmethod: qwen device authorization failed: http %d: %s", resp.StatusCode, string(body))
	}
	var dc qwenDeviceResponse
	if err = json.Unmarshal(body, &dc); err != nil {
		return qwenDeviceResponse{}, err
	}
	return dc, nil
}

func (p *QwenCodeProvider) pollToken(ctx context.Context, dc qwenDeviceResponse, codeVerifier string) (qwenTokenResponse, error) {
	interval := dc.Interval
	if interval <= 0 {
		interval = 5
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	for {
		if time.Now().After(deadline) {
			return qwenTokenResponse{}, fmt.Errorf("authmethod: qwen device code expired")
		}
		select {
		case <-ctx.Done():
			return qwenTokenResponse{}, ctx.Err()
		case <-time.After(time.Duration(interval) * time.Second):
		}

		form := url.Values{
			"grant_type":    {qwenGrantType},
			"client_id":     {qwenClientID},
			"device_code":   {dc.DeviceCode},
			"code_verifier": {codeVerifier},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, qwenTokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return qwenTokenResponse{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := p.httpClient.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var token qwenTokenResponse
			if err = json.Unmarshal(body, &token); err != nil {
				return qwenTokenResponse{}, err
			}
			return token, nil
		}
		var errBody oauthErrorBody
		_ = json.Unmarshal(body, &errBody)
		switch errBody.Error {
		case "slow_down":
			interval += 5
		case "authorization_pending":
		case "expired_token", "access_denied":
			return qwenTokenResponse{}, fmt.Errorf("authmethod: qwen device code flow aborted: %s", errBody.Error)
		default:
			return qwenTokenResponse{}, fmt.Errorf("authmethod: qwen device code poll failed: %s: %s", errBody.Error, errBody.ErrorDescription)
		}
	}
}

func (p *QwenCodeProvider) postForm(ctx context.Context, tokenURL string, form url.Values) (qwenTokenResponse, error) {
	var token qwenTokenResponse
	err := p.retry.Run(ctx, func(attemptCtx context.Context, _ int) (bool, error) {
		req, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return true, fmt.Errorf("authmethod: qwen token request: %w", doErr)
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
