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
	"github.com/unifychat/gateway/internal/secretstore"
)

// GitHub's device-authorization endpoints for the Copilot OAuth app,
// structurally identical to the Qwen Code device flow (no PKCE, GitHub's
// device grant predates RFC 8628's optional verifier extension).
const (
	githubDeviceAuthorizationURL = "https://github.com/login/device/code"
	githubTokenURL               = "https://github.com/login/oauth/access_token"
	githubCopilotClientID        = "Iv1.b507a08c87ecfe98"
)

var githubCopilotScopes = []string{"read:user"}

type githubDeviceResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type githubTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	Error       string `json:"error"`
}

// GitHubCopilotProvider implements the github-copilot vendor method: a
// long-lived personal OAuth token with no expiry and no refresh operation,
// obtained via GitHub's device flow.
type GitHubCopilotProvider struct {
	auth         config.AuthConfig
	store        secretstore.Store
	persist      func(ctx context.Context, auth config.AuthConfig) error
	mode         func() bool
	httpClient   *http.Client
	devicePrompt DeviceCodePrompt
	observer     *StatusObserver
}

// NewGitHubCopilotProvider constructs the GitHub Copilot vendor provider.
func NewGitHubCopilotProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, httpClient *http.Client, devicePrompt DeviceCodePrompt) *GitHubCopilotProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GitHubCopilotProvider{auth: auth, store: store, persist: persist, mode: modeFn, httpClient: httpClient, devicePrompt: devicePrompt, observer: NewStatusObserver()}
}

func (p *GitHubCopilotProvider) Definition() Definition {
	return Definition{ID: string(config.MethodGitHubCopilot), DisplayName: "GitHub Copilot", Description: "GitHub Copilot device-code OAuth"}
}

// GetExpiryBuffer is zero: GitHub's OAuth access tokens for this app are
// long-lived and carry no expires_in.
func (p *GitHubCopilotProvider) GetExpiryBuffer() time.Duration { return 0 }

func (p *GitHubCopilotProvider) Subscribe(h func(StatusEvent)) Disposable {
	return p.observer.Subscribe(h)
}

func (p *GitHubCopilotProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *GitHubCopilotProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: ErrorTypeUnknown})
		return nil, err
	}
	if record == nil {
		p.observer.Emit(StatusEvent{Status: StatusExpired})
		return nil, nil
	}
	return &config.AuthCredential{Value: record.AccessToken, TokenType: record.TokenType, ExpiresAt: ExpiresAtMillis(record)}, nil
}

func (p *GitHubCopilotProvider) Configure(ctx context.Context) ConfigureResult {
	form := url.Values{"client_id": {githubCopilotClientID}, "scope": {strings.Join(githubCopilotScopes, " ")}}
	dc, err := p.startDeviceFlow(ctx, form)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	if p.devicePrompt != nil {
		p.devicePrompt(ctx, dc.UserCode, dc.VerificationURI, "")
	}
	token, err := p.pollToken(ctx, dc)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}

	record := secretstore.OAuth2TokenRecord{AccessToken: token.AccessToken, TokenType: token.TokenType, Scope: token.Scope}
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodGitHubCopilot
	if p.persist != nil {
		if err = p.persist(ctx, next); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return ConfigureResult{Success: true, Config: &next}
}

// Refresh is not supported: GitHub's device-flow tokens for this app do
// not expire and carry no refresh_token.
func (p *GitHubCopilotProvider) Refresh(ctx context.Context) (bool, error) {
	return false, ErrRefreshNotSupported
}

func (p *GitHubCopilotProvider) Revoke(ctx context.Context) error {
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

func (p *GitHubCopilotProvider) startDeviceFlow(ctx context.Context, form url.Values) (githubDeviceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, githubDeviceAuthorizationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return githubDeviceResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return githubDeviceResponse{}, fmt.Errorf("authmethod: github device authorization request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return githubDeviceResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return githubDeviceResponse{}, fmt.Errorf("authmethod: github device authorization failed: http %d: %s", resp.StatusCode, string(body))
	}
	var dc githubDeviceResponse
	if err = json.Unmarshal(body, &dc); err != nil {
		return githubDeviceResponse{}, err
	}
	return dc, nil
}

func (p *GitHubCopilotProvider) pollToken(ctx context.Context, dc githubDeviceResponse) (githubTokenResponse, error) {
	interval := dc.Interval
	if interval <= 0 {
		interval = 5
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	for {
		if time.Now().After(deadline) {
			return githubTokenResponse{}, fmt.Errorf("authmethod: github device code expired")
		}
		select {
		case <-ctx.Done():
			return githubTokenResponse{}, ctx.Err()
		case <-time.After(time.Duration(interval) * time.Second):
		}

		form := url.Values{
			"client_id":   {githubCopilotClientID},
			"device_code": {dc.DeviceCode},
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, githubTokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return githubTokenResponse{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		resp, err := p.httpClient.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		var token githubTokenResponse
		if err = json.Unmarshal(body, &token); err != nil {
			return githubTokenResponse{}, err
		}
		switch token.Error {
		case "":
			if token.AccessToken != "" {
				return token, nil
			}
		case "slow_down":
			interval += 5
		case "authorization_pending":
		case "expired_token", "access_denied":
			return githubTokenResponse{}, fmt.Errorf("authmethod: github device code flow aborted: %s", token.Error)
		default:
			return githubTokenResponse{}, fmt.Errorf("authmethod: github device code poll failed: %s", token.Error)
		}
	}
}
