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

// Gemini CLI's published Google Cloud OAuth desktop client.
const (
	geminiCLIAuthorizationURL = "https://accounts.google.com/o/oauth2/v2/auth"
	geminiCLITokenURL         = "https://oauth2.googleapis.com/token"
	geminiCLIClientID         = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiCLIClientSecret     = "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"
)

var geminiCLIScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

type geminiCLITokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type geminiCLIUserInfo struct {
	Email string `json:"email"`
}

// GoogleGeminiOAuthProvider implements the google-gemini-oauth vendor
// method: authorization_code against Google's OAuth endpoint, followed by
// a userinfo query to populate Email.
type GoogleGeminiOAuthProvider struct {
	auth       config.AuthConfig
	store      secretstore.Store
	persist    func(ctx context.Context, auth config.AuthConfig) error
	mode       func() bool
	httpClient *http.Client
	openURL    func(context.Context, string) error
	retry      RetryPolicy
	observer   *StatusObserver
}

// NewGoogleGeminiOAuthProvider constructs the Gemini CLI vendor provider.
func NewGoogleGeminiOAuthProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, httpClient *http.Client, openURL func(context.Context, string) error) *GoogleGeminiOAuthProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if openURL == nil {
		openURL = browser.OpenURL
	}
	return &GoogleGeminiOAuthProvider{auth: auth, store: store, persist: persist, mode: modeFn, httpClient: httpClient, openURL: openURL, retry: DefaultOAuthRetryPolicy(), observer: NewStatusObserver()}
}

func (p *GoogleGeminiOAuthProvider) Definition() Definition {
	return Definition{ID: string(config.MethodGoogleGeminiOAuth), DisplayName: "Gemini CLI", Description: "Google Gemini CLI OAuth"}
}

func (p *GoogleGeminiOAuthProvider) GetExpiryBuffer() time.Duration { return 5 * time.Minute }

func (p *GoogleGeminiOAuthProvider) Subscribe(h func(StatusEvent)) Disposable {
	return p.observer.Subscribe(h)
}

func (p *GoogleGeminiOAuthProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *GoogleGeminiOAuthProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
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

func (p *GoogleGeminiOAuthProvider) Configure(ctx context.Context) ConfigureResult {
	state, err := oauthutil.GenerateState()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}

	listener, err := callback.Listen("127.0.0.1:0", "/oauth2callback", state)
	if err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: gemini callback listener: %w", err)}
	}
	defer func() { _ = listener.Close() }()

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {geminiCLIClientID},
		"redirect_uri":  {listener.RedirectURI},
		"scope":         {strings.Join(geminiCLIScopes, " ")},
		"state":         {state},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}
	authURL := fmt.Sprintf("%s?%s", geminiCLIAuthorizationURL, q.Encode())
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
		"redirect_uri":  {listener.RedirectURI},
		"client_id":     {geminiCLIClientID},
		"client_secret": {geminiCLIClientSecret},
	}
	token, err := p.postForm(ctx, geminiCLITokenURL, form)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *GoogleGeminiOAuthProvider) finishConfigure(ctx context.Context, token geminiCLITokenResponse) ConfigureResult {
	record := secretstore.OAuth2TokenRecord{AccessToken: token.AccessToken, TokenType: token.TokenType, RefreshToken: token.RefreshToken}
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		record.ExpiresAt = &t
	}
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodGoogleGeminiOAuth
	if email := p.queryUserEmail(ctx, token.AccessToken); email != "" {
		next.Email = email
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

func (p *GoogleGeminiOAuthProvider) queryUserEmail(ctx context.Context, accessToken string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v1/userinfo?alt=json", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return ""
	}
	var info geminiCLIUserInfo
	if err = json.Unmarshal(body, &info); err != nil {
		return ""
	}
	return info.Email
}

func (p *GoogleGeminiOAuthProvider) Refresh(ctx context.Context) (bool, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		return false, err
	}
	if record == nil || record.RefreshToken == "" {
		return false, nil
	}
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {record.RefreshToken}, "client_id": {geminiCLIClientID}, "client_secret": {geminiCLIClientSecret}}
	token, err := p.postForm(ctx, geminiCLITokenURL, form)
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

func (p *GoogleGeminiOAuthProvider) Revoke(ctx context.Context) error {
	if p.auth.Token != "" && secretstore.LooksLikeSecretRef(p.auth.Token) {
		_ = p.store.DeleteOAuth2Token(ctx, p.auth.Token)
	}
	p.auth.Token = ""
	p.auth.Email = ""
	if p.persist != nil {
		if err := p.persist(ctx, p.auth); err != nil {
			return err
		}
	}
	p.observer.Emit(StatusEvent{Status: StatusRevoked})
	return nil
}

func (p *GoogleGeminiOAuthProvider) postForm(ctx context.Context, tokenURL string, form url.Values) (geminiCLITokenResponse, error) {
	var token geminiCLITokenResponse
	err := p.retry.Run(ctx, func(attemptCtx context.Context, _ int) (bool, error) {
		req, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return true, fmt.Errorf("authmethod: gemini token request: %w", doErr)
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
