package authmethod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unifychat/gateway/internal/browser"
	"github.com/unifychat/gateway/internal/callback"
	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/logging"
	"github.com/unifychat/gateway/internal/oauthutil"
	"github.com/unifychat/gateway/internal/secretstore"
)

// oauthTokenResponse is the RFC 6749 token-endpoint success body.
type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// oauthErrorBody is the RFC 6749 error body.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// deviceCodeResponse is the RFC 8628 device-authorization response.
type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// DeviceCodePrompt is invoked once a device code has been obtained, so the
// host can show the user code (and optionally offer "Open URL").
type DeviceCodePrompt func(ctx context.Context, userCode, verificationURI, verificationURIComplete string)

// OAuth2Provider implements the generic OAuth2 method over all three
// grant types.
type OAuth2Provider struct {
	providerName string
	auth         config.AuthConfig
	store        secretstore.Store
	persist      func(ctx context.Context, auth config.AuthConfig) error
	mode         func() bool
	httpClient   *http.Client
	openURL      func(context.Context, string) error
	devicePrompt DeviceCodePrompt
	retry        RetryPolicy

	observer *StatusObserver
}

// NewOAuth2Provider constructs the generic OAuth2 provider. httpClient may
// be nil (http.DefaultClient is used); openURL defaults to
// github.com/skratchdot/open-golang via internal/browser when nil.
func NewOAuth2Provider(
	providerName string,
	auth config.AuthConfig,
	store secretstore.Store,
	persist func(context.Context, config.AuthConfig) error,
	modeFn func() bool,
	httpClient *http.Client,
	openURL func(context.Context, string) error,
	devicePrompt DeviceCodePrompt,
) *OAuth2Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if openURL == nil {
		openURL = browser.OpenURL
	}
	return &OAuth2Provider{
		providerName: providerName,
		auth:         auth,
		store:        store,
		persist:      persist,
		mode:         modeFn,
		httpClient:   httpClient,
		openURL:      openURL,
		devicePrompt: devicePrompt,
		retry:        DefaultOAuthRetryPolicy(),
		observer:     NewStatusObserver(),
	}
}

func (p *OAuth2Provider) Definition() Definition {
	return Definition{ID: string(config.MethodOAuth2), DisplayName: "OAuth2", Description: "Generic OAuth2 provider"}
}

// GetExpiryBuffer is the 5-minute default most OAuth tokens use.
func (p *OAuth2Provider) GetExpiryBuffer() time.Duration { return 5 * time.Minute }

func (p *OAuth2Provider) Subscribe(h func(StatusEvent)) Disposable { return p.observer.Subscribe(h) }

func (p *OAuth2Provider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

// GetCredential returns the current token if it is not within its expiry
// buffer, refreshing first if it is and refreshable.
func (p *OAuth2Provider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
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
	return &config.AuthCredential{
		Value:     record.AccessToken,
		TokenType: record.TokenType,
		ExpiresAt: ExpiresAtMillis(record),
	}, nil
}

// Configure dispatches on OAuth.GrantType.
func (p *OAuth2Provider) Configure(ctx context.Context) ConfigureResult {
	if p.auth.OAuth == nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: oauth2 provider %s has no oauth config", p.providerName)}
	}
	switch p.auth.OAuth.GrantType {
	case config.GrantAuthorizationCode:
		return p.configureAuthorizationCode(ctx)
	case config.GrantClientCredentials:
		return p.configureClientCredentials(ctx)
	case config.GrantDeviceCode:
		return p.configureDeviceCode(ctx)
	default:
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: unknown grant type %q", p.auth.OAuth.GrantType)}
	}
}

func (p *OAuth2Provider) configureAuthorizationCode(ctx context.Context) ConfigureResult {
	oc := p.auth.OAuth
	state, err := oauthutil.GenerateState()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	var pkce *oauthutil.PKCECodes
	if oc.PKCEEnabled() {
		pkce, err = oauthutil.GeneratePKCECodes()
		if err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}

	redirectURI := oc.RedirectURI
	var listener *callback.Listener
	if redirectURI == "" {
		listener, err = callback.Listen("127.0.0.1:0", "/callback", state)
		if err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
		defer func() { _ = listener.Close() }()
		redirectURI = listener.RedirectURI
	}

	authURL, err := buildAuthorizationURL(oc, redirectURI, state, pkce)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	if err = p.openURL(ctx, authURL); err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: open authorization url: %w", err)}
	}
	if listener == nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: provider-fixed redirect requires an externally wired callback listener")}
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

	var verifier string
	if pkce != nil {
		verifier = pkce.CodeVerifier
	}
	token, err := p.exchangeCode(ctx, oc, result.Code, redirectURI, verifier)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *OAuth2Provider) configureClientCredentials(ctx context.Context) ConfigureResult {
	oc := p.auth.OAuth
	token, err := p.requestClientCredentialsToken(ctx, oc)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *OAuth2Provider) configureDeviceCode(ctx context.Context) ConfigureResult {
	oc := p.auth.OAuth
	dc, err := p.startDeviceCode(ctx, oc)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	if p.devicePrompt != nil {
		p.devicePrompt(ctx, dc.UserCode, dc.VerificationURI, dc.VerificationURIComplete)
	}
	token, err := p.pollDeviceCode(ctx, oc, dc)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}
	return p.finishConfigure(ctx, token)
}

func (p *OAuth2Provider) finishConfigure(ctx context.Context, token oauthTokenResponse) ConfigureResult {
	record := tokenResponseToRecord(token)
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodOAuth2
	if p.persist != nil {
		if err = p.persist(ctx, next); err != nil {
			return ConfigureResult{Success: false, Err: err}
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return ConfigureResult{Success: true, Config: &next}
}

// Refresh re-acquires a token per grant type: client_credentials re-runs
// the token request; authorization_code posts grant_type=refresh_token,
// preserving the prior refresh token when the server omits it.
func (p *OAuth2Provider) Refresh(ctx context.Context) (bool, error) {
	oc := p.auth.OAuth
	if oc == nil {
		return false, ErrRefreshNotSupported
	}
	switch oc.GrantType {
	case config.GrantClientCredentials:
		token, err := p.requestClientCredentialsToken(ctx, oc)
		if err != nil {
			p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
			return false, err
		}
		return p.applyRefreshedToken(ctx, token)
	case config.GrantAuthorizationCode:
		record, err := ResolveToken(ctx, p.auth, p.store)
		if err != nil {
			return false, err
		}
		if record == nil || record.RefreshToken == "" {
			return false, nil
		}
		token, err := p.refreshAuthorizationCode(ctx, oc, record.RefreshToken)
		if err != nil {
			p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
			return false, err
		}
		if token.RefreshToken == "" {
			token.RefreshToken = record.RefreshToken
		}
		return p.applyRefreshedToken(ctx, token)
	default:
		return false, ErrRefreshNotSupported
	}
}

func (p *OAuth2Provider) applyRefreshedToken(ctx context.Context, token oauthTokenResponse) (bool, error) {
	record := tokenResponseToRecord(token)
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return false, err
	}
	if p.persist != nil {
		if err = p.persist(ctx, next); err != nil {
			return false, err
		}
	}
	p.auth = next
	p.observer.Emit(StatusEvent{Status: StatusValid})
	return true, nil
}

// Revoke issues a best-effort revocation POST for both token kinds, then
// clears local state.
func (p *OAuth2Provider) Revoke(ctx context.Context) error {
	if p.auth.OAuth != nil && p.auth.OAuth.RevocationURL != "" {
		if record, err := ResolveToken(ctx, p.auth, p.store); err == nil && record != nil {
			p.bestEffortRevoke(ctx, record.AccessToken, "access_token")
			if record.RefreshToken != "" {
				p.bestEffortRevoke(ctx, record.RefreshToken, "refresh_token")
			}
		}
	}
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

func (p *OAuth2Provider) bestEffortRevoke(ctx context.Context, token, hint string) {
	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.auth.OAuth.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		logging.For(p.providerName, "oauth2").WithError(err).Debug("best-effort revoke failed")
		return
	}
	_ = resp.Body.Close()
}

func buildAuthorizationURL(oc *config.OAuth2Config, redirectURI, state string, pkce *oauthutil.PKCECodes) (string, error) {
	u, err := url.Parse(oc.AuthorizationURL)
	if err != nil {
		return "", fmt.Errorf("authmethod: parse authorization url: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", oc.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	if len(oc.Scopes) > 0 {
		q.Set("scope", strings.Join(oc.Scopes, " "))
	}
	if pkce != nil {
		q.Set("code_challenge", pkce.CodeChallenge)
		q.Set("code_challenge_method", "S256")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *OAuth2Provider) exchangeCode(ctx context.Context, oc *config.OAuth2Config, code, redirectURI, verifier string) (oauthTokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {oc.ClientID},
	}
	if oc.ClientSecret != "" {
		form.Set("client_secret", oc.ClientSecret)
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	return p.postForm(ctx, oc.TokenURL, form)
}

func (p *OAuth2Provider) refreshAuthorizationCode(ctx context.Context, oc *config.OAuth2Config, refreshToken string) (oauthTokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {oc.ClientID},
	}
	if oc.ClientSecret != "" {
		form.Set("client_secret", oc.ClientSecret)
	}
	return p.postForm(ctx, oc.TokenURL, form)
}

func (p *OAuth2Provider) requestClientCredentialsToken(ctx context.Context, oc *config.OAuth2Config) (oauthTokenResponse, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {oc.ClientID},
		"client_secret": {oc.ClientSecret},
	}
	if len(oc.Scopes) > 0 {
		form.Set("scope", strings.Join(oc.Scopes, " "))
	}
	return p.postForm(ctx, oc.TokenURL, form)
}

// postForm executes a token request under the shared retry policy,
// classifying errors for retryability.
func (p *OAuth2Provider) postForm(ctx context.Context, tokenURL string, form url.Values) (oauthTokenResponse, error) {
	var token oauthTokenResponse
	err := p.retry.Run(ctx, func(attemptCtx context.Context, _ int) (bool, error) {
		req, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return true, fmt.Errorf("authmethod: token request: %w", doErr)
		}
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return true, fmt.Errorf("authmethod: read token response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if jsonErr := json.Unmarshal(body, &token); jsonErr != nil {
				return false, fmt.Errorf("authmethod: parse token response: %w", jsonErr)
			}
			return false, nil
		}
		var errBody oauthErrorBody
		_ = json.Unmarshal(body, &errBody)
		classified := ClassifyError(resp.StatusCode, errBody.Error)
		tokenErr := &tokenRequestError{statusCode: resp.StatusCode, oauthError: errBody.Error, description: errBody.ErrorDescription, errorType: classified}
		return classified == ErrorTypeTransient, tokenErr
	})
	return token, err
}

func tokenResponseToRecord(token oauthTokenResponse) secretstore.OAuth2TokenRecord {
	record := secretstore.OAuth2TokenRecord{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		record.ExpiresAt = &t
	}
	return record
}

// tokenRequestError carries the classified error type alongside the
// underlying OAuth error code, so callers (and tests) can branch on it
// without re-parsing the message.
type tokenRequestError struct {
	statusCode  int
	oauthError  string
	description string
	errorType   ErrorType
}

func (e *tokenRequestError) Error() string {
	return fmt.Sprintf("authmethod: token request failed (http %d): %s: %s", e.statusCode, e.oauthError, e.description)
}

func classifyTokenErr(err error) ErrorType {
	var tokenErr *tokenRequestError
	if errors.As(err, &tokenErr) {
		return tokenErr.errorType
	}
	return ErrorTypeUnknown
}

// --- device code flow ---

func (p *OAuth2Provider) startDeviceCode(ctx context.Context, oc *config.OAuth2Config) (deviceCodeResponse, error) {
	form := url.Values{"client_id": {oc.ClientID}}
	if len(oc.Scopes) > 0 {
		form.Set("scope", strings.Join(oc.Scopes, " "))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.DeviceAuthorizationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return deviceCodeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return deviceCodeResponse{}, fmt.Errorf("authmethod: device authorization request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return deviceCodeResponse{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return deviceCodeResponse{}, fmt.Errorf("authmethod: device authorization failed: http %d: %s", resp.StatusCode, string(body))
	}
	var dc deviceCodeResponse
	if err = json.Unmarshal(body, &dc); err != nil {
		return deviceCodeResponse{}, fmt.Errorf("authmethod: parse device authorization response: %w", err)
	}
	return dc, nil
}

// pollDeviceCode polls the token endpoint at the server-declared interval,
// widening it on slow_down and aborting on expired_token/access_denied.
func (p *OAuth2Provider) pollDeviceCode(ctx context.Context, oc *config.OAuth2Config, dc deviceCodeResponse) (oauthTokenResponse, error) {
	interval := dc.Interval
	if interval <= 0 {
		interval = 5
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	for {
		if time.Now().After(deadline) {
			return oauthTokenResponse{}, fmt.Errorf("authmethod: device code expired")
		}
		select {
		case <-ctx.Done():
			return oauthTokenResponse{}, ctx.Err()
		case <-time.After(time.Duration(interval) * time.Second):
		}

		form := url.Values{
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
			"device_code": {dc.DeviceCode},
			"client_id":   {oc.ClientID},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, oc.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return oauthTokenResponse{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := p.httpClient.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var token oauthTokenResponse
			if err = json.Unmarshal(body, &token); err != nil {
				return oauthTokenResponse{}, err
			}
			return token, nil
		}
		var errBody oauthErrorBody
		_ = json.Unmarshal(body, &errBody)
		switch errBody.Error {
		case "slow_down":
			interval += 5
		case "authorization_pending":
			// keep polling at the current interval
		case "expired_token", "access_denied":
			return oauthTokenResponse{}, fmt.Errorf("authmethod: device code flow aborted: %s", errBody.Error)
		default:
			return oauthTokenResponse{}, fmt.Errorf("authmethod: device code poll failed: %s: %s", errBody.Error, errBody.ErrorDescription)
		}
	}
}
