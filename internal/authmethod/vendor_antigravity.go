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

// Antigravity's OAuth client and the Code-Assist onboarding endpoints:
// Google's published desktop client over accounts.google.com, followed by
// the loadCodeAssist/onboardUser long-running-operation poll against the
// same Code-Assist backend internal/codeassist targets.
const (
	antigravityAuthorizationURL = "https://accounts.google.com/o/oauth2/v2/auth"
	antigravityTokenURL         = "https://oauth2.googleapis.com/token"
	antigravityClientID         = "681255809395-1tgrfic5i0dchjb3ipugb1rek85k6ahv.apps.googleusercontent.com"
	antigravityClientSecret     = "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"
	antigravityCodeAssistURL    = "https://cloudcode-pa.googleapis.com/v1internal"
	antigravityOnboardPollDelay = 5 * time.Second
	antigravityOnboardTimeout   = 2 * time.Minute
	antigravityDefaultProject   = "default-project"
)

var antigravityScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/cloud-platform",
}

type antigravityTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type antigravityUserInfo struct {
	Email string `json:"email"`
}

// AntigravityProvider implements the antigravity-oauth vendor method:
// authorization_code against Google's OAuth endpoint followed by the
// onboardUser LRO poll that makes the account usable against the
// Code-Assist backend.
type AntigravityProvider struct {
	auth       config.AuthConfig
	store      secretstore.Store
	persist    func(ctx context.Context, auth config.AuthConfig) error
	mode       func() bool
	httpClient *http.Client
	openURL    func(context.Context, string) error
	retry      RetryPolicy
	observer   *StatusObserver
}

// NewAntigravityProvider constructs the Antigravity vendor provider.
func NewAntigravityProvider(auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, httpClient *http.Client, openURL func(context.Context, string) error) *AntigravityProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if openURL == nil {
		openURL = browser.OpenURL
	}
	return &AntigravityProvider{auth: auth, store: store, persist: persist, mode: modeFn, httpClient: httpClient, openURL: openURL, retry: DefaultOAuthRetryPolicy(), observer: NewStatusObserver()}
}

func (p *AntigravityProvider) Definition() Definition {
	return Definition{ID: string(config.MethodAntigravityOAuth), DisplayName: "Google Antigravity", Description: "Google Antigravity Code-Assist OAuth"}
}

func (p *AntigravityProvider) GetExpiryBuffer() time.Duration { return 5 * time.Minute }

func (p *AntigravityProvider) Subscribe(h func(StatusEvent)) Disposable {
	return p.observer.Subscribe(h)
}

func (p *AntigravityProvider) IsValid(ctx context.Context) bool {
	cred, err := p.GetCredential(ctx)
	return err == nil && cred != nil
}

func (p *AntigravityProvider) GetCredential(ctx context.Context) (*config.AuthCredential, error) {
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

func (p *AntigravityProvider) Configure(ctx context.Context) ConfigureResult {
	state, err := oauthutil.GenerateState()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	pkce, err := oauthutil.GeneratePKCECodes()
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}

	listener, err := callback.Listen("127.0.0.1:0", "/oauth-callback", state)
	if err != nil {
		return ConfigureResult{Success: false, Err: fmt.Errorf("authmethod: antigravity callback listener: %w", err)}
	}
	defer func() { _ = listener.Close() }()

	q := url.Values{
		"client_id":             {antigravityClientID},
		"response_type":         {"code"},
		"redirect_uri":          {listener.RedirectURI},
		"scope":                 {strings.Join(antigravityScopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	authURL := fmt.Sprintf("%s?%s", antigravityAuthorizationURL, q.Encode())
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
		"code": {result.Code}, "client_id": {antigravityClientID}, "client_secret": {antigravityClientSecret},
		"redirect_uri": {listener.RedirectURI}, "grant_type": {"authorization_code"}, "code_verifier": {pkce.CodeVerifier},
	}
	token, err := p.postForm(ctx, antigravityTokenURL, form)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return ConfigureResult{Success: false, Err: err}
	}

	email := p.fetchEmail(ctx, token.AccessToken)
	projectID, onboardErr := p.onboard(ctx, token.AccessToken)
	if onboardErr != nil {
		// Onboarding is best-effort; fall back to the hardcoded default
		// project rather than failing configure outright.
		projectID = antigravityDefaultProject
	}
	return p.finishConfigure(ctx, token, email, projectID)
}

func (p *AntigravityProvider) finishConfigure(ctx context.Context, token antigravityTokenResponse, email, projectID string) ConfigureResult {
	record := secretstore.OAuth2TokenRecord{AccessToken: token.AccessToken, TokenType: token.TokenType, RefreshToken: token.RefreshToken}
	if token.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
		record.ExpiresAt = &t
	}
	next, err := PersistToken(ctx, p.auth, p.store, p.mode(), record)
	if err != nil {
		return ConfigureResult{Success: false, Err: err}
	}
	next.Method = config.MethodAntigravityOAuth
	if email != "" {
		next.Email = email
	}
	if projectID != "" {
		next.ProjectID = projectID
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

func (p *AntigravityProvider) Refresh(ctx context.Context) (bool, error) {
	record, err := ResolveToken(ctx, p.auth, p.store)
	if err != nil {
		return false, err
	}
	if record == nil || record.RefreshToken == "" {
		return false, nil
	}
	form := url.Values{
		"grant_type": {"refresh_token"}, "refresh_token": {record.RefreshToken},
		"client_id": {antigravityClientID}, "client_secret": {antigravityClientSecret},
	}
	token, err := p.postForm(ctx, antigravityTokenURL, form)
	if err != nil {
		p.observer.Emit(StatusEvent{Status: StatusError, Err: err, ErrorType: classifyTokenErr(err)})
		return false, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = record.RefreshToken
	}
	email := p.auth.Email
	if email == "" {
		email = p.fetchEmail(ctx, token.AccessToken)
	}
	if res := p.finishConfigure(ctx, token, email, p.auth.ProjectID); !res.Success {
		return false, res.Err
	}
	return true, nil
}

func (p *AntigravityProvider) Revoke(ctx context.Context) error {
	if p.auth.Token != "" && secretstore.LooksLikeSecretRef(p.auth.Token) {
		_ = p.store.DeleteOAuth2Token(ctx, p.auth.Token)
	}
	p.auth.Token = ""
	p.auth.Email = ""
	p.auth.ProjectID = ""
	if p.persist != nil {
		if err := p.persist(ctx, p.auth); err != nil {
			return err
		}
	}
	p.observer.Emit(StatusEvent{Status: StatusRevoked})
	return nil
}

func (p *AntigravityProvider) fetchEmail(ctx context.Context, accessToken string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v2/userinfo", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ""
	}
	var info antigravityUserInfo
	if err = json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ""
	}
	return info.Email
}

// onboard polls v1internal:loadCodeAssist then v1internal:onboardUser
// until the LRO reports done:true, bounded by antigravityOnboardTimeout.
func (p *AntigravityProvider) onboard(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, antigravityOnboardTimeout)
	defer cancel()

	var loadResp map[string]any
	if err := p.callInternal(ctx, accessToken, "loadCodeAssist", map[string]any{"metadata": antigravityClientMetadata()}, &loadResp); err != nil {
		return "", err
	}

	tierID := "legacy-tier"
	if tiers, ok := loadResp["allowedTiers"].([]any); ok {
		for _, t := range tiers {
			if tier, ok2 := t.(map[string]any); ok2 {
				if isDefault, _ := tier["isDefault"].(bool); isDefault {
					if id, ok3 := tier["id"].(string); ok3 {
						tierID = id
						break
					}
				}
			}
		}
	}
	projectID, _ := loadResp["cloudaicompanionProject"].(string)

	onboardBody := map[string]any{"tierId": tierID, "metadata": antigravityClientMetadata()}
	if projectID != "" {
		onboardBody["cloudaicompanionProject"] = projectID
	}

	for {
		var lro map[string]any
		if err := p.callInternal(ctx, accessToken, "onboardUser", onboardBody, &lro); err != nil {
			return "", err
		}
		if done, _ := lro["done"].(bool); done {
			if resp, ok := lro["response"].(map[string]any); ok {
				if proj, ok2 := resp["cloudaicompanionProject"].(map[string]any); ok2 {
					if id, ok3 := proj["id"].(string); ok3 && id != "" {
						return id, nil
					}
				}
			}
			return projectID, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(antigravityOnboardPollDelay):
		}
	}
}

func (p *AntigravityProvider) callInternal(ctx context.Context, accessToken, endpoint string, body map[string]any, out *map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s:%s", antigravityCodeAssistURL, endpoint), strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authmethod: antigravity %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("authmethod: antigravity %s failed: http %d: %s", endpoint, resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func antigravityClientMetadata() map[string]any {
	return map[string]any{"ideType": "IDE_UNSPECIFIED", "platform": "PLATFORM_UNSPECIFIED", "pluginType": "ANTIGRAVITY"}
}

func (p *AntigravityProvider) postForm(ctx context.Context, tokenURL string, form url.Values) (antigravityTokenResponse, error) {
	var token antigravityTokenResponse
	err := p.retry.Run(ctx, func(attemptCtx context.Context, _ int) (bool, error) {
		req, reqErr := http.NewRequestWithContext(attemptCtx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if reqErr != nil {
			return false, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, doErr := p.httpClient.Do(req)
		if doErr != nil {
			return true, fmt.Errorf("authmethod: antigravity token request: %w", doErr)
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
