package authmethod

import (
	"context"
	"fmt"
	"net/http"

	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

// Deps bundles the host-provided capabilities a method provider may need.
// Unused fields for a given method are simply never called: plain
// composition at the construction site instead of an interface hierarchy.
type Deps struct {
	HTTPClient        *http.Client
	OpenURL           func(ctx context.Context, url string) error
	PromptAPIKey      func(ctx context.Context) (string, error)
	PromptServiceAcct func(ctx context.Context) (string, error)
	DevicePrompt      DeviceCodePrompt
}

// New is the per-(providerName,method) factory the auth manager calls to
// instantiate a provider for the given auth config.
func New(providerName string, auth config.AuthConfig, store secretstore.Store, persist func(context.Context, config.AuthConfig) error, modeFn func() bool, deps Deps) (Provider, error) {
	switch auth.Method {
	case config.MethodAPIKey:
		return NewAPIKeyProvider(providerName, auth, store, persist, modeFn, deps.PromptAPIKey), nil
	case config.MethodOAuth2:
		return NewOAuth2Provider(providerName, auth, store, persist, modeFn, deps.HTTPClient, deps.OpenURL, deps.DevicePrompt), nil
	case config.MethodAntigravityOAuth:
		return NewAntigravityProvider(auth, store, persist, modeFn, deps.HTTPClient, deps.OpenURL), nil
	case config.MethodGoogleGeminiOAuth:
		return NewGoogleGeminiOAuthProvider(auth, store, persist, modeFn, deps.HTTPClient, deps.OpenURL), nil
	case config.MethodOpenAICodex:
		return NewOpenAICodexProvider(auth, store, persist, modeFn, deps.HTTPClient, deps.OpenURL), nil
	case config.MethodClaudeCode:
		return NewClaudeCodeProvider(auth, store, persist, modeFn, deps.HTTPClient, deps.OpenURL), nil
	case config.MethodQwenCode:
		return NewQwenCodeProvider(auth, store, persist, modeFn, deps.HTTPClient, deps.DevicePrompt), nil
	case config.MethodIFlowCLI:
		return NewIFlowProvider(auth, store, persist, modeFn, deps.HTTPClient, deps.OpenURL), nil
	case config.MethodGitHubCopilot:
		return NewGitHubCopilotProvider(auth, store, persist, modeFn, deps.HTTPClient, deps.DevicePrompt), nil
	case config.MethodGoogleVertexAI:
		return NewVertexAIProvider(auth, store, persist, modeFn, deps.PromptServiceAcct), nil
	case config.MethodNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("authmethod: unrecognized method %q", auth.Method)
	}
}
