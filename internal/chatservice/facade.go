// Package chatservice implements the chat service facade: per incoming
// request it resolves the named provider's credential through the auth
// manager, dispatches to the RequestAdapter registered for that
// provider's type, and streams response parts back to the host,
// propagating cancellation throughout.
package chatservice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/unifychat/gateway/internal/authmanager"
	"github.com/unifychat/gateway/internal/codeassist"
	"github.com/unifychat/gateway/internal/config"
)

// RequestAdapter is the per-provider-type request adapter contract the
// facade dispatches to. Only the Code-Assist adapter (internal/codeassist)
// is implemented by this module; the OpenAI-compatible, Anthropic, and
// Codex transports are external collaborators whose RequestAdapter
// implementations live outside this package and register themselves the
// same way.
type RequestAdapter interface {
	// Stream executes req against baseURL using credential and invokes on
	// for each decoded response chunk, in order, until the response is
	// exhausted or ctx is canceled.
	Stream(ctx context.Context, baseURL string, credential codeassist.Credential, req codeassist.ChatRequest, on func(json.RawMessage) error) error
}

// adapterFunc lets a plain function satisfy RequestAdapter without a
// named type per registration, convenient for the codeassist-backed
// registrations Register installs by default.
type adapterFunc func(ctx context.Context, baseURL string, credential codeassist.Credential, req codeassist.ChatRequest, on func(json.RawMessage) error) error

func (f adapterFunc) Stream(ctx context.Context, baseURL string, credential codeassist.Credential, req codeassist.ChatRequest, on func(json.RawMessage) error) error {
	return f(ctx, baseURL, credential, req, on)
}

// Facade dispatches chat requests to the adapter registered for each
// provider's type.
type Facade struct {
	manager  *authmanager.Manager
	store    *config.Store
	adapters map[string]RequestAdapter
}

// New constructs a Facade bound to manager and store. Callers register
// provider-type adapters with RegisterAdapter before routing any request;
// NewCodeAssistAdapters is a convenience for the two in-scope types.
func New(manager *authmanager.Manager, store *config.Store) *Facade {
	return &Facade{manager: manager, store: store, adapters: make(map[string]RequestAdapter)}
}

// ProviderType names a registered adapter slot. "antigravity" and
// "gemini-cli" are the two Code-Assist styles this module implements.
const (
	ProviderTypeAntigravity = "antigravity"
	ProviderTypeGeminiCLI   = "gemini-cli"
)

// RegisterAdapter installs adapter under providerType, overwriting any
// previous registration for that type.
func (f *Facade) RegisterAdapter(providerType string, adapter RequestAdapter) {
	f.adapters[providerType] = adapter
}

// RegisterCodeAssistAdapters wires the two Code-Assist styles' adapters,
// each built on a dedicated codeassist.Adapter instance so their endpoint
// pinning stays independent.
func (f *Facade) RegisterCodeAssistAdapters(antigravity, geminiCLI *codeassist.Adapter) {
	f.RegisterAdapter(ProviderTypeAntigravity, codeAssistAdapter{antigravity})
	f.RegisterAdapter(ProviderTypeGeminiCLI, codeAssistAdapter{geminiCLI})
}

type codeAssistAdapter struct{ a *codeassist.Adapter }

func (c codeAssistAdapter) Stream(ctx context.Context, _ string, credential codeassist.Credential, req codeassist.ChatRequest, on func(json.RawMessage) error) error {
	req.Credential = credential
	return c.a.Stream(ctx, req, on)
}

// ProviderTypeOf maps a provider's configured auth method to the request
// adapter slot that serves it. Only the two Code-Assist vendor methods
// resolve to an adapter this module registers; any other method is a
// caller error to route here.
func ProviderTypeOf(method config.Method) (string, bool) {
	switch method {
	case config.MethodAntigravityOAuth:
		return ProviderTypeAntigravity, true
	case config.MethodGoogleGeminiOAuth:
		return ProviderTypeGeminiCLI, true
	default:
		return "", false
	}
}

// Stream resolves providerName's credential, picks the adapter for its
// type, and streams chunks to on, propagating ctx's cancellation into the
// adapter call.
func (f *Facade) Stream(ctx context.Context, providerName string, req codeassist.ChatRequest, on func(json.RawMessage) error) error {
	cfg, ok := f.store.Get(providerName)
	if !ok {
		return fmt.Errorf("chatservice: unknown provider %q", providerName)
	}
	providerType, ok := ProviderTypeOf(cfg.Auth.Method)
	if !ok {
		return fmt.Errorf("chatservice: provider %q has no in-scope request adapter for method %q", providerName, cfg.Auth.Method)
	}
	adapter, ok := f.adapters[providerType]
	if !ok {
		return fmt.Errorf("chatservice: no adapter registered for provider type %q", providerType)
	}

	cred, err := f.manager.GetCredential(ctx, providerName)
	if err != nil {
		return fmt.Errorf("chatservice: resolve credential for %q: %w", providerName, err)
	}
	if cred == nil {
		if lastErr, hasErr := f.manager.GetLastError(providerName); hasErr {
			return fmt.Errorf("chatservice: provider %q has no usable credential: %w", providerName, lastErr.Err)
		}
		return fmt.Errorf("chatservice: provider %q has no usable credential", providerName)
	}

	credential := codeassist.Credential{AccessToken: cred.Value, ProjectID: cfg.Auth.ProjectID, Email: cfg.Auth.Email}
	// The wire style follows the provider's configured auth method, never
	// the inbound request: a caller-supplied Style would let one provider's
	// request go out shaped as the other integration.
	switch providerType {
	case ProviderTypeAntigravity:
		req.Style = codeassist.StyleAntigravity
	case ProviderTypeGeminiCLI:
		req.Style = codeassist.StyleGeminiCLI
	}
	if req.ExtraHeaders == nil {
		req.ExtraHeaders = cfg.ExtraHeaders
	}
	if req.ExtraBody == nil {
		req.ExtraBody = cfg.ExtraBody
	}
	if cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	return adapter.Stream(ctx, cfg.BaseURL, credential, req, on)
}
