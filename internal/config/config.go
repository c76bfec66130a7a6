// Package config implements the ordered provider-config store: YAML-backed
// persistence, change-notify subscriptions, the "store secrets inline"
// mode flag, and fsnotify-backed hot reload of external edits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/unifychat/gateway/internal/secretstore"
)

// Method identifies an AuthConfig variant, the tag of the tagged union. The finite set below is public API: dispatch lives in
// internal/authconfig's per-method helper table, never in an interface
// hierarchy.
type Method string

const (
	MethodNone              Method = "none"
	MethodAPIKey            Method = "api-key"
	MethodOAuth2            Method = "oauth2"
	MethodAntigravityOAuth  Method = "antigravity-oauth"
	MethodGoogleGeminiOAuth Method = "google-gemini-oauth"
	MethodOpenAICodex       Method = "openai-codex"
	MethodClaudeCode        Method = "claude-code"
	MethodQwenCode          Method = "qwen-code"
	MethodIFlowCLI          Method = "iflow-cli"
	MethodGitHubCopilot     Method = "github-copilot"
	MethodGoogleVertexAI    Method = "google-vertex-ai-auth"
)

// VertexSubMethod is the sub-tag of the google-vertex-ai-auth variant.
type VertexSubMethod string

const (
	VertexSubMethodADC            VertexSubMethod = "adc"
	VertexSubMethodServiceAccount VertexSubMethod = "service-account"
	VertexSubMethodAPIKey         VertexSubMethod = "api-key"
)

// GrantType is the tag of the OAuth2Config union.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantDeviceCode        GrantType = "device_code"
)

// OAuth2Config is the generic OAuth2 union member. Fields not relevant to
// GrantType are left zero-valued; the dispatch table in internal/authconfig
// only reads the fields its grant type defines.
type OAuth2Config struct {
	GrantType     GrantType `yaml:"grantType" json:"grantType"`
	TokenURL      string    `yaml:"tokenUrl" json:"tokenUrl"`
	RevocationURL string    `yaml:"revocationUrl,omitempty" json:"revocationUrl,omitempty"`
	Scopes        []string  `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// authorization_code
	AuthorizationURL string `yaml:"authorizationUrl,omitempty" json:"authorizationUrl,omitempty"`
	ClientID         string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecret     string `yaml:"clientSecret,omitempty" json:"clientSecret,omitempty"`
	DisablePKCE      bool   `yaml:"disablePkce,omitempty" json:"disablePkce,omitempty"`
	RedirectURI      string `yaml:"redirectUri,omitempty" json:"redirectUri,omitempty"`

	// device_code
	DeviceAuthorizationURL string `yaml:"deviceAuthorizationUrl,omitempty" json:"deviceAuthorizationUrl,omitempty"`
}

// PKCEEnabled reports whether PKCE should be used for this authorization
// code flow; the zero value of DisablePKCE means PKCE is on by default.
func (o *OAuth2Config) PKCEEnabled() bool { return o != nil && !o.DisablePKCE }

// AuthConfig is the tagged union of auth-method configs. One struct with a
// Method tag and per-variant fields, per the dispatch-table design guidance
// — never a type hierarchy.
type AuthConfig struct {
	Method     Method `yaml:"method" json:"method"`
	IdentityID string `yaml:"identityId,omitempty" json:"identityId,omitempty"`

	// api-key
	APIKey      string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	DisplayName string `yaml:"displayName,omitempty" json:"displayName,omitempty"`

	// oauth2 and every vendor variant: Token is either a plaintext
	// OAuth2TokenData JSON blob, empty, or an opaque secret reference.
	Token string        `yaml:"token,omitempty" json:"token,omitempty"`
	OAuth *OAuth2Config `yaml:"oauth,omitempty" json:"oauth,omitempty"`

	// vendor-specific derived fields written back by configure/refresh
	ProjectID        string `yaml:"projectId,omitempty" json:"projectId,omitempty"`
	Tier             string `yaml:"tier,omitempty" json:"tier,omitempty"`
	Email            string `yaml:"email,omitempty" json:"email,omitempty"`
	ManagedProjectID string `yaml:"managedProjectId,omitempty" json:"managedProjectId,omitempty"`
	AccountID        string `yaml:"accountId,omitempty" json:"accountId,omitempty"`
	ResourceURL      string `yaml:"resourceUrl,omitempty" json:"resourceUrl,omitempty"`
	EnterpriseURL    string `yaml:"enterpriseUrl,omitempty" json:"enterpriseUrl,omitempty"`

	// google-vertex-ai-auth sub-tag
	VertexSubMethod VertexSubMethod `yaml:"vertexSubMethod,omitempty" json:"vertexSubMethod,omitempty"`
}

// OAuth2TokenData is the durable shape of a resolved OAuth2 token.
// ExpiresAt is absolute epoch milliseconds; absent means long-lived.
type OAuth2TokenData struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthCredential is the resolved form handed to request adapters.
type AuthCredential struct {
	Value     string
	TokenType string
	ExpiresAt *int64
}

// ModelInfo is an optional, user-visible model entry under a provider.
type ModelInfo struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"displayName,omitempty" json:"displayName,omitempty"`
}

// ProviderConfig is a named LLM endpoint.
type ProviderConfig struct {
	Name         string            `yaml:"name" json:"name"`
	BaseURL      string            `yaml:"baseUrl" json:"baseUrl"`
	Auth         AuthConfig        `yaml:"auth" json:"auth"`
	ExtraHeaders map[string]string `yaml:"extraHeaders,omitempty" json:"extraHeaders,omitempty"`
	ExtraBody    map[string]any    `yaml:"extraBody,omitempty" json:"extraBody,omitempty"`
	TimeoutMS    int               `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	Models       []ModelInfo       `yaml:"models,omitempty" json:"models,omitempty"`
}

// Signature returns a stable, sorted-key JSON serialization of auth — the
// "config signature" the auth manager compares against to detect semantic
// drift. encoding/json already emits map keys in sorted order, so
// round-tripping through a generic value canonicalizes field order
// regardless of struct declaration order.
func Signature(auth AuthConfig) (string, error) {
	raw, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("config: marshal auth: %w", err)
	}
	var generic any
	if err = json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("config: canonicalize auth: %w", err)
	}
	canon, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("config: canonicalize auth: %w", err)
	}
	return string(canon), nil
}

type fileFormat struct {
	StoreAPIKeyInSettings bool             `yaml:"storeApiKeyInSettings"`
	Providers             []ProviderConfig `yaml:"providers"`
}

// ChangeHandler is notified with the full current snapshot whenever the
// store's providers or mode flag change, whether from a local mutation or
// an external file edit picked up by the watcher.
type ChangeHandler func(providers []ProviderConfig, storeSecretsInSettings bool)

// Store is the ordered provider-config store: an ordered set of
// ProviderConfig, a change-notify contract, and the "store secrets inline"
// mode flag.
type Store struct {
	mu                     sync.RWMutex
	path                   string
	providers              []ProviderConfig
	storeSecretsInSettings bool

	handlersMu sync.Mutex
	handlers   map[int]ChangeHandler
	nextHandle int

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads path (YAML) into a new Store. A missing file yields an empty
// store so a fresh install can start with zero providers.
func Load(path string) (*Store, error) {
	s := &Store{path: path, handlers: make(map[int]ChangeHandler)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f fileFormat
	if err = yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	s.providers = f.Providers
	s.storeSecretsInSettings = f.StoreAPIKeyInSettings
	return s, nil
}

// LiveSecretRefs collects every string across the current provider list
// that looks like a secret reference (APIKey, Token, and OAuth2 client
// secret fields). The orphan-sweep pass in internal/secretstore deletes
// anything NOT in this set.
func (s *Store) LiveSecretRefs() map[string]struct{} {
	s.mu.RLock()
	providers := make([]ProviderConfig, len(s.providers))
	copy(providers, s.providers)
	s.mu.RUnlock()

	live := make(map[string]struct{})
	add := func(v string) {
		if v != "" && secretstore.LooksLikeSecretRef(v) {
			live[v] = struct{}{}
		}
	}
	for _, p := range providers {
		add(p.Auth.APIKey)
		add(p.Auth.Token)
		if p.Auth.OAuth != nil {
			add(p.Auth.OAuth.ClientSecret)
		}
	}
	return live
}

// List returns a snapshot copy of the ordered provider list.
func (s *Store) List() []ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProviderConfig, len(s.providers))
	copy(out, s.providers)
	return out
}

// Get returns the named provider config, if present.
func (s *Store) Get(name string) (ProviderConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// StoreSecretsInSettings returns the current mode flag.
func (s *Store) StoreSecretsInSettings() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeSecretsInSettings
}

// Upsert inserts or replaces the named provider config in place,
// preserving list order on replace and appending on insert, then persists
// and notifies.
func (s *Store) Upsert(cfg ProviderConfig) error {
	s.mu.Lock()
	replaced := false
	for i, p := range s.providers {
		if p.Name == cfg.Name {
			s.providers[i] = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		s.providers = append(s.providers, cfg)
	}
	s.mu.Unlock()
	return s.persistAndNotify()
}

// ReplaceAll atomically overwrites the full provider list (same names, same
// order expected) and persists once, used by the migration pass that
// re-normalizes every AuthConfig after a storeApiKeyInSettings mode flip.
func (s *Store) ReplaceAll(providers []ProviderConfig) error {
	s.mu.Lock()
	s.providers = append([]ProviderConfig(nil), providers...)
	s.mu.Unlock()
	return s.persistAndNotify()
}

// Remove deletes the named provider config, if present.
func (s *Store) Remove(name string) (bool, error) {
	s.mu.Lock()
	found := false
	filtered := s.providers[:0:0]
	for _, p := range s.providers {
		if p.Name == name {
			found = true
			continue
		}
		filtered = append(filtered, p)
	}
	s.providers = filtered
	s.mu.Unlock()
	if !found {
		return false, nil
	}
	return true, s.persistAndNotify()
}

// SetStoreSecretsInSettings flips the mode flag, persists, and notifies.
// Migrating existing AuthConfig values between inline and reference form is
// the caller's responsibility (internal/authconfig's normalizeOnImport),
// invoked in response to the change notification this produces.
func (s *Store) SetStoreSecretsInSettings(value bool) error {
	s.mu.Lock()
	s.storeSecretsInSettings = value
	s.mu.Unlock()
	return s.persistAndNotify()
}

// Subscribe registers h for future change notifications and returns an
// unsubscribe function.
func (s *Store) Subscribe(h ChangeHandler) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	handle := s.nextHandle
	s.nextHandle++
	s.handlers[handle] = h
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.handlers, handle)
	}
}

func (s *Store) notify() {
	providers := s.List()
	mode := s.StoreSecretsInSettings()
	s.handlersMu.Lock()
	handlers := make([]ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.Unlock()
	for _, h := range handlers {
		h(providers, mode)
	}
}

func (s *Store) persistAndNotify() error {
	if err := s.persist(); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	f := fileFormat{StoreAPIKeyInSettings: s.storeSecretsInSettings, Providers: s.providers}
	s.mu.RUnlock()
	raw, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: rename into place %s: %w", s.path, err)
	}
	return nil
}

// Watch starts an fsnotify watch on the config file's directory, reloading
// and notifying on every external write.
func (s *Store) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	if err = w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				log.WithError(err).Warn("config: reload after external change failed")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config: watcher error")
		}
	}
}

func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: reload read %s: %w", s.path, err)
	}
	var f fileFormat
	if err = yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: reload parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.providers = f.Providers
	s.storeSecretsInSettings = f.StoreAPIKeyInSettings
	s.mu.Unlock()
	s.notify()
	return nil
}

// Close stops the hot-reload watcher, if started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}
