// Package authmanager implements the auth manager: a
// per-(providerName,method) cache of method-provider instances, a
// proactive refresh scheduler driven by generation counters, coalesced
// concurrent credential lookups, and last-error state for the host UI.
package authmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unifychat/gateway/internal/authconfig"
	"github.com/unifychat/gateway/internal/authmethod"
	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

// entry is one per-(providerName,method) cache slot.
type entry struct {
	providerName string
	method       config.Method
	provider     authmethod.Provider
	auth         config.AuthConfig
	signature    string
	unsubscribe  authmethod.Disposable
	generation   int
	timer        *time.Timer
	refreshing   bool
}

// inflight is a coalesced getCredential call shared by concurrent callers.
type inflight struct {
	done chan struct{}
	cred *config.AuthCredential
	err  error
}

// Manager is the auth manager. One instance is owned by the process
// lifetime — callers construct it explicitly and pass it down, never
// reach for a package singleton.
type Manager struct {
	store       *config.Store
	secretStore secretstore.Store
	deps        authmethod.Deps

	mu       sync.Mutex
	entries  map[string]*entry
	inFlight map[string]*inflight
	lastErr  map[string]authmethod.LastErrorRecord
}

// New constructs a Manager bound to store and secretStore, using deps to
// build method providers (http client, browser opener, device-code
// prompt, interactive prompts).
func New(store *config.Store, secretStore secretstore.Store, deps authmethod.Deps) *Manager {
	return &Manager{
		store:       store,
		secretStore: secretStore,
		deps:        deps,
		entries:     make(map[string]*entry),
		inFlight:    make(map[string]*inflight),
		lastErr:     make(map[string]authmethod.LastErrorRecord),
	}
}

func key(providerName string, method config.Method) string {
	return providerName + ":" + string(method)
}

// GetProvider resolves the given provider's current auth config and
// returns its method provider, or nil if the method is "none" or no
// provider config by that name exists.
func (m *Manager) GetProvider(ctx context.Context, providerName string) (authmethod.Provider, error) {
	cfg, ok := m.store.Get(providerName)
	if !ok {
		return nil, fmt.Errorf("authmanager: unknown provider %q", providerName)
	}
	return m.GetProviderWithAuth(ctx, providerName, cfg.Auth)
}

// GetProviderWithAuth disposes any cache entry for this provider with a
// different method,
// disposes a same-method entry whose config signature has drifted, and
// instantiates (or reuses) the provider for the given auth.
func (m *Manager) GetProviderWithAuth(ctx context.Context, providerName string, auth config.AuthConfig) (authmethod.Provider, error) {
	if auth.Method == config.MethodNone {
		return nil, nil
	}
	sig, err := config.Signature(auth)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	k := key(providerName, auth.Method)

	// At-most-one-method-per-provider: dispose every other-method entry
	// for this provider name before this one becomes observable. Each
	// disposed entry's own auth config (not the new one being built) is
	// what cleanupOnDiscard must run against.
	var disposedOldMethodAuths []config.AuthConfig
	for ek, e := range m.entries {
		if e.providerName == providerName && e.method != auth.Method {
			disposedOldMethodAuths = append(disposedOldMethodAuths, e.auth)
			m.disposeLocked(ek)
		}
	}

	if e, ok := m.entries[k]; ok {
		if e.signature == sig {
			provider := e.provider
			m.mu.Unlock()
			return provider, nil
		}
		m.disposeLocked(k)
	}
	m.mu.Unlock()

	for _, old := range disposedOldMethodAuths {
		if cerr := authconfig.CleanupOnMethodChange(ctx, old, m.secretStore); cerr != nil {
			log.WithError(cerr).Warn("authmanager: cleanup on method change failed")
		}
	}

	persist := func(ctx context.Context, next config.AuthConfig) error {
		cfg, ok := m.store.Get(providerName)
		if !ok {
			return fmt.Errorf("authmanager: persist: unknown provider %q", providerName)
		}
		cfg.Auth = next
		return m.store.Upsert(cfg)
	}
	modeFn := m.store.StoreSecretsInSettings

	provider, err := authmethod.New(providerName, auth, m.secretStore, persist, modeFn, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[k]; ok {
		// Lost a race with a concurrent call; keep the winner.
		return existing.provider, nil
	}
	e := &entry{providerName: providerName, method: auth.Method, provider: provider, auth: auth, signature: sig}
	e.unsubscribe = provider.Subscribe(func(ev authmethod.StatusEvent) { m.handleStatus(k, e, provider, ev) })
	m.entries[k] = e
	return provider, nil
}

// handleStatus is the status-subscription handler. It compares the cached
// provider instance against the one the event came from so a
// disposed-and-replaced instance's trailing events are ignored.
func (m *Manager) handleStatus(k string, e *entry, provider authmethod.Provider, ev authmethod.StatusEvent) {
	m.mu.Lock()
	current, ok := m.entries[k]
	if !ok || current != e || current.provider != provider {
		m.mu.Unlock()
		return
	}
	switch ev.Status {
	case authmethod.StatusExpired, authmethod.StatusError:
		m.lastErr[k] = authmethod.LastErrorRecord{Err: ev.Err, ErrorType: ev.ErrorType}
		m.cancelTimerLocked(current)
		m.mu.Unlock()
	case authmethod.StatusValid:
		delete(m.lastErr, k)
		gen := current.generation
		m.mu.Unlock()
		if cred, err := provider.GetCredential(context.Background()); err == nil && cred != nil && cred.ExpiresAt != nil {
			m.scheduleRefresh(k, provider, *cred.ExpiresAt, gen)
		}
	case authmethod.StatusRevoked:
		delete(m.lastErr, k)
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}

// GetCredential resolves the
// provider, coalesces concurrent callers into one in-flight resolution,
// and schedules the next refresh on success.
func (m *Manager) GetCredential(ctx context.Context, providerName string) (*config.AuthCredential, error) {
	cfg, ok := m.store.Get(providerName)
	if !ok {
		return nil, fmt.Errorf("authmanager: unknown provider %q", providerName)
	}
	if cfg.Auth.Method == config.MethodNone {
		return nil, nil
	}
	k := key(providerName, cfg.Auth.Method)

	m.mu.Lock()
	if f, ok := m.inFlight[k]; ok {
		m.mu.Unlock()
		<-f.done
		return f.cred, f.err
	}
	f := &inflight{done: make(chan struct{})}
	m.inFlight[k] = f
	m.mu.Unlock()

	cred, err := m.resolveCredential(ctx, providerName, cfg.Auth, k)

	m.mu.Lock()
	f.cred, f.err = cred, err
	delete(m.inFlight, k)
	m.mu.Unlock()
	close(f.done)

	return cred, err
}

func (m *Manager) resolveCredential(ctx context.Context, providerName string, auth config.AuthConfig, k string) (*config.AuthCredential, error) {
	provider, err := m.GetProviderWithAuth(ctx, providerName, auth)
	if err != nil || provider == nil {
		return nil, err
	}
	cred, err := provider.GetCredential(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, nil
	}
	m.mu.Lock()
	delete(m.lastErr, k)
	e, ok := m.entries[k]
	gen := 0
	if ok {
		gen = e.generation
	}
	m.mu.Unlock()
	if cred.ExpiresAt != nil {
		m.scheduleRefresh(k, provider, *cred.ExpiresAt, gen)
	}
	return cred, nil
}

// scheduleRefresh cancels any existing
// timer for key, then (if the provider supports refresh at all) arms a new
// one at expiresAtMillis - provider.GetExpiryBuffer(), never negative.
func (m *Manager) scheduleRefresh(k string, provider authmethod.Provider, expiresAtMillis int64, expectedGeneration int) {
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok || e.provider != provider || e.generation != expectedGeneration {
		m.mu.Unlock()
		return
	}
	m.cancelTimerLocked(e)

	expiresAt := time.UnixMilli(expiresAtMillis)
	delay := time.Until(expiresAt) - provider.GetExpiryBuffer()
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { m.performRefresh(k, provider, expectedGeneration) })
	m.mu.Unlock()
}

// performRefresh runs one scheduled refresh attempt for k, guarded by the
// generation counter and the per-key refresh singleton.
func (m *Manager) performRefresh(k string, provider authmethod.Provider, expectedGeneration int) {
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok || e.provider != provider || e.generation != expectedGeneration {
		m.mu.Unlock()
		return
	}
	if e.refreshing {
		m.mu.Unlock()
		log.Warnf("authmanager: refresh already in flight for %s, skipping", k)
		return
	}
	e.refreshing = true
	m.mu.Unlock()

	ctx := context.Background()
	ok2, err := provider.Refresh(ctx)

	m.mu.Lock()
	e, stillPresent := m.entries[k]
	if stillPresent {
		e.refreshing = false
	}
	if !stillPresent || e.provider != provider || e.generation != expectedGeneration {
		m.mu.Unlock()
		return
	}
	if err != nil || !ok2 {
		m.cancelTimerLocked(e)
		m.mu.Unlock()
		return
	}
	delete(m.lastErr, k)
	m.mu.Unlock()

	cred, credErr := provider.GetCredential(ctx)
	if credErr == nil && cred != nil && cred.ExpiresAt != nil {
		m.scheduleRefresh(k, provider, *cred.ExpiresAt, expectedGeneration)
	}
}

// RetryRefresh is the user-initiated synchronous retry: semantically
// identical to performRefresh but not bound by generation and always
// allowed to run.
func (m *Manager) RetryRefresh(ctx context.Context, providerName string) (bool, error) {
	cfg, ok := m.store.Get(providerName)
	if !ok {
		return false, fmt.Errorf("authmanager: unknown provider %q", providerName)
	}
	provider, err := m.GetProviderWithAuth(ctx, providerName, cfg.Auth)
	if err != nil || provider == nil {
		return false, err
	}
	k := key(providerName, cfg.Auth.Method)
	ok2, err := provider.Refresh(ctx)
	if err != nil || !ok2 {
		return ok2, err
	}
	m.mu.Lock()
	delete(m.lastErr, k)
	e, present := m.entries[k]
	gen := 0
	if present {
		gen = e.generation
	}
	m.mu.Unlock()
	if cred, credErr := provider.GetCredential(ctx); credErr == nil && cred != nil && cred.ExpiresAt != nil {
		m.scheduleRefresh(k, provider, *cred.ExpiresAt, gen)
	}
	return true, nil
}

// GetLastError returns the most recent last-error record for providerName
// across all of its cache entries, if any.
func (m *Manager) GetLastError(providerName string) (authmethod.LastErrorRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.providerName == providerName {
			if rec, ok := m.lastErr[k]; ok {
				return rec, true
			}
		}
	}
	return authmethod.LastErrorRecord{}, false
}

// CancelRefresh cancels providerName's scheduled refresh timer, if any.
func (m *Manager) CancelRefresh(providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.providerName == providerName {
			m.cancelTimerLocked(e)
		}
	}
}

// ClearProvider disposes every cache entry for providerName.
func (m *Manager) ClearProvider(providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.providerName == providerName {
			m.disposeLocked(k)
		}
	}
}

// ClearAll disposes every cache entry, used on shutdown or a full config
// reload.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		m.disposeLocked(k)
	}
}

// Dispose tears the manager down; idempotent.
func (m *Manager) Dispose() { m.ClearAll() }

// disposeLocked bumps the entry's generation (invalidating any racing
// in-flight refresh),
// cancels its timer, unsubscribes its status handler, and removes it from
// the map. Caller must hold m.mu.
func (m *Manager) disposeLocked(k string) {
	e, ok := m.entries[k]
	if !ok {
		return
	}
	e.generation++
	m.cancelTimerLocked(e)
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	delete(m.entries, k)
	delete(m.lastErr, k)
}

func (m *Manager) cancelTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
