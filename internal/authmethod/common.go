// Package authmethod implements the auth-method providers: one provider
// per method, each exposing the common capability set (getCredential,
// refresh, configure, revoke, status stream) the auth manager in
// internal/authmanager consumes uniformly. Unlike the AuthConfig tagged
// union, these are genuinely polymorphic instances (one concrete type per
// method, picked by a factory) so a plain Go interface is the right shape
// here, not a dispatch table.
package authmethod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/unifychat/gateway/internal/config"
	"github.com/unifychat/gateway/internal/secretstore"
)

// Status is a provider status stream value.
type Status string

const (
	StatusValid   Status = "valid"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusError   Status = "error"
)

// ErrorType classifies a status=error event.
type ErrorType string

const (
	ErrorTypeAuth      ErrorType = "auth_error"
	ErrorTypeTransient ErrorType = "transient_error"
	ErrorTypeUnknown   ErrorType = "unknown_error"
)

// StatusEvent is delivered to subscribers on every status transition.
type StatusEvent struct {
	Status    Status
	Err       error
	ErrorType ErrorType
}

// LastErrorRecord is the manager-facing last-error projection.
type LastErrorRecord struct {
	Err       error
	ErrorType ErrorType
}

// Disposable cancels a subscription.
type Disposable func()

// StatusObserver is a small observer primitive: Subscribe(handler) ->
// Disposable, reentrant-safe because a "valid" event handler may call back
// into the emitting provider.
type StatusObserver struct {
	mu       sync.Mutex
	handlers map[int]func(StatusEvent)
	next     int
}

// NewStatusObserver constructs an empty observer.
func NewStatusObserver() *StatusObserver {
	return &StatusObserver{handlers: make(map[int]func(StatusEvent))}
}

// Subscribe registers handler and returns a Disposable that removes it.
func (o *StatusObserver) Subscribe(handler func(StatusEvent)) Disposable {
	o.mu.Lock()
	id := o.next
	o.next++
	o.handlers[id] = handler
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.handlers, id)
		o.mu.Unlock()
	}
}

// Emit delivers event to every current subscriber, in a snapshot taken
// under the lock so a handler that subscribes/unsubscribes during emission
// cannot deadlock or skip/duplicate delivery for this emission.
func (o *StatusObserver) Emit(event StatusEvent) {
	o.mu.Lock()
	handlers := make([]func(StatusEvent), 0, len(o.handlers))
	for _, h := range o.handlers {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

// ConfigureResult is the outcome of an interactive configure() call.
type ConfigureResult struct {
	Success bool
	Config  *config.AuthConfig
	Err     error
}

// Definition is the static identity of a method provider.
type Definition struct {
	ID          string
	DisplayName string
	Description string
}

// ErrRefreshNotSupported is returned by Refresh on providers with no
// refresh operation (e.g. device-code-only flows).
var ErrRefreshNotSupported = errors.New("authmethod: refresh not supported")

// Provider is the capability set every auth method implements.
type Provider interface {
	Definition() Definition
	GetCredential(ctx context.Context) (*config.AuthCredential, error)
	GetExpiryBuffer() time.Duration
	IsValid(ctx context.Context) bool
	Configure(ctx context.Context) ConfigureResult
	Revoke(ctx context.Context) error
	Refresh(ctx context.Context) (bool, error)
	Subscribe(handler func(StatusEvent)) Disposable
}

// ClassifyError maps an OAuth2 token-endpoint failure to its error class:
// permanent auth failures are never retried, transient ones are.
func ClassifyError(statusCode int, oauthErrorCode string) ErrorType {
	switch oauthErrorCode {
	case "invalid_grant", "invalid_token", "access_denied", "unauthorized_client", "invalid_client", "unauthorized":
		return ErrorTypeAuth
	}
	switch statusCode {
	case 401, 403:
		return ErrorTypeAuth
	case 408, 429:
		return ErrorTypeTransient
	}
	if statusCode >= 500 && statusCode < 600 {
		return ErrorTypeTransient
	}
	return ErrorTypeUnknown
}

// RetryPolicy is the bounded exponential-backoff retry shared by the
// generic OAuth2 provider and every vendor provider's token/refresh
// calls.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	JitterFraction    float64
	PerAttemptTimeout time.Duration
}

// DefaultOAuthRetryPolicy is the token/refresh retry policy: 3 attempts,
// 1s to 10s backoff, 30s per-attempt timeout.
func DefaultOAuthRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		Multiplier:        2,
		PerAttemptTimeout: 30 * time.Second,
	}
}

// Attempt is a single unit of retryable work: it reports whether the
// failure it returned is retryable at all.
type Attempt func(ctx context.Context, attempt int) (retryable bool, err error)

// Run executes fn under p, sleeping between attempts with exponential
// backoff (capped) and optional jitter, stopping early on a non-retryable
// error, context cancellation, or attempt exhaustion.
func (p RetryPolicy) Run(ctx context.Context, fn Attempt) error {
	var lastErr error
	for attempt := 0; attempt < maxInt(p.MaxAttempts, 1); attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.PerAttemptTimeout)
		}
		retryable, err := fn(attemptCtx, attempt)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == p.MaxAttempts-1 {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return lastErr
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	base := float64(p.BaseDelay)
	d := base * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		d = float64(p.MaxDelay)
	}
	if p.JitterFraction > 0 {
		jitter := d * p.JitterFraction * (rand.Float64()*2 - 1)
		d += jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ResolveToken decodes auth.Token, whether it is an inline OAuth2TokenData
// JSON blob or a secret-store reference, into the durable record shape.
// Shared by the generic and every vendor OAuth2 provider so token storage
// semantics stay identical across methods.
func ResolveToken(ctx context.Context, auth config.AuthConfig, store secretstore.Store) (*secretstore.OAuth2TokenRecord, error) {
	if auth.Token == "" {
		return nil, nil
	}
	if secretstore.LooksLikeSecretRef(auth.Token) {
		record, ok, err := store.GetOAuth2Token(ctx, auth.Token)
		if err != nil {
			return nil, fmt.Errorf("authmethod: resolve token: %w", err)
		}
		if !ok {
			return nil, nil
		}
		return record, nil
	}
	var data config.OAuth2TokenData
	if err := json.Unmarshal([]byte(auth.Token), &data); err != nil {
		return nil, fmt.Errorf("authmethod: parse inline token: %w", err)
	}
	record := secretstore.OAuth2TokenRecord{
		AccessToken:  data.AccessToken,
		TokenType:    data.TokenType,
		RefreshToken: data.RefreshToken,
		Scope:        data.Scope,
	}
	if data.ExpiresAt != nil {
		t := time.UnixMilli(*data.ExpiresAt)
		record.ExpiresAt = &t
	}
	return &record, nil
}

// PersistToken writes record back into auth.Token, storing it inline when
// storeSecretsInSettings is true or in the secret store (reusing auth's
// existing reference if present) otherwise, and returns the updated
// AuthConfig. It never performs the actual config-store write-back; the
// caller's persist callback does that.
func PersistToken(ctx context.Context, auth config.AuthConfig, store secretstore.Store, storeSecretsInSettings bool, record secretstore.OAuth2TokenRecord) (config.AuthConfig, error) {
	next := auth
	if storeSecretsInSettings {
		data := config.OAuth2TokenData{
			AccessToken:  record.AccessToken,
			TokenType:    record.TokenType,
			RefreshToken: record.RefreshToken,
			Scope:        record.Scope,
		}
		if record.ExpiresAt != nil {
			ms := record.ExpiresAt.UnixMilli()
			data.ExpiresAt = &ms
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return config.AuthConfig{}, fmt.Errorf("authmethod: marshal inline token: %w", err)
		}
		next.Token = string(raw)
		return next, nil
	}
	ref := auth.Token
	if ref == "" || !secretstore.LooksLikeSecretRef(ref) {
		ref = store.CreateRef(secretstore.NamespaceOAuthToken)
	}
	if err := store.SetOAuth2Token(ctx, ref, record); err != nil {
		return config.AuthConfig{}, fmt.Errorf("authmethod: persist token: %w", err)
	}
	next.Token = ref
	return next, nil
}

// ExpiresAtMillis converts record.ExpiresAt to the epoch-millisecond form
// AuthCredential carries, or nil if the token is long-lived.
func ExpiresAtMillis(record *secretstore.OAuth2TokenRecord) *int64 {
	if record == nil || record.ExpiresAt == nil {
		return nil
	}
	ms := record.ExpiresAt.UnixMilli()
	return &ms
}
