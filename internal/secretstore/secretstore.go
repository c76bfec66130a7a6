// Package secretstore implements the opaque-reference <-> plaintext mapping
// for stored secret material. It is backed by a single bbolt database
// with one bucket per secret namespace, keeping the three kinds of secret
// material (API keys, OAuth token records, OAuth client secrets) from ever
// resolving against each other's references.
package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Namespace identifies which disjoint secret space a reference belongs to.
type Namespace string

const (
	NamespaceAPIKey            Namespace = "apikey"
	NamespaceOAuthToken        Namespace = "oauth2token"
	NamespaceOAuthClientSecret Namespace = "oauth2clientsecret"
	refSeparator                         = ":"
)

var allNamespaces = []Namespace{NamespaceAPIKey, NamespaceOAuthToken, NamespaceOAuthClientSecret}

// OAuth2TokenRecord is the durable form of an OAuth2 token grant.
type OAuth2TokenRecord struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

// Store is the secret-store adapter capability consumed by the rest of
// the module.
type Store interface {
	SetAPIKey(ctx context.Context, ref, plaintext string) error
	GetAPIKey(ctx context.Context, ref string) (string, bool, error)
	DeleteAPIKey(ctx context.Context, ref string) error

	SetOAuth2Token(ctx context.Context, ref string, record OAuth2TokenRecord) error
	GetOAuth2Token(ctx context.Context, ref string) (*OAuth2TokenRecord, bool, error)
	DeleteOAuth2Token(ctx context.Context, ref string) error

	SetOAuth2ClientSecret(ctx context.Context, ref, plaintext string) error
	GetOAuth2ClientSecret(ctx context.Context, ref string) (string, bool, error)
	DeleteOAuth2ClientSecret(ctx context.Context, ref string) error

	// CreateRef allocates a new globally-unique, namespaced opaque reference.
	CreateRef(namespace Namespace) string

	// AllRefs lists every reference currently stored in namespace, used by
	// the orphan-sweep pass.
	AllRefs(ctx context.Context, namespace Namespace) ([]string, error)

	Close() error
}

// LooksLikeSecretRef is the only predicate the core exposes for
// distinguishing a reference from an inline plaintext value.
func LooksLikeSecretRef(value string) bool {
	for _, ns := range allNamespaces {
		if strings.HasPrefix(value, string(ns)+refSeparator) {
			return true
		}
	}
	return false
}

// namespaceOf returns the namespace embedded in a reference, if any.
func namespaceOf(ref string) (Namespace, bool) {
	for _, ns := range allNamespaces {
		if strings.HasPrefix(ref, string(ns)+refSeparator) {
			return ns, true
		}
	}
	return "", false
}

// IsOAuth2TokenExpired reports whether record is within bufferMs of expiry
// (or already expired). A record without ExpiresAt is long-lived and never
// reports expired.
func IsOAuth2TokenExpired(record *OAuth2TokenRecord, buffer time.Duration) bool {
	if record == nil || record.ExpiresAt == nil {
		return false
	}
	return record.ExpiresAt.Sub(time.Now()) < buffer
}

// APIKeyStatus classifies the current storage form of an api-key auth
// config value, used by the settings-mode migration pipeline.
type APIKeyStatus string

const (
	APIKeyStatusUnset         APIKeyStatus = "unset"
	APIKeyStatusPlain         APIKeyStatus = "plain"
	APIKeyStatusSecret        APIKeyStatus = "secret"
	APIKeyStatusMissingSecret APIKeyStatus = "missing-secret"
)

// GetAPIKeyStatus classifies value (an AuthConfig.ApiKey field) against the
// store.
func GetAPIKeyStatus(ctx context.Context, store Store, value string) (APIKeyStatus, error) {
	if value == "" {
		return APIKeyStatusUnset, nil
	}
	if !LooksLikeSecretRef(value) {
		return APIKeyStatusPlain, nil
	}
	_, ok, err := store.GetAPIKey(ctx, value)
	if err != nil {
		return "", err
	}
	if !ok {
		return APIKeyStatusMissingSecret, nil
	}
	return APIKeyStatusSecret, nil
}

// BoltStore is the bbolt-backed Store implementation.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at path and ensures every
// namespace bucket exists.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("secretstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range allNamespaces {
			if _, errBucket := tx.CreateBucketIfNotExists([]byte(ns)); errBucket != nil {
				return errBucket
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) CreateRef(namespace Namespace) string {
	return string(namespace) + refSeparator + uuid.NewString()
}

func (s *BoltStore) setPlain(_ context.Context, namespace Namespace, ref, plaintext string) error {
	if ns, ok := namespaceOf(ref); !ok || ns != namespace {
		return fmt.Errorf("secretstore: reference %q does not belong to namespace %s", ref, namespace)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(namespace)).Put([]byte(ref), []byte(plaintext))
	})
}

func (s *BoltStore) getPlain(_ context.Context, namespace Namespace, ref string) (string, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(namespace)).Get([]byte(ref))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	return string(value), true, nil
}

func (s *BoltStore) deletePlain(_ context.Context, namespace Namespace, ref string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(namespace)).Delete([]byte(ref))
	})
}

func (s *BoltStore) SetAPIKey(ctx context.Context, ref, plaintext string) error {
	return s.setPlain(ctx, NamespaceAPIKey, ref, plaintext)
}
func (s *BoltStore) GetAPIKey(ctx context.Context, ref string) (string, bool, error) {
	return s.getPlain(ctx, NamespaceAPIKey, ref)
}
func (s *BoltStore) DeleteAPIKey(ctx context.Context, ref string) error {
	return s.deletePlain(ctx, NamespaceAPIKey, ref)
}

func (s *BoltStore) SetOAuth2ClientSecret(ctx context.Context, ref, plaintext string) error {
	return s.setPlain(ctx, NamespaceOAuthClientSecret, ref, plaintext)
}
func (s *BoltStore) GetOAuth2ClientSecret(ctx context.Context, ref string) (string, bool, error) {
	return s.getPlain(ctx, NamespaceOAuthClientSecret, ref)
}
func (s *BoltStore) DeleteOAuth2ClientSecret(ctx context.Context, ref string) error {
	return s.deletePlain(ctx, NamespaceOAuthClientSecret, ref)
}

func (s *BoltStore) SetOAuth2Token(_ context.Context, ref string, record OAuth2TokenRecord) error {
	if ns, ok := namespaceOf(ref); !ok || ns != NamespaceOAuthToken {
		return fmt.Errorf("secretstore: reference %q does not belong to namespace %s", ref, NamespaceOAuthToken)
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("secretstore: marshal oauth2 token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(NamespaceOAuthToken)).Put([]byte(ref), raw)
	})
}

func (s *BoltStore) GetOAuth2Token(_ context.Context, ref string) (*OAuth2TokenRecord, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(NamespaceOAuthToken)).Get([]byte(ref))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	var record OAuth2TokenRecord
	if err = json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("secretstore: unmarshal oauth2 token: %w", err)
	}
	return &record, true, nil
}

func (s *BoltStore) DeleteOAuth2Token(ctx context.Context, ref string) error {
	return s.deletePlain(ctx, NamespaceOAuthToken, ref)
}

func (s *BoltStore) AllRefs(_ context.Context, namespace Namespace) ([]string, error) {
	var refs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(namespace)).ForEach(func(k, _ []byte) error {
			refs = append(refs, string(k))
			return nil
		})
	})
	return refs, err
}

// SweepOrphans deletes every reference in every namespace that does not
// appear in liveRefs; callers run it at startup and whenever the
// inline-secrets mode flag flips. Running it twice in a row is a no-op the
// second time.
func SweepOrphans(ctx context.Context, store Store, liveRefs map[string]struct{}) error {
	for _, ns := range allNamespaces {
		refs, err := store.AllRefs(ctx, ns)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if _, live := liveRefs[ref]; live {
				continue
			}
			switch ns {
			case NamespaceAPIKey:
				err = store.DeleteAPIKey(ctx, ref)
			case NamespaceOAuthToken:
				err = store.DeleteOAuth2Token(ctx, ref)
			case NamespaceOAuthClientSecret:
				err = store.DeleteOAuth2ClientSecret(ctx, ref)
			}
			if err != nil {
				return fmt.Errorf("secretstore: sweep orphan %s: %w", ref, err)
			}
		}
	}
	return nil
}
