// Package gateway admits API requests: it validates an API key, applies the
// key's per-minute rate limit and monthly quota, and records usage only for
// admitted requests.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/complianced/internal/middleware"
)

// KeyPrefix starts every issued API key.
const KeyPrefix = "ck_"

// Common errors for API key operations.
var (
	ErrMissingCredential = errors.New("missing API key")
	ErrInvalidCredential = errors.New("invalid API key")
	ErrExpiredCredential = errors.New("API key expired")
	ErrRevokedCredential = errors.New("API key revoked")
	ErrKeyNotFound       = errors.New("API key not found")
	ErrDuplicateKey      = errors.New("API key already registered")
	ErrUnknownTier       = errors.New("unknown tier")
)

// APIKey is the stored record of an API key. The plaintext key is never kept.
type APIKey struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Owner     string          `json:"owner"`
	Tier      middleware.Tier `json:"tier"`
	KeyHash   string          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Revoked   bool            `json:"revoked"`
}

// Info returns the request-context view of the key.
func (k *APIKey) Info() middleware.APIKeyInfo {
	return middleware.APIKeyInfo{ID: k.ID, Owner: k.Owner, Tier: string(k.Tier)}
}

// KeyStore resolves presented credentials to API keys.
type KeyStore interface {
	// Validate returns the key matching credential. It returns
	// ErrMissingCredential, ErrInvalidCredential, ErrExpiredCredential or
	// ErrRevokedCredential when the credential must be refused.
	Validate(ctx context.Context, credential string) (*APIKey, error)
}

// HashKey returns the hex SHA-256 of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// InMemoryKeyStore is an in-memory implementation of KeyStore.
// Thread-safe via RWMutex.
type InMemoryKeyStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]*APIKey
	now    func() time.Time
}

// NewInMemoryKeyStore creates an empty key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]*APIKey),
		now:    time.Now,
	}
}

// Issue generates a new key and returns its plaintext once, with the stored record.
// A zero ttl means the key does not expire.
func (s *InMemoryKeyStore) Issue(name, owner string, tier middleware.Tier, ttl time.Duration) (string, *APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate API key: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(buf)

	var expires *time.Time
	if ttl > 0 {
		t := s.now().UTC().Add(ttl)
		expires = &t
	}
	key, err := s.Register(name, owner, tier, plaintext, expires)
	if err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// Register stores a key whose plaintext was provisioned elsewhere, such as in
// configuration.
func (s *InMemoryKeyStore) Register(name, owner string, tier middleware.Tier, plaintext string, expiresAt *time.Time) (*APIKey, error) {
	if strings.TrimSpace(plaintext) == "" {
		return nil, ErrMissingCredential
	}
	if tier == "" {
		tier = middleware.TierFree
	}
	if middleware.ParseTier(string(tier)) != tier {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Owner:     owner,
		Tier:      tier,
		KeyHash:   HashKey(plaintext),
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[key.KeyHash]; exists {
		return nil, ErrDuplicateKey
	}
	s.byID[key.ID] = key
	s.byHash[key.KeyHash] = key

	out := *key
	return &out, nil
}

// Validate implements KeyStore.
func (s *InMemoryKeyStore) Validate(_ context.Context, credential string) (*APIKey, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingCredential
	}

	s.mu.RLock()
	key, ok := s.byHash[HashKey(credential)]
	var out APIKey
	if ok {
		out = *key
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidCredential
	}
	if out.Revoked {
		return nil, ErrRevokedCredential
	}
	if out.ExpiresAt != nil && !s.now().Before(*out.ExpiresAt) {
		return nil, ErrExpiredCredential
	}
	return &out, nil
}

// Revoke marks a key as revoked. Revocation is permanent.
func (s *InMemoryKeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	key.Revoked = true
	return nil
}

// Get returns a copy of the key with the given ID.
func (s *InMemoryKeyStore) Get(id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := *key
	return &out, nil
}

// List returns copies of all keys ordered by creation time.
func (s *InMemoryKeyStore) List() []*APIKey {
	s.mu.RLock()
	out := make([]*APIKey, 0, len(s.byID))
	for _, key := range s.byID {
		k := *key
		out = append(out, &k)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *APIKey) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
