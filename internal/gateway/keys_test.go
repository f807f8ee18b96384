package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/complianced/internal/middleware"
)

func TestInMemoryKeyStore_Issue(t *testing.T) {
	s := NewInMemoryKeyStore()

	plaintext, key, err := s.Issue("ci", "acme", middleware.TierProfessional, 0)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if !strings.HasPrefix(plaintext, KeyPrefix) || len(plaintext) != len(KeyPrefix)+48 {
		t.Errorf("plaintext %q has unexpected shape", plaintext)
	}
	if key.KeyHash != HashKey(plaintext) {
		t.Error("stored hash does not match plaintext")
	}
	if strings.Contains(key.KeyHash, plaintext) {
		t.Error("stored record must not contain the plaintext")
	}
	if key.ExpiresAt != nil {
		t.Error("zero ttl should not expire")
	}

	got, err := s.Validate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if got.ID != key.ID || got.Tier != middleware.TierProfessional || got.Owner != "acme" {
		t.Errorf("Validate() = %+v", got)
	}

	info := got.Info()
	if info.ID != key.ID || info.Owner != "acme" || info.Tier != "professional" {
		t.Errorf("Info() = %+v", info)
	}

	other, _, err := s.Issue("ci", "acme", middleware.TierProfessional, 0)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if other == plaintext {
		t.Error("Issue() returned the same key twice")
	}
}

func TestInMemoryKeyStore_Register(t *testing.T) {
	s := NewInMemoryKeyStore()

	key, err := s.Register("bootstrap", "ops", "", "static-key", nil)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if key.Tier != middleware.TierFree {
		t.Errorf("empty tier = %q, want free", key.Tier)
	}

	tests := []struct {
		name      string
		tier      middleware.Tier
		plaintext string
		wantErr   error
	}{
		{name: "duplicate", tier: middleware.TierFree, plaintext: "static-key", wantErr: ErrDuplicateKey},
		{name: "empty key", tier: middleware.TierFree, plaintext: " ", wantErr: ErrMissingCredential},
		{name: "unknown tier", tier: "platinum", plaintext: "another", wantErr: ErrUnknownTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Register("x", "y", tt.tier, tt.plaintext, nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryKeyStore_RevokeAndExpiry(t *testing.T) {
	clock := newTestClock()
	s := NewInMemoryKeyStore()
	s.now = clock.Now
	ctx := context.Background()

	plaintext, key, err := s.Issue("short", "acme", middleware.TierFree, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, err := s.Validate(ctx, plaintext); err != nil {
		t.Fatalf("Validate() before expiry error: %v", err)
	}

	clock.Advance(59 * time.Second)
	if _, err := s.Validate(ctx, plaintext); err != nil {
		t.Errorf("Validate() just before expiry error: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := s.Validate(ctx, plaintext); !errors.Is(err, ErrExpiredCredential) {
		t.Errorf("Validate() at expiry error = %v, want ErrExpiredCredential", err)
	}

	if err := s.Revoke(key.ID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if _, err := s.Validate(ctx, plaintext); !errors.Is(err, ErrRevokedCredential) {
		t.Errorf("Validate() after revoke error = %v, want ErrRevokedCredential", err)
	}
	if err := s.Revoke("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Revoke(missing) error = %v, want ErrKeyNotFound", err)
	}

	stored, err := s.Get(key.ID)
	if err != nil || !stored.Revoked {
		t.Errorf("Get() = %+v, %v", stored, err)
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestInMemoryKeyStore_List(t *testing.T) {
	clock := newTestClock()
	s := NewInMemoryKeyStore()
	s.now = clock.Now

	var ids []string
	for i := 0; i < 3; i++ {
		_, key, err := s.Issue("k", "acme", middleware.TierFree, 0)
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		ids = append(ids, key.ID)
		clock.Advance(time.Second)
	}

	keys := s.List()
	if len(keys) != 3 {
		t.Fatalf("List() returned %d keys, want 3", len(keys))
	}
	for i, k := range keys {
		if k.ID != ids[i] {
			t.Errorf("List()[%d] = %s, want %s", i, k.ID, ids[i])
		}
	}

	keys[0].Revoked = true
	if stored, _ := s.Get(ids[0]); stored.Revoked {
		t.Error("List() should return copies")
	}
}
