package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// canonicalEntry is the hashed subset of an Entry. Empty optional values are
// encoded as JSON null.
type canonicalEntry struct {
	ID           string  `json:"id"`
	Timestamp    string  `json:"timestamp"`
	Action       string  `json:"action"`
	ResourceType string  `json:"resource_type"`
	ResourceID   *string `json:"resource_id"`
	UserID       *string `json:"user_id"`
	Outcome      string  `json:"outcome"`
	PreviousHash *string `json:"previous_hash"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CanonicalBytes returns the RFC 8785 canonical JSON of the hashed fields of e,
// linked to previousHash.
func CanonicalBytes(e *Entry, previousHash string) ([]byte, error) {
	raw, err := json.Marshal(canonicalEntry{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:       string(e.Action),
		ResourceType: e.ResourceType,
		ResourceID:   nullable(e.ResourceID),
		UserID:       nullable(e.UserID),
		Outcome:      string(e.Outcome),
		PreviousHash: nullable(previousHash),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal canonical entry: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize entry: %w", err)
	}
	return canon, nil
}

// ComputeHash returns the hex SHA-256 of the canonical form of e linked to
// previousHash. It ignores e.PreviousHash and e.EntryHash.
func ComputeHash(e *Entry, previousHash string) (string, error) {
	canon, err := CanonicalBytes(e, previousHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
