package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiloguardian/kilo/pkg/types"
)

var bucketTokens = []byte("tokens")

// TokenStore persists admin tokens. Raw token bytes are never stored; only
// the bcrypt hash is kept, and validation fails closed on revoked or
// expired tokens.
type TokenStore struct {
	db *bolt.DB
}

// NewTokenStore opens the token database under dataDir
func NewTokenStore(dataDir string) (*TokenStore, error) {
	db, err := openDB(dataDir, "tokens.db", bucketTokens)
	if err != nil {
		return nil, err
	}
	return &TokenStore{db: db}, nil
}

// Close closes the database
func (s *TokenStore) Close() error {
	return s.db.Close()
}

// Create hashes and persists a new token. expiresAt may be zero for a
// non-expiring token.
func (s *TokenStore) Create(raw string, scopes []string, expiresAt time.Time) (*types.AdminToken, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}

	token := &types.AdminToken{
		ID:        uuid.New().String(),
		Hash:      hash,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	if err := s.put(token); err != nil {
		return nil, err
	}
	return token, nil
}

// EnsureBootstrap creates a full-scope token from the configured bootstrap
// value when the store is empty. Called once at startup.
func (s *TokenStore) EnsureBootstrap(raw string) error {
	if raw == "" {
		return nil
	}
	tokens, err := s.List()
	if err != nil {
		return err
	}
	if len(tokens) > 0 {
		return nil
	}
	_, err = s.Create(raw, []string{"*"}, time.Time{})
	return err
}

// List returns all tokens (hashes included; callers must not expose them)
func (s *TokenStore) List() ([]*types.AdminToken, error) {
	var tokens []*types.AdminToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var token types.AdminToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			tokens = append(tokens, &token)
			return nil
		})
	})
	return tokens, err
}

// Revoke marks a token revoked. Revocation is permanent.
func (s *TokenStore) Revoke(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("token %s: %w", id, ErrNotFound)
		}
		var token types.AdminToken
		if err := json.Unmarshal(data, &token); err != nil {
			return err
		}
		if token.RevokedAt.IsZero() {
			token.RevokedAt = time.Now().UTC()
		}
		updated, err := json.Marshal(&token)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// Validate checks a raw token against all stored hashes. bcrypt comparison
// is constant time per hash; revoked and expired tokens fail closed.
func (s *TokenStore) Validate(raw string, now time.Time) (*types.AdminToken, error) {
	tokens, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		if bcrypt.CompareHashAndPassword(token.Hash, []byte(raw)) != nil {
			continue
		}
		if token.Revoked() || token.Expired(now) {
			return nil, fmt.Errorf("token revoked or expired: %w", ErrConflict)
		}
		return token, nil
	}
	return nil, fmt.Errorf("unknown token: %w", ErrNotFound)
}

func (s *TokenStore) put(token *types.AdminToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put([]byte(token.ID), data)
	})
}
