package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// TokenPrefix identifies gatekey session tokens
	TokenPrefix = "gk_"
	// TokenLength is the number of random bytes per token (256 bits)
	TokenLength = 32
)

// GenerateToken creates an opaque bearer session token.
// Format: gk_<base64url(32 random bytes)>. Only the SHA256 hash is ever
// stored; the plaintext token goes to the client once.
func GenerateToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	token = TokenPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, HashToken(token), nil
}

// HashToken computes the SHA256 hash of a token for storage and lookup.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks that a presented token has the expected shape
// before any store lookup.
func ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	encoded := strings.TrimPrefix(token, TokenPrefix)
	if encoded == "" {
		return fmt.Errorf("token is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	return nil
}

// RevocationStore tracks revoked session tokens as keyed entries
// (token hash -> expiry) in Redis. Entries carry the token's remaining
// lifetime so the set cleans itself up; there is no in-process state.
type RevocationStore struct {
	client *redis.Client
}

// NewRevocationStore creates a revocation store from a Redis URL.
func NewRevocationStore(redisURL string) (*RevocationStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RevocationStore{client: client}, nil
}

// NewRevocationStoreWithClient wraps an existing Redis client.
func NewRevocationStoreWithClient(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client}
}

func revocationKey(tokenHash string) string {
	return "revoked_token:" + tokenHash
}

// Revoke marks a token hash revoked until its natural expiry.
func (s *RevocationStore) Revoke(ctx context.Context, tokenHash string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		// Already expired; nothing to track.
		return nil
	}
	if err := s.client.Set(ctx, revocationKey(tokenHash), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token hash has been revoked.
func (s *RevocationStore) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	_, err := s.client.Get(ctx, revocationKey(tokenHash)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revocation lookup failed: %w", err)
	}
	return true, nil
}

// Ping verifies the Redis connection; used by health checks.
func (s *RevocationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RevocationStore) Close() error {
	return s.client.Close()
}
