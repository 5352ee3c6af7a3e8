package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidKey  = errors.New("invalid API key")
	ErrInvalidHash = errors.New("invalid API key hash")
)

// KeyChecker validates admin API keys against a plain key or a bcrypt hash.
// With neither configured every request is rejected.
type KeyChecker struct {
	key  string
	hash []byte
}

// NewKeyChecker creates a checker; hash wins when both are set
func NewKeyChecker(key, hash string) (*KeyChecker, error) {
	k := &KeyChecker{key: key}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		k.hash = []byte(hash)
		k.key = ""
	}
	return k, nil
}

// Enabled reports whether a key or hash is configured
func (k *KeyChecker) Enabled() bool {
	return k != nil && (k.key != "" || len(k.hash) > 0)
}

// Check validates a presented key
func (k *KeyChecker) Check(presented string) error {
	if !k.Enabled() || presented == "" {
		return ErrInvalidKey
	}
	if len(k.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(k.hash, []byte(presented)); err != nil {
			return ErrInvalidKey
		}
		return nil
	}
	if !SecureCompare(presented, k.key) {
		return ErrInvalidKey
	}
	return nil
}

// GenerateKey returns a random URL-safe API key
func GenerateKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(keyBytes), nil
}

// HashKey hashes a key for storage in configuration
func HashKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// Middleware rejects requests without a valid bearer key, except for skipPaths
func Middleware(checker *KeyChecker, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			if err := checker.Check(token); err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
