package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// SignaturePrefix precedes the hex digest in webhook signature headers
const SignaturePrefix = "sha256="

// GenerateSecret returns a fresh random per-job secret
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SignLease proves possession of a lease: hex(HMAC-SHA256(secret, jobID ":" leaseID))
func SignLease(secret, jobID, leaseID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(jobID + ":" + leaseID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyLease checks a lease signature in constant time
func VerifyLease(secret, jobID, leaseID, signature string) bool {
	if secret == "" || leaseID == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(SignLease(secret, jobID, leaseID))
	return hmac.Equal(got, want)
}

// SignPayload returns the webhook signature header value for body
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a webhook signature header against body
func VerifyPayload(secret string, body []byte, header string) bool {
	digest := strings.TrimPrefix(header, SignaturePrefix)
	got, err := hex.DecodeString(digest)
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(strings.TrimPrefix(SignPayload(secret, body), SignaturePrefix))
	return hmac.Equal(got, want)
}

// GenerateToken returns a new encoder token and the bcrypt hash to persist.
// Only the hash is stored; the token is shown to the encoder once.
func GenerateToken() (token, hash string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = base64.URLEncoding.EncodeToString(tokenBytes)

	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash token: %w", err)
	}
	return token, string(hashed), nil
}

// CompareToken validates a presented token against a stored hash
func CompareToken(hash, token string) error {
	if hash == "" || token == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// APIKeyManager manages API keys for authentication
type APIKeyManager struct {
	keys map[string]string // key -> description
	mu   sync.RWMutex
}

// NewAPIKeyManager creates a new API key manager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		keys: make(map[string]string),
	}
}

// AddAPIKey registers a configured key
func (akm *APIKeyManager) AddAPIKey(apiKey, description string) {
	if apiKey == "" {
		return
	}
	akm.mu.Lock()
	defer akm.mu.Unlock()

	akm.keys[apiKey] = description
}

// GenerateAPIKey generates a new API key
func (akm *APIKeyManager) GenerateAPIKey(description string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}

	apiKey := base64.URLEncoding.EncodeToString(keyBytes)
	akm.AddAPIKey(apiKey, description)
	return apiKey, nil
}

// Enabled reports whether any key is configured
func (akm *APIKeyManager) Enabled() bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()
	return len(akm.keys) > 0
}

// ValidateAPIKey validates an API key, comparing every configured key in
// constant time
func (akm *APIKeyManager) ValidateAPIKey(apiKey string) bool {
	akm.mu.RLock()
	defer akm.mu.RUnlock()

	ok := false
	for k := range akm.keys {
		if SecureCompare(k, apiKey) {
			ok = true
		}
	}
	return ok
}

// RevokeAPIKey revokes an API key
func (akm *APIKeyManager) RevokeAPIKey(apiKey string) {
	akm.mu.Lock()
	defer akm.mu.Unlock()

	delete(akm.keys, apiKey)
}

// SetAPIKeys makes keys the exact configured set, revoking any key not in
// it. Keys already present keep their description.
func (akm *APIKeyManager) SetAPIKeys(keys []string, description string) (added, revoked int) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			want[k] = struct{}{}
		}
	}

	akm.mu.RLock()
	var stale []string
	for k := range akm.keys {
		if _, ok := want[k]; !ok {
			stale = append(stale, k)
		}
	}
	for k := range want {
		if _, ok := akm.keys[k]; ok {
			delete(want, k)
		}
	}
	akm.mu.RUnlock()

	for _, k := range stale {
		akm.RevokeAPIKey(k)
	}
	for k := range want {
		akm.AddAPIKey(k, description)
	}
	return len(want), len(stale)
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
