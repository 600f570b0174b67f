package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseSignature(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	sig := SignLease(secret, "job-1", "lease-1")
	assert.True(t, VerifyLease(secret, "job-1", "lease-1", sig))

	assert.False(t, VerifyLease(secret, "job-1", "lease-2", sig), "other lease")
	assert.False(t, VerifyLease(secret, "job-2", "lease-1", sig), "other job")
	assert.False(t, VerifyLease("other-secret", "job-1", "lease-1", sig), "other secret")
	assert.False(t, VerifyLease(secret, "job-1", "", sig), "no lease held")
	assert.False(t, VerifyLease(secret, "job-1", "lease-1", "not-hex"))
}

func TestPayloadSignature(t *testing.T) {
	body := []byte(`{"event":"completed","job_id":"j"}`)
	header := SignPayload("s3cret", body)

	assert.Equal(t, SignaturePrefix, header[:len(SignaturePrefix)])
	assert.True(t, VerifyPayload("s3cret", body, header))
	assert.False(t, VerifyPayload("s3cret", append(body, ' '), header))
	assert.False(t, VerifyPayload("wrong", body, header))
	assert.False(t, VerifyPayload("s3cret", body, "sha256="))
}

func TestEncoderTokens(t *testing.T) {
	token, hash, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, hash)

	assert.NoError(t, CompareToken(hash, token))
	assert.ErrorIs(t, CompareToken(hash, token+"x"), ErrInvalidToken)
	assert.ErrorIs(t, CompareToken("", token), ErrInvalidToken)
}

func TestAPIKeyManager(t *testing.T) {
	akm := NewAPIKeyManager()
	assert.False(t, akm.Enabled())

	akm.AddAPIKey("static-key", "config")
	generated, err := akm.GenerateAPIKey("cli")
	require.NoError(t, err)

	assert.True(t, akm.Enabled())
	assert.True(t, akm.ValidateAPIKey("static-key"))
	assert.True(t, akm.ValidateAPIKey(generated))
	assert.False(t, akm.ValidateAPIKey("nope"))

	akm.RevokeAPIKey("static-key")
	assert.False(t, akm.ValidateAPIKey("static-key"))
}

func TestSetAPIKeys(t *testing.T) {
	akm := NewAPIKeyManager()
	added, revoked := akm.SetAPIKeys([]string{"a", "b", ""}, "config")
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, revoked)

	added, revoked = akm.SetAPIKeys([]string{"b", "c"}, "config")
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, revoked)

	assert.False(t, akm.ValidateAPIKey("a"))
	assert.True(t, akm.ValidateAPIKey("b"))
	assert.True(t, akm.ValidateAPIKey("c"))
}
