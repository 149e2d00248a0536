package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key-that-is-32-byte")

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// Each call generates a unique token
	token2, err := GenerateSecureToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)

	// 32 random bytes, unpadded base64
	assert.Len(t, token, 43)
	assert.NotContains(t, token, "=")
}

func TestHashPassword(t *testing.T) {
	hashed, err := HashPassword("s3rvice-pass")
	require.NoError(t, err)

	assert.NotEqual(t, []byte("s3rvice-pass"), hashed)
	assert.True(t, CheckPassword(hashed, "s3rvice-pass"))
	assert.False(t, CheckPassword(hashed, "wrong"))

	// Same password produces different hashes due to salt
	hashed2, err := HashPassword("s3rvice-pass")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, hashed2)
}

func TestSignedData(t *testing.T) {
	sig := SignData("payload", testKey)
	assert.True(t, ValidateSignedData("payload", sig, testKey))
	assert.False(t, ValidateSignedData("payload2", sig, testKey))
	assert.False(t, ValidateSignedData("payload", sig, []byte("another-key-another-key-another!!")))
}

func TestEncryptor(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		enc, err := NewEncryptor([]byte("test-encryption-key-32-bytes-ok!"))
		require.NoError(t, err)

		ciphertext, err := enc.Encrypt("/cuenta/pedidos")
		require.NoError(t, err)
		assert.NotContains(t, ciphertext, "/cuenta/pedidos")

		plaintext, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "/cuenta/pedidos", plaintext)
	})

	t.Run("short key", func(t *testing.T) {
		_, err := NewEncryptor([]byte("short"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key must be 32 bytes")
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		enc, err := NewEncryptor([]byte("test-encryption-key-32-bytes-ok!"))
		require.NoError(t, err)

		_, err = enc.Decrypt("bm90LXJlYWwtY2lwaGVydGV4dC1hdC1hbGw=")
		assert.Error(t, err)

		_, err = enc.Decrypt("%%%")
		assert.Error(t, err)
	})
}

type loginState struct {
	Nonce     string `json:"nonce"`
	SessionID string `json:"sid"`
}

func TestTokenSigner(t *testing.T) {
	signer := NewTokenSigner(testKey, 10*time.Minute)

	t.Run("round trip", func(t *testing.T) {
		token, err := signer.Sign(loginState{Nonce: "n", SessionID: "s1"})
		require.NoError(t, err)

		var got loginState
		require.NoError(t, signer.Verify(token, &got))
		assert.Equal(t, loginState{Nonce: "n", SessionID: "s1"}, got)
	})

	t.Run("tampered signature", func(t *testing.T) {
		token, err := signer.Sign(loginState{Nonce: "n"})
		require.NoError(t, err)

		var got loginState
		err = signer.Verify(token+"x", &got)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("bad format", func(t *testing.T) {
		var got loginState
		assert.ErrorIs(t, signer.Verify("no-dot-here", &got), ErrInvalidToken)
	})

	t.Run("wrong key", func(t *testing.T) {
		token, err := signer.Sign(loginState{Nonce: "n"})
		require.NoError(t, err)

		other := NewTokenSigner([]byte("another-key-another-key-another!!"), time.Minute)
		var got loginState
		assert.ErrorIs(t, other.Verify(token, &got), ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		past := NewTokenSigner(testKey, time.Minute)
		past.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
		token, err := past.Sign(loginState{Nonce: "n"})
		require.NoError(t, err)

		var got loginState
		assert.ErrorIs(t, signer.Verify(token, &got), ErrTokenExpired)
	})
}

func TestCSRFProtection(t *testing.T) {
	csrf := NewCSRFProtection(testKey, time.Hour)

	token, err := csrf.Generate("session-a")
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, ":"), 3)

	assert.True(t, csrf.Validate("session-a", token))
	assert.False(t, csrf.Validate("session-b", token), "token bound to another session")
	assert.False(t, csrf.Validate("session-a", "garbage"))
	assert.False(t, csrf.Validate("session-a", "a:notanumber:sig"))

	expired := NewCSRFProtection(testKey, -time.Second)
	assert.False(t, expired.Validate("session-a", token))
}
