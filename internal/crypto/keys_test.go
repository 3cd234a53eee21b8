// ABOUTME: Unit tests for salt/nonce generation and ed25519 key derivation
// ABOUTME: Covers deterministic derivation, nonce chaining, constant-time compares

package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSalt_Length(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt, SaltLength)
}

func TestGenerateSalt_Unique(t *testing.T) {
	a, err := GenerateSalt()
	require.NoError(t, err)
	b, err := GenerateSalt()
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "two salts should not collide")
}

func TestGenerateNonce_Length(t *testing.T) {
	nonce, err := GenerateNonce(nil)
	require.NoError(t, err)
	assert.Len(t, nonce, NonceLength)

	chained, err := GenerateNonce(nonce)
	require.NoError(t, err)
	assert.Len(t, chained, NonceLength)
}

func TestGenerateNonce_DiffersFromPrevious(t *testing.T) {
	first, err := GenerateNonce(nil)
	require.NoError(t, err)

	second, err := GenerateNonce(first)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(first, second), "successive nonces must differ")
}

func TestDeriveKeyPair_Deterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	secret := []byte("correct horse battery staple")

	pub1, priv1, err := DeriveKeyPair(salt, secret)
	require.NoError(t, err)
	pub2, priv2, err := DeriveKeyPair(salt, secret)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}

func TestDeriveKeyPair_SaltChangesKeys(t *testing.T) {
	salt1, err := GenerateSalt()
	require.NoError(t, err)
	salt2, err := GenerateSalt()
	require.NoError(t, err)
	secret := []byte("same secret")

	pub1, _, err := DeriveKeyPair(salt1, secret)
	require.NoError(t, err)
	pub2, _, err := DeriveKeyPair(salt2, secret)
	require.NoError(t, err)

	assert.NotEqual(t, pub1, pub2)
}

func TestDeriveKeyPair_BadInputs(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	_, _, err = DeriveKeyPair(salt[:16], []byte("secret"))
	assert.Error(t, err, "short salt must be rejected")

	_, _, err = DeriveKeyPair(salt, nil)
	assert.Error(t, err, "empty secret must be rejected")
}

func TestSignVerify(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	pub, priv, err := DeriveKeyPair(salt, []byte("secret"))
	require.NoError(t, err)

	message := []byte("unp:alice:1")
	sig := Sign(message, priv)

	assert.True(t, Verify(message, sig, pub))
	assert.False(t, Verify([]byte("unp:alice:2"), sig, pub))
	assert.False(t, Verify(message, sig[:len(sig)-1], pub))
}

func TestVerify_WrongKeyLength(t *testing.T) {
	assert.False(t, Verify([]byte("msg"), []byte("sig"), []byte("short-key")))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abcd")))
	assert.True(t, ConstantTimeEqual(nil, nil))
}
