// ABOUTME: Cryptographic primitives for challenge-response authentication
// ABOUTME: Salt/nonce generation, argon2-seeded ed25519 derivation, constant-time compares

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltLength is the required length of stored credential salts.
	SaltLength = 32

	// NonceLength is the length of challenge nonces.
	NonceLength = 32

	// VerifyKeyLength is the required length of stored verification keys.
	VerifyKeyLength = ed25519.PublicKeySize
)

// argon2id parameters for seed derivation. Changing these invalidates
// every key pair derived from previously stored salts.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// GenerateSalt returns SaltLength bytes of cryptographically random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// GenerateNonce returns a fresh NonceLength challenge nonce. When a previous
// nonce is supplied it is folded into the output, so a discarded challenge
// can never be replayed to validate a later one.
func GenerateNonce(previous []byte) ([]byte, error) {
	fresh := make([]byte, NonceLength)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	if len(previous) == 0 {
		return fresh, nil
	}

	h := sha256.New()
	h.Write(previous)
	h.Write(fresh)
	return h.Sum(nil)[:NonceLength], nil
}

// DeriveKeyPair deterministically derives an ed25519 key pair from a salt and
// secret. The server signing pair is regenerated from stored material at
// startup instead of persisting the private key; clients derive their login
// key the same way from their password.
func DeriveKeyPair(salt, secret []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(salt) != SaltLength {
		return nil, nil, fmt.Errorf("salt must be %d bytes, got %d", SaltLength, len(salt))
	}
	if len(secret) == 0 {
		return nil, nil, fmt.Errorf("secret must not be empty")
	}

	seed := argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// Sign signs a message with an ed25519 private key.
func Sign(message []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid ed25519 signature over message.
// Keys of the wrong length are rejected rather than passed to the verifier.
func Verify(message, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
