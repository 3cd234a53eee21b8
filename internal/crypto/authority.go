// ABOUTME: Signing and verifying authorities built on the derived ed25519 pair
// ABOUTME: Constructed once at startup and passed by handle, never ambient state

package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// SigningAuthority holds the server's ed25519 signing pair. It is built once
// during process initialization from the configured salt and secret and
// handed to every component that mints or checks server-issued signatures.
type SigningAuthority struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewSigningAuthority derives the server signing pair from salt and secret.
// The same inputs always produce the same pair, so tokens survive restarts
// as long as the material is persisted.
func NewSigningAuthority(salt, secret []byte) (*SigningAuthority, error) {
	pub, priv, err := DeriveKeyPair(salt, secret)
	if err != nil {
		return nil, fmt.Errorf("deriving signing authority: %w", err)
	}
	return &SigningAuthority{pub: pub, priv: priv}, nil
}

// Sign signs message with the server's private key.
func (a *SigningAuthority) Sign(message []byte) []byte {
	return Sign(message, a.priv)
}

// Verify reports whether sig was produced by this authority over message.
func (a *SigningAuthority) Verify(message, sig []byte) bool {
	return Verify(message, sig, a.pub)
}

// PublicKey returns the authority's public key.
func (a *SigningAuthority) PublicKey() ed25519.PublicKey {
	return a.pub
}

// VerifyingAuthority wraps a trusted third-party public key, such as the
// federation authority's. It can check signatures but never produce them;
// the type system keeps it from being confused with the server's own key.
type VerifyingAuthority struct {
	pub ed25519.PublicKey
}

// NewVerifyingAuthority validates the key length and wraps the key.
func NewVerifyingAuthority(pub []byte) (*VerifyingAuthority, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("authority public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return &VerifyingAuthority{pub: ed25519.PublicKey(pub)}, nil
}

// Verify reports whether sig is a valid signature by this authority.
func (a *VerifyingAuthority) Verify(message, sig []byte) bool {
	return Verify(message, sig, a.pub)
}
