// ABOUTME: Tests for token verification against a real SQLite store
// ABOUTME: Signature checks plus the principal re-check that kills stale tokens

package authn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perihelion-labs/principal-gateway/internal/crypto"
	"github.com/perihelion-labs/principal-gateway/internal/identity"
)

// mintTestToken runs a full challenge-response login for the user and
// returns the encoded token.
func mintTestToken(t *testing.T, a *Authenticator, name, password string) string {
	t.Helper()
	ctx := context.Background()

	challenge, err := a.GenerateChallenge(ctx, name)
	require.NoError(t, err)
	_, priv, err := crypto.DeriveKeyPair(challenge.Salt, []byte(password))
	require.NoError(t, err)
	signed, err := a.VerifyChallenge(ctx, name, challenge.Nonce, crypto.Sign(challenge.Nonce, priv))
	require.NoError(t, err)

	return identity.EncodeToken(*signed)
}

func TestVerifyToken_RoundTrip(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	userID := registerTestUser(t, a, "alice", "alice-password")
	token := mintTestToken(t, a, "alice", "alice-password")

	signed, err := a.VerifyToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, Scope, signed.Scope)
	assert.Equal(t, "alice", signed.ID)
	assert.Equal(t, userID, signed.UserID)
}

func TestVerifyToken_DiesWithAssociation(t *testing.T) {
	a, s := newTestAuthenticator(t)
	ctx := context.Background()

	userID := registerTestUser(t, a, "alice", "alice-password")
	token := mintTestToken(t, a, "alice", "alice-password")

	_, err := a.VerifyToken(ctx, token)
	require.NoError(t, err)

	// Removing the association invalidates every token minted for it, even
	// though the server signature on the token is still intact.
	require.NoError(t, s.Disassociate(ctx, userID, Scope))
	_, err = a.VerifyToken(ctx, token)
	assert.ErrorIs(t, err, identity.ErrVerification)
}

func TestVerifyToken_ReassociatedPrincipal(t *testing.T) {
	a, s := newTestAuthenticator(t)
	ctx := context.Background()

	aliceID := registerTestUser(t, a, "alice", "alice-password")
	bobID := registerTestUser(t, a, "bob", "bob-password")
	token := mintTestToken(t, a, "alice", "alice-password")

	// The principal now resolves to a different user than the token names.
	require.NoError(t, s.Disassociate(ctx, aliceID, Scope))
	require.NoError(t, s.Associate(ctx, bobID, Scope, "alice"))

	_, err := a.VerifyToken(ctx, token)
	assert.ErrorIs(t, err, identity.ErrVerification)
}

func TestVerifyToken_ForeignAuthority(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	userID := registerTestUser(t, a, "alice", "alice-password")

	otherSalt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	other, err := crypto.NewSigningAuthority(otherSalt, []byte("other-secret"))
	require.NoError(t, err)

	resolved := identity.ResolvedPrincipal{
		Principal: identity.Principal{Scope: Scope, ID: "alice"},
		UserID:    userID,
	}
	forged := identity.SignedPrincipal{
		ResolvedPrincipal: resolved,
		Signature:         other.Sign(resolved.SignaturePayload()),
	}

	_, err = a.VerifyToken(ctx, identity.EncodeToken(forged))
	assert.ErrorIs(t, err, identity.ErrVerification)
}

func TestVerifyToken_Malformed(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	_, err := a.VerifyToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, identity.ErrMalformedToken)
}
