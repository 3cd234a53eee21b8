// ABOUTME: Unit tests for the challenge-response authenticator
// ABOUTME: Validation, registration races, and challenge state transitions

package authn

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perihelion-labs/principal-gateway/internal/crypto"
	"github.com/perihelion-labs/principal-gateway/internal/identity"
	"github.com/perihelion-labs/principal-gateway/internal/store"
)

// newTestAuthenticator wires an authenticator to a real SQLite store in a
// temp directory.
func newTestAuthenticator(t *testing.T) (*Authenticator, *store.SQLiteStore) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	authority, err := crypto.NewSigningAuthority(salt, []byte("server-secret"))
	require.NoError(t, err)

	return New(s, authority, nil), s
}

// registerTestUser registers a user whose verify key is derived from the
// given password, the way a real client would.
func registerTestUser(t *testing.T, a *Authenticator, name, password string) int64 {
	t.Helper()

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	verifyKey, _, err := crypto.DeriveKeyPair(salt, []byte(password))
	require.NoError(t, err)

	id, err := a.Register(context.Background(), name, salt, verifyKey, &store.UserProfile{Nickname: name})
	require.NoError(t, err)
	return id
}

func TestRegister_EmptyUserName(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	for _, name := range []string{"", "   ", "\t"} {
		_, err := a.Register(context.Background(), name, make([]byte, crypto.SaltLength), make([]byte, crypto.VerifyKeyLength), nil)
		assert.ErrorIs(t, err, identity.ErrInvalidUserName)
	}
}

func TestRegister_InvalidLengths(t *testing.T) {
	a, s := newTestAuthenticator(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		salt      []byte
		verifyKey []byte
		field     string
	}{
		{name: "short salt", salt: make([]byte, 16), verifyKey: make([]byte, crypto.VerifyKeyLength), field: "salt"},
		{name: "long salt", salt: make([]byte, 64), verifyKey: make([]byte, crypto.VerifyKeyLength), field: "salt"},
		{name: "empty salt", salt: nil, verifyKey: make([]byte, crypto.VerifyKeyLength), field: "salt"},
		{name: "short key", salt: make([]byte, crypto.SaltLength), verifyKey: make([]byte, 31), field: "verifyKey"},
		{name: "long key", salt: make([]byte, crypto.SaltLength), verifyKey: make([]byte, 33), field: "verifyKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Register(ctx, "alice", tt.salt, tt.verifyKey, nil)

			var lenErr *identity.InvalidLengthError
			require.ErrorAs(t, err, &lenErr)
			assert.Equal(t, tt.field, lenErr.Field)

			// Nothing is written before the lengths check out.
			exists, err := s.UserNameExists(ctx, "alice")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	registerTestUser(t, a, "alice", "password")

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	verifyKey, _, err := crypto.DeriveKeyPair(salt, []byte("other"))
	require.NoError(t, err)

	_, err = a.Register(context.Background(), "alice", salt, verifyKey, nil)
	assert.ErrorIs(t, err, identity.ErrUserAlreadyExists)
}

func TestRegister_ConcurrentSameName(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	verifyKey, _, err := crypto.DeriveKeyPair(salt, []byte("pw"))
	require.NoError(t, err)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = a.Register(ctx, "alice", salt, verifyKey, nil)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, identity.ErrUserAlreadyExists)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent registration may win")
}

func TestGenerateChallenge_UnknownUser(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	_, err := a.GenerateChallenge(context.Background(), "ghost")
	assert.ErrorIs(t, err, identity.ErrUnknownUser)
}

func TestGenerateChallenge_EmptyUserName(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	_, err := a.GenerateChallenge(context.Background(), "")
	assert.ErrorIs(t, err, identity.ErrInvalidUserName)
}

func TestGenerateChallenge_ReturnsStoredSalt(t *testing.T) {
	a, s := newTestAuthenticator(t)
	ctx := context.Background()

	registerTestUser(t, a, "alice", "password")

	challenge, err := a.GenerateChallenge(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", challenge.UserName)
	assert.Len(t, challenge.Nonce, crypto.NonceLength)

	salt, err := s.Salt(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, salt, challenge.Salt)
}

func TestGenerateChallenge_SupersedesPrevious(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	registerTestUser(t, a, "alice", "password")

	first, err := a.GenerateChallenge(ctx, "alice")
	require.NoError(t, err)
	second, err := a.GenerateChallenge(ctx, "alice")
	require.NoError(t, err)

	assert.False(t, bytes.Equal(first.Nonce, second.Nonce), "a new challenge must carry a new nonce")
}

func TestVerifyChallenge_NoPendingChallenge(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	registerTestUser(t, a, "alice", "password")

	_, err := a.VerifyChallenge(context.Background(), "alice", nil, []byte("sig"))
	assert.ErrorIs(t, err, identity.ErrVerification)
}

func TestVerifyChallenge_NonceMismatch(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	registerTestUser(t, a, "alice", "password")

	challenge, err := a.GenerateChallenge(ctx, "alice")
	require.NoError(t, err)

	wrong := make([]byte, len(challenge.Nonce))
	copy(wrong, challenge.Nonce)
	wrong[0] ^= 0xff

	_, err = a.VerifyChallenge(ctx, "alice", wrong, []byte("sig"))
	assert.ErrorIs(t, err, identity.ErrVerification)
}

func TestAssociateUnp_RotatesCredentials(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	userID := registerTestUser(t, a, "alice", "old-password")

	newSalt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	newKey, _, err := crypto.DeriveKeyPair(newSalt, []byte("new-password"))
	require.NoError(t, err)
	require.NoError(t, a.AssociateUnp(ctx, "alice", newSalt, newKey))

	// The old password no longer satisfies a challenge; the new one does.
	challenge, err := a.GenerateChallenge(ctx, "alice")
	require.NoError(t, err)
	_, oldPriv, err := crypto.DeriveKeyPair(challenge.Salt, []byte("old-password"))
	require.NoError(t, err)
	_, err = a.VerifyChallenge(ctx, "alice", challenge.Nonce, crypto.Sign(challenge.Nonce, oldPriv))
	assert.ErrorIs(t, err, identity.ErrVerification)

	challenge, err = a.GenerateChallenge(ctx, "alice")
	require.NoError(t, err)
	_, newPriv, err := crypto.DeriveKeyPair(challenge.Salt, []byte("new-password"))
	require.NoError(t, err)
	signed, err := a.VerifyChallenge(ctx, "alice", challenge.Nonce, crypto.Sign(challenge.Nonce, newPriv))
	require.NoError(t, err)
	assert.Equal(t, userID, signed.UserID)
}

func TestAssociateUnp_InvalidLength(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	registerTestUser(t, a, "alice", "password")

	err := a.AssociateUnp(context.Background(), "alice", make([]byte, 8), make([]byte, crypto.VerifyKeyLength))
	var lenErr *identity.InvalidLengthError
	assert.ErrorAs(t, err, &lenErr)
}

func TestAssociateUnp_UnknownUser(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	err := a.AssociateUnp(context.Background(), "ghost", make([]byte, crypto.SaltLength), make([]byte, crypto.VerifyKeyLength))
	assert.ErrorIs(t, err, identity.ErrUnknownUser)
}
