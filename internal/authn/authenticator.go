// ABOUTME: Challenge-response authenticator for username/password logins
// ABOUTME: Registration, challenge issuance, and single-use challenge verification

package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/perihelion-labs/principal-gateway/internal/crypto"
	"github.com/perihelion-labs/principal-gateway/internal/identity"
	"github.com/perihelion-labs/principal-gateway/internal/store"
)

// Scope is the local username/password authentication realm.
const Scope = "unp"

// Challenge is the (salt, nonce) pair a client signs to prove possession of
// the private key derived from their password.
type Challenge struct {
	UserName string
	Nonce    []byte
	Salt     []byte
}

// Authenticator orchestrates username/password authentication. Challenge
// state per username is the only mutable shared resource; it is serialized
// with a per-user lock on top of the repository's transactions.
type Authenticator struct {
	repo      store.Repository
	authority *crypto.SigningAuthority
	locks     *userLocks
	logger    *slog.Logger
}

// New creates an authenticator backed by the given repository and server
// signing authority.
func New(repo store.Repository, authority *crypto.SigningAuthority, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		repo:      repo,
		authority: authority,
		locks:     newUserLocks(),
		logger:    logger.With("component", "authn"),
	}
}

// Register creates a username/password user. The salt and verify key lengths
// are checked before anything touches storage, and the existence check plus
// insert run in one transaction so concurrent first registrations cannot
// both succeed.
func (a *Authenticator) Register(ctx context.Context, userName string, salt, verifyKey []byte, profile *store.UserProfile) (int64, error) {
	if err := validateUserName(userName); err != nil {
		return 0, err
	}
	if err := validateLengths(salt, verifyKey); err != nil {
		return 0, err
	}

	release := a.locks.acquire(userName)
	defer release()

	var userID int64
	err := a.repo.WithTx(ctx, func(r store.Repository) error {
		exists, err := r.UserNameExists(ctx, userName)
		if err != nil {
			return fmt.Errorf("checking username: %w", err)
		}
		if exists {
			return identity.ErrUserAlreadyExists
		}

		userID, err = r.CreateUserWithCredentials(ctx, userName, salt, verifyKey, profile)
		if err != nil {
			if errors.Is(err, store.ErrUsernameExists) {
				return identity.ErrUserAlreadyExists
			}
			return fmt.Errorf("creating user: %w", err)
		}
		return r.Associate(ctx, userID, Scope, userName)
	})
	if err != nil {
		return 0, err
	}

	a.logger.Info("user registered", "user", userName, "user_id", userID)
	return userID, nil
}

// AssociateUnp rotates a user's credentials, replacing salt and verify key
// wholesale. Lengths are validated before any write.
func (a *Authenticator) AssociateUnp(ctx context.Context, userName string, salt, verifyKey []byte) error {
	if err := validateUserName(userName); err != nil {
		return err
	}
	if err := validateLengths(salt, verifyKey); err != nil {
		return err
	}

	release := a.locks.acquire(userName)
	defer release()

	if err := a.repo.ReplaceCredentials(ctx, userName, salt, verifyKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return identity.ErrUnknownUser
		}
		return fmt.Errorf("rotating credentials: %w", err)
	}

	a.logger.Info("credentials rotated", "user", userName)
	return nil
}

// GenerateChallenge issues a fresh challenge for the user. The next nonce is
// derived from any prior nonce, so an abandoned challenge cannot later be
// replayed; the stored record always supersedes the previous one.
func (a *Authenticator) GenerateChallenge(ctx context.Context, userName string) (*Challenge, error) {
	if err := validateUserName(userName); err != nil {
		return nil, err
	}

	release := a.locks.acquire(userName)
	defer release()

	var challenge *Challenge
	err := a.repo.WithTx(ctx, func(r store.Repository) error {
		salt, err := r.Salt(ctx, userName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return identity.ErrUnknownUser
			}
			return fmt.Errorf("reading salt: %w", err)
		}

		previous, _, err := r.LastNonce(ctx, userName)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reading previous nonce: %w", err)
		}

		nonce, err := crypto.GenerateNonce(previous)
		if err != nil {
			return err
		}
		if err := r.StoreNonce(ctx, userName, nonce); err != nil {
			return err
		}

		challenge = &Challenge{UserName: userName, Nonce: nonce, Salt: salt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Debug("challenge issued", "user", userName)
	return challenge, nil
}

// VerifyChallenge consumes the user's pending challenge. The stored nonce is
// expired before any check can fail, so a second attempt against the same
// nonce never succeeds regardless of the first attempt's outcome. On success
// the resolved principal is signed with the server authority.
func (a *Authenticator) VerifyChallenge(ctx context.Context, userName string, expectedNonce, signature []byte) (*identity.SignedPrincipal, error) {
	if err := validateUserName(userName); err != nil {
		return nil, err
	}

	release := a.locks.acquire(userName)
	defer release()

	// Read the challenge state and spend it in one committed unit. The
	// expiry must stick even when a check below fails, so the checks stay
	// outside the transaction: a rollback would resurrect the nonce.
	var (
		nonce     []byte
		verified  bool
		nonceErr  error
		verifyKey []byte
		keyErr    error
	)
	err := a.repo.WithTx(ctx, func(r store.Repository) error {
		nonce, verified, nonceErr = r.LastNonce(ctx, userName)
		verifyKey, keyErr = r.VerifyKey(ctx, userName)
		return r.ExpireNonce(ctx, userName)
	})
	if err != nil {
		return nil, err
	}

	if nonceErr != nil {
		if errors.Is(nonceErr, store.ErrNotFound) {
			return nil, a.reject(userName, "no pending challenge")
		}
		return nil, fmt.Errorf("reading nonce: %w", nonceErr)
	}
	if verified {
		return nil, a.reject(userName, "challenge already consumed")
	}
	if expectedNonce != nil && !crypto.ConstantTimeEqual(expectedNonce, nonce) {
		return nil, a.reject(userName, "nonce mismatch")
	}

	if keyErr != nil {
		if errors.Is(keyErr, store.ErrNotFound) {
			return nil, a.reject(userName, "no stored credentials")
		}
		return nil, fmt.Errorf("reading verify key: %w", keyErr)
	}
	if !crypto.Verify(nonce, signature, verifyKey) {
		return nil, a.reject(userName, "signature mismatch")
	}

	userID, err := a.repo.FindUserID(ctx, Scope, userName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, a.reject(userName, "no principal association")
		}
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	resolved := identity.ResolvedPrincipal{
		Principal: identity.Principal{Scope: Scope, ID: userName},
		UserID:    userID,
	}
	signed := &identity.SignedPrincipal{
		ResolvedPrincipal: resolved,
		Signature:         a.authority.Sign(resolved.SignaturePayload()),
	}

	a.logger.Info("challenge verified", "user", userName, "user_id", signed.UserID)
	return signed, nil
}

// VerifyToken checks a presented token end to end: wire decoding, the server
// authority's signature, and the principal mapping. The mapping re-check is
// what ties a token's life to its association: once the user is deleted or
// the (scope, id) pair is disassociated, every token minted for it stops
// verifying. Tokens of any realm are accepted, not just the local one.
func (a *Authenticator) VerifyToken(ctx context.Context, token string) (*identity.SignedPrincipal, error) {
	signed, err := identity.DecodeToken(token)
	if err != nil {
		return nil, err
	}

	if !a.authority.Verify(signed.SignaturePayload(), signed.Signature) {
		return nil, a.reject(signed.ID, "token signature mismatch")
	}

	userID, err := a.repo.FindUserID(ctx, signed.Scope, signed.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, a.reject(signed.ID, "principal association gone")
		}
		return nil, fmt.Errorf("resolving principal: %w", err)
	}
	if userID != signed.UserID {
		return nil, a.reject(signed.ID, "user id no longer matches")
	}

	return signed, nil
}

// reject logs the precise failure reason and returns the generic
// verification error, so callers cannot distinguish which check failed.
func (a *Authenticator) reject(userName, reason string) error {
	a.logger.Warn("challenge verification failed", "user", userName, "reason", reason)
	return identity.ErrVerification
}

func validateUserName(name string) error {
	if strings.TrimSpace(name) == "" {
		return identity.ErrInvalidUserName
	}
	return nil
}

func validateLengths(salt, verifyKey []byte) error {
	if len(salt) != crypto.SaltLength {
		return &identity.InvalidLengthError{Field: "salt", Expected: crypto.SaltLength, Actual: len(salt)}
	}
	if len(verifyKey) != crypto.VerifyKeyLength {
		return &identity.InvalidLengthError{Field: "verifyKey", Expected: crypto.VerifyKeyLength, Actual: len(verifyKey)}
	}
	return nil
}
