// ABOUTME: Repository port and data types for principal persistence
// ABOUTME: Defines users, credentials, nonces, associations, groups, temp users

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrUsernameExists is returned when creating a user with a taken username.
var ErrUsernameExists = errors.New("username already exists")

// ErrAssociationExists is returned when a (scope, id) pair is already mapped
// to a user. The mapping is created once and never reassigned.
var ErrAssociationExists = errors.New("principal association already exists")

// UserProfile carries the attributes recorded when a user is created.
type UserProfile struct {
	Nickname string
	Email    string
	FullName string
	Picture  string
}

// RemoteGroup is one group membership snapshot reported by an external
// provider on a federated login. Members are provider-side nicknames.
// Write defaults to false: membership is read-only unless the provider's
// group record says otherwise.
type RemoteGroup struct {
	GroupID     string
	GroupName   string
	Description string
	Members     []string
	Write       bool
}

// Group is a local group lazily mirrored from a provider group.
type Group struct {
	ID              int64
	Provider        string
	ProviderGroupID string
	Name            string
	Description     string
}

// Repository is the storage port the protocol depends on. Persistence
// details live behind it; the protocol relies only on these operations and
// on WithTx for its atomic units of work.
type Repository interface {
	// Principal associations. A (scope, id) pair maps to at most one user.
	FindUserID(ctx context.Context, scope, id string) (int64, error)
	Associate(ctx context.Context, userID int64, scope, id string) error
	Disassociate(ctx context.Context, userID int64, scope string) error

	// Users.
	CreateUser(ctx context.Context, scope, id string, profile *UserProfile) (int64, error)
	UserNameExists(ctx context.Context, name string) (bool, error)
	UserIDByNickname(ctx context.Context, nickname string) (int64, error)
	UserEmail(ctx context.Context, userID int64) (string, error)

	// Username/password credentials. Salt and verify key are written once at
	// registration and replaced wholesale on rotation.
	CreateUserWithCredentials(ctx context.Context, name string, salt, verifyKey []byte, profile *UserProfile) (int64, error)
	ReplaceCredentials(ctx context.Context, name string, salt, verifyKey []byte) error
	Salt(ctx context.Context, name string) ([]byte, error)
	VerifyKey(ctx context.Context, name string) ([]byte, error)

	// Challenge nonces. One active record per username. StoreNonce always
	// supersedes the prior record; ExpireNonce spends the record so it can
	// never validate again.
	LastNonce(ctx context.Context, name string) (nonce []byte, verified bool, err error)
	StoreNonce(ctx context.Context, name string, nonce []byte) error
	ExpireNonce(ctx context.Context, name string) error

	// Temporary placeholders for remote group members who have never logged in.
	CreateTempUser(ctx context.Context, nickname string) (int64, error)
	LoadTempUser(ctx context.Context, nickname string) (int64, error)
	DeleteTempUser(ctx context.Context, nickname string) error
	RemapTempUserID(ctx context.Context, tempID, userID int64) error

	// Groups mirrored from federation results.
	UpsertRemoteGroup(ctx context.Context, provider string, group *RemoteGroup) (int64, error)
	AddGroupMember(ctx context.Context, groupID, userID int64, write bool) error
	GroupMembers(ctx context.Context, groupID int64) ([]int64, error)

	// WithTx runs fn against a transaction-backed Repository. The whole unit
	// commits or rolls back together. Nested calls join the outer transaction.
	WithTx(ctx context.Context, fn func(Repository) error) error
}
