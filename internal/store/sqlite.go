// ABOUTME: SQLite implementation of the Repository port using modernc.org/sqlite
// ABOUTME: Provides user/credential/nonce/group persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so every
// query method works both inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements the Repository port using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	q      dbtx
	logger *slog.Logger
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, q: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			nickname   TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			full_name  TEXT NOT NULL DEFAULT '',
			picture    TEXT NOT NULL DEFAULT '',
			temp       INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		-- Real users and temp placeholders each claim a nickname once, but a
		-- placeholder must not block registration of the real user.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_nickname
			ON users(nickname) WHERE temp = 0;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_temp_nickname
			ON users(nickname) WHERE temp = 1;

		CREATE TABLE IF NOT EXISTS principals (
			scope      TEXT NOT NULL,
			id         TEXT NOT NULL,
			user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (scope, id)
		);

		CREATE INDEX IF NOT EXISTS idx_principals_user ON principals(user_id);

		-- credentials and challenges key on nickname without a foreign key:
		-- users.nickname is only partially unique (temp split), which SQLite
		-- cannot anchor a foreign key on. User deletion is not a port
		-- operation, so these rows have no cascade to miss.
		CREATE TABLE IF NOT EXISTS credentials (
			nickname   TEXT PRIMARY KEY,
			salt       BLOB NOT NULL,
			verify_key BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS challenges (
			nickname   TEXT PRIMARY KEY,
			nonce      BLOB NOT NULL,
			verified   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS groups (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			provider          TEXT NOT NULL,
			provider_group_id TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			description       TEXT NOT NULL DEFAULT '',
			write_allowed     INTEGER NOT NULL DEFAULT 0,
			created_at        DATETIME NOT NULL,
			UNIQUE (provider, provider_group_id)
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_id      INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
			user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			write_allowed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (group_id, user_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn against a transaction-backed copy of the store. A nested
// call joins the transaction already in progress.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Repository) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &SQLiteStore{db: s.db, q: tx, logger: s.logger}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// FindUserID resolves a (scope, id) principal to its local user id.
func (s *SQLiteStore) FindUserID(ctx context.Context, scope, id string) (int64, error) {
	var userID int64
	err := s.q.QueryRowContext(ctx,
		`SELECT user_id FROM principals WHERE scope = ? AND id = ?`,
		scope, id).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("finding user for %s:%s: %w", scope, id, err)
	}
	return userID, nil
}

// Associate records that a (scope, id) principal maps to the given user.
func (s *SQLiteStore) Associate(ctx context.Context, userID int64, scope, id string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO principals (scope, id, user_id, created_at) VALUES (?, ?, ?, ?)`,
		scope, id, userID, now())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAssociationExists
		}
		return fmt.Errorf("associating %s:%s: %w", scope, id, err)
	}
	return nil
}

// Disassociate removes the user's principal mapping for one scope.
func (s *SQLiteStore) Disassociate(ctx context.Context, userID int64, scope string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM principals WHERE user_id = ? AND scope = ?`, userID, scope)
	if err != nil {
		return fmt.Errorf("disassociating scope %s: %w", scope, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUser creates a user from a federation profile and records the
// principal association in the same unit of work. Nicknames are
// first-writer-wins: a profile whose nickname is already held by a real user
// fails with ErrUsernameExists rather than being renamed, and the caller
// surfaces that to the provider side.
func (s *SQLiteStore) CreateUser(ctx context.Context, scope, id string, profile *UserProfile) (int64, error) {
	var userID int64
	err := s.WithTx(ctx, func(r Repository) error {
		tx := r.(*SQLiteStore)
		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO users (nickname, email, full_name, picture, temp, created_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			profile.Nickname, profile.Email, profile.FullName, profile.Picture, now())
		if err != nil {
			if isUniqueConstraintError(err) {
				return ErrUsernameExists
			}
			return fmt.Errorf("inserting user %s: %w", profile.Nickname, err)
		}
		userID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading user id: %w", err)
		}
		return tx.Associate(ctx, userID, scope, id)
	})
	if err != nil {
		return 0, err
	}
	return userID, nil
}

// UserNameExists reports whether a real (non-placeholder) user holds the name.
func (s *SQLiteStore) UserNameExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE nickname = ? AND temp = 0`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking username %s: %w", name, err)
	}
	return true, nil
}

// UserIDByNickname resolves a real user's id from their nickname.
func (s *SQLiteStore) UserIDByNickname(ctx context.Context, nickname string) (int64, error) {
	var userID int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM users WHERE nickname = ? AND temp = 0`, nickname).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolving nickname %s: %w", nickname, err)
	}
	return userID, nil
}

// UserEmail returns the email recorded on a user row. Users created without
// a profile email return the empty string, not ErrNotFound.
func (s *SQLiteStore) UserEmail(ctx context.Context, userID int64) (string, error) {
	var email string
	err := s.q.QueryRowContext(ctx,
		`SELECT email FROM users WHERE id = ?`, userID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading email for user %d: %w", userID, err)
	}
	return email, nil
}

// CreateUserWithCredentials creates a username/password user, their
// credential record, and the local-realm principal association atomically.
func (s *SQLiteStore) CreateUserWithCredentials(ctx context.Context, name string, salt, verifyKey []byte, profile *UserProfile) (int64, error) {
	var userID int64
	err := s.WithTx(ctx, func(r Repository) error {
		tx := r.(*SQLiteStore)

		email, fullName, picture := "", "", ""
		if profile != nil {
			email, fullName, picture = profile.Email, profile.FullName, profile.Picture
		}

		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO users (nickname, email, full_name, picture, temp, created_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			name, email, fullName, picture, now())
		if err != nil {
			if isUniqueConstraintError(err) {
				return ErrUsernameExists
			}
			return fmt.Errorf("inserting user %s: %w", name, err)
		}
		userID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading user id: %w", err)
		}

		if _, err := tx.q.ExecContext(ctx,
			`INSERT INTO credentials (nickname, salt, verify_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			name, salt, verifyKey, now(), now()); err != nil {
			return fmt.Errorf("inserting credentials for %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return userID, nil
}

// ReplaceCredentials swaps a user's salt and verify key wholesale.
func (s *SQLiteStore) ReplaceCredentials(ctx context.Context, name string, salt, verifyKey []byte) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE credentials SET salt = ?, verify_key = ?, updated_at = ? WHERE nickname = ?`,
		salt, verifyKey, now(), name)
	if err != nil {
		return fmt.Errorf("replacing credentials for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Salt returns the stored credential salt for a username.
func (s *SQLiteStore) Salt(ctx context.Context, name string) ([]byte, error) {
	var salt []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT salt FROM credentials WHERE nickname = ?`, name).Scan(&salt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading salt for %s: %w", name, err)
	}
	return salt, nil
}

// VerifyKey returns the stored verification key for a username.
func (s *SQLiteStore) VerifyKey(ctx context.Context, name string) ([]byte, error) {
	var key []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT verify_key FROM credentials WHERE nickname = ?`, name).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading verify key for %s: %w", name, err)
	}
	return key, nil
}

// LastNonce returns the user's current challenge nonce and whether it has
// already been spent.
func (s *SQLiteStore) LastNonce(ctx context.Context, name string) ([]byte, bool, error) {
	var nonce []byte
	var verified bool
	err := s.q.QueryRowContext(ctx,
		`SELECT nonce, verified FROM challenges WHERE nickname = ?`, name).Scan(&nonce, &verified)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading nonce for %s: %w", name, err)
	}
	return nonce, verified, nil
}

// StoreNonce records a fresh unverified challenge nonce, superseding any
// prior record for the username.
func (s *SQLiteStore) StoreNonce(ctx context.Context, name string, nonce []byte) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO challenges (nickname, nonce, verified, created_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT (nickname) DO UPDATE SET nonce = excluded.nonce, verified = 0, created_at = excluded.created_at`,
		name, nonce, now())
	if err != nil {
		return fmt.Errorf("storing nonce for %s: %w", name, err)
	}
	return nil
}

// ExpireNonce spends the user's challenge record. The nonce can never be
// verified again; only a fresh StoreNonce resets the state.
func (s *SQLiteStore) ExpireNonce(ctx context.Context, name string) error {
	if _, err := s.q.ExecContext(ctx,
		`UPDATE challenges SET verified = 1 WHERE nickname = ?`, name); err != nil {
		return fmt.Errorf("expiring nonce for %s: %w", name, err)
	}
	return nil
}

// CreateTempUser creates a placeholder for a remote group member who has
// never logged in.
func (s *SQLiteStore) CreateTempUser(ctx context.Context, nickname string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO users (nickname, temp, created_at) VALUES (?, 1, ?)`,
		nickname, now())
	if err != nil {
		if isUniqueConstraintError(err) {
			return s.LoadTempUser(ctx, nickname)
		}
		return 0, fmt.Errorf("creating temp user %s: %w", nickname, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading temp user id: %w", err)
	}
	return id, nil
}

// LoadTempUser resolves a placeholder id by nickname.
func (s *SQLiteStore) LoadTempUser(ctx context.Context, nickname string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM users WHERE nickname = ? AND temp = 1`, nickname).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("loading temp user %s: %w", nickname, err)
	}
	return id, nil
}

// DeleteTempUser removes a placeholder after its identity has been remapped.
func (s *SQLiteStore) DeleteTempUser(ctx context.Context, nickname string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM users WHERE nickname = ? AND temp = 1`, nickname)
	if err != nil {
		return fmt.Errorf("deleting temp user %s: %w", nickname, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemapTempUserID rewrites every reference to a placeholder so it points at
// the real user record instead.
func (s *SQLiteStore) RemapTempUserID(ctx context.Context, tempID, userID int64) error {
	// OR IGNORE: the real user may already be a member of one of the groups.
	if _, err := s.q.ExecContext(ctx,
		`UPDATE OR IGNORE group_members SET user_id = ? WHERE user_id = ?`, userID, tempID); err != nil {
		return fmt.Errorf("remapping temp user %d to %d: %w", tempID, userID, err)
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM group_members WHERE user_id = ?`, tempID); err != nil {
		return fmt.Errorf("clearing remapped memberships for %d: %w", tempID, err)
	}
	return nil
}

// UpsertRemoteGroup creates or refreshes the local mirror of a provider
// group, keyed by (provider, providerGroupId).
func (s *SQLiteStore) UpsertRemoteGroup(ctx context.Context, provider string, group *RemoteGroup) (int64, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO groups (provider, provider_group_id, name, description, write_allowed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_group_id) DO UPDATE SET
		 	name = excluded.name, description = excluded.description, write_allowed = excluded.write_allowed`,
		provider, group.GroupID, group.GroupName, group.Description, group.Write, now())
	if err != nil {
		return 0, fmt.Errorf("upserting group %s/%s: %w", provider, group.GroupID, err)
	}

	var id int64
	err = s.q.QueryRowContext(ctx,
		`SELECT id FROM groups WHERE provider = ? AND provider_group_id = ?`,
		provider, group.GroupID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reading group id for %s/%s: %w", provider, group.GroupID, err)
	}
	return id, nil
}

// AddGroupMember records a group membership, keeping an existing row's
// write flag if the membership is already present.
func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupID, userID int64, write bool) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, write_allowed) VALUES (?, ?, ?)
		 ON CONFLICT (group_id, user_id) DO UPDATE SET write_allowed = excluded.write_allowed`,
		groupID, userID, write)
	if err != nil {
		return fmt.Errorf("adding member %d to group %d: %w", userID, groupID, err)
	}
	return nil
}

// GroupMembers lists the user ids (real and placeholder) in a group.
func (s *SQLiteStore) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members of group %d: %w", groupID, err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// now returns the current UTC time formatted for storage.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
