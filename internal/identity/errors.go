// ABOUTME: Error taxonomy for the authentication and federation protocol
// ABOUTME: Precise kinds for internal logging, generic rejection at the surface

package identity

import (
	"errors"
	"fmt"
)

// ErrInvalidUserName is returned when a username is empty or missing.
var ErrInvalidUserName = errors.New("invalid user name")

// ErrUserAlreadyExists is returned on duplicate registration.
var ErrUserAlreadyExists = errors.New("user already exists")

// ErrUnknownUser is returned when a challenge is requested for an
// unregistered name.
var ErrUnknownUser = errors.New("unknown user")

// ErrVerification covers every authentication rejection: nonce mismatch,
// signature mismatch, spent or absent challenges, and domain restrictions.
// Callers surface it generically so error content cannot be used to
// enumerate usernames; the precise cause is logged server-side.
var ErrVerification = errors.New("verification failed")

// ErrProfileRequired is returned when a first-time federated login arrives
// without the profile needed to create the local user.
var ErrProfileRequired = errors.New("profile required for unknown principal")

// InvalidLengthError reports a salt or verify key that does not match the
// fixed required length. Raised before any storage write or cryptographic use.
type InvalidLengthError struct {
	Field    string
	Expected int
	Actual   int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("%s must be %d bytes, got %d", e.Field, e.Expected, e.Actual)
}

// ProviderError is a federation failure reported by the external provider,
// translated from the error arm of the handshake result.
type ProviderError struct {
	Provider    string
	Code        string
	Type        string
	Description string
	MoreInfo    string
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s login failed", e.Provider)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}
