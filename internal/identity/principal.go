// ABOUTME: Principal value types shared across authentication and federation
// ABOUTME: A principal names an identity within one authentication scope

package identity

import "fmt"

// Principal identifies an identity in the context of a single authentication
// scope, such as the local username/password realm or an external provider.
type Principal struct {
	Scope string
	ID    string
}

// AttestationPayload is the message a federation authority signs to attest
// that it validated this principal.
func (p Principal) AttestationPayload() []byte {
	return []byte(p.Scope + ":" + p.ID)
}

// ResolvedPrincipal declares that a principal maps to a local user. A given
// (scope, id) pair resolves to at most one user; one user may hold many
// resolved principals, one per scope.
type ResolvedPrincipal struct {
	Principal
	UserID int64
}

// SignaturePayload is the message the server signs when minting a token for
// this resolved principal.
func (r ResolvedPrincipal) SignaturePayload() []byte {
	return fmt.Appendf(nil, "%s:%s:%d", r.Scope, r.ID, r.UserID)
}

// SignedPrincipal is a capability: proof that a (scope, id, userId) triple
// was validated by this server. It carries no expiry; it dies with the
// signing key or the underlying association.
type SignedPrincipal struct {
	ResolvedPrincipal
	Signature []byte
}
