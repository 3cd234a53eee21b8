// ABOUTME: Compact signed-principal token codec
// ABOUTME: Wire format is base64("scope:id:userId:" + base64(signature))

package identity

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedToken is returned when a token cannot be decoded. Decoding
// never panics; anything that is not the exact wire layout fails with this.
var ErrMalformedToken = errors.New("malformed token")

// EncodeToken serializes a signed principal into its transport form. The
// layout is fixed for interoperability: the signature is base64-encoded,
// joined with scope, id and userId by colons, and the whole payload is
// base64-encoded again.
func EncodeToken(p SignedPrincipal) string {
	sig := base64.StdEncoding.EncodeToString(p.Signature)
	plain := p.Scope + ":" + p.ID + ":" + strconv.FormatInt(p.UserID, 10) + ":" + sig
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

// DecodeToken reverses EncodeToken. The inner payload must split on ":" into
// exactly four fields; any other shape, invalid base64, or non-integer user
// id is a decode failure. Authenticity of the recovered signature is a
// separate check performed by the caller against the server authority.
func DecodeToken(token string) (*SignedPrincipal, error) {
	plain, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrMalformedToken
	}

	fields := strings.Split(string(plain), ":")
	if len(fields) != 4 {
		return nil, ErrMalformedToken
	}

	userID, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, ErrMalformedToken
	}

	sig, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return nil, ErrMalformedToken
	}

	return &SignedPrincipal{
		ResolvedPrincipal: ResolvedPrincipal{
			Principal: Principal{Scope: fields[0], ID: fields[1]},
			UserID:    userID,
		},
		Signature: sig,
	}, nil
}
