// Package federation drives logins through external identity providers.
//
// The process never speaks provider-specific protocols. It relays addresses:
// the caller opens the redirect address in a user agent, this process blocks
// on a single message from the out-of-band socket, and the federation
// authority attests the resulting principal by signing "{scope}:{id}" with
// its key. AuthToken verifies that attestation against the authority's
// public key (never the server's own), resolves or creates the local user,
// reconciles the provider's reported group memberships, and mints a local
// token with the server key.
//
// Provider availability is data, not a type hierarchy: Providers returns a
// map queried from the remote directory on every call, with the local
// username/password realm always present.
package federation
