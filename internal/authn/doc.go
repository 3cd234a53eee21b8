// Package authn implements username/password authentication as a
// challenge-response protocol. Plaintext secrets never reach the server:
// clients derive an ed25519 key pair from their password and a stored salt,
// register the public half as their verify key, and prove possession of the
// private half by signing a single-use nonce.
//
// # Flow
//
//   - Register stores the salt and verify key and maps the username into the
//     local "unp" realm.
//   - GenerateChallenge returns the salt and a fresh nonce, derived from any
//     prior nonce so abandoned challenges cannot be replayed.
//   - VerifyChallenge spends the nonce unconditionally, checks the client's
//     signature over it, and mints a SignedPrincipal with the server key.
//
// Challenge state is the only mutable shared resource. Calls for one
// username are serialized with a per-user lock; different usernames never
// block each other.
//
// Every rejection surfaces as the generic verification error while the
// precise reason is logged, so error content cannot be used to enumerate
// usernames.
package authn
