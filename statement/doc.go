// Package statement builds, signs, fetches and verifies OpenID Federation
// entity statements.
//
// Issuer produces the federation's self statement, published at
// /.well-known/openid-federation, and subordinate statements about registered
// entities. Statements are compact JWS tokens signed with RS256 by the active
// federation key, carry typ "entity-statement+jwt" and the signing key's kid, and
// are valid for 24 hours.
//
// # Trust Bootstrap
//
// Fetcher.FetchUnverified retrieves a remote entity's configuration and decodes
// it WITHOUT checking its signature. At first contact the remote keys are what
// is being learned, so there is nothing to verify against yet. This is the only
// place where an unverified statement is accepted, and its result is only ever
// used as registration input.
//
// # Verification
//
// Verifier.VerifyStatement checks a self-signed statement against the key set
// it embeds. Verifier.VerifyIssued checks a statement issued by this federation
// against the federation keys, including retired ones. Key selection fails
// closed: a kid that matches no key, or a missing kid with more than one
// candidate key, is a verification failure.
package statement
