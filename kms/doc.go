// Package kms manages the federation's signing keys.
//
// KeyStore persists RSA signing keys through an interfaces.KeyStorage and
// exposes them to the statement engine:
//
//   - GetOrCreateActiveKey returns the active signing key, generating one on first use
//   - PublicKeySet returns the active signing key with the JWKS that publishes it
//   - FindKey resolves any key, active or retired, by kid for verification
//   - Rotate generates a new active key and retires the previous ones
//
// # Key Identifiers
//
// The kid of a key is the first 16 hex characters of the SHA-256 digest of its
// PKIX public key PEM, so the same key always produces the same JWK.
//
// # Retention
//
// Keys are never deleted. Rotation only clears the active flag, which keeps every
// statement signed in the past verifiable.
//
// # At-Rest Protection
//
// When a passphrase is configured with WithPassphrase, private keys are sealed
// with cryptoutils.SealPrivateKey before they reach storage. Keys stored before
// a passphrase was configured remain readable.
//
// Key generation and rotation are serialized by a store-wide mutex.
package kms
