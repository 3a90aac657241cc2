/*
Package cryptoutils provides the key-material helpers used by the federation key store.

# Key Material

  - GenerateRSAKey creates signing keys with a fixed 2048-bit modulus
  - MarshalPrivateKeyPEM / ParsePrivateKeyPEM handle PKCS#8 private keys
  - MarshalPublicKeyPEM / ParsePublicKeyPEM handle PKIX public keys
  - KeyID derives the key identifier from the public key PEM

# At-Rest Protection

SealPrivateKey encrypts a private key PEM with AES-256-GCM under a key derived
from a passphrase with Argon2id. OpenPrivateKey reverses it. Sealed keys are
themselves PEM encoded with the "SEALED PRIVATE KEY" block type so that sealed
and plain keys can live side by side in the same store.
*/
package cryptoutils
