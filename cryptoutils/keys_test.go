package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSAKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateRSAKey()
	require.NoError(t, err)
	require.Equal(t, RSAKeySize, key.N.BitLen())

	privPEM, err := MarshalPrivateKeyPEM(key)
	require.NoError(t, err)
	parsedPriv, err := ParsePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsedPriv))

	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	parsedPub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsedPub))
}

func TestParsePKCS1PrivateKey(t *testing.T) {
	key, err := GenerateRSAKey()
	require.NoError(t, err)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	parsed, err := ParsePrivateKeyPEM(pkcs1)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}

func TestParseRejectsNonRSAKeys(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)
	_, err = ParsePrivateKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	assert.Error(t, err)

	pubDer, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)
	_, err = ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDer}))
	assert.Error(t, err)

	_, err = ParsePublicKeyPEM([]byte("garbage"))
	assert.Error(t, err)
}

func TestKeyIDDeterministic(t *testing.T) {
	key, err := GenerateRSAKey()
	require.NoError(t, err)
	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	kid := KeyID(pubPEM)
	assert.Len(t, kid, KeyIDLength)
	assert.Equal(t, kid, KeyID(pubPEM))

	other, err := GenerateRSAKey()
	require.NoError(t, err)
	otherPEM, err := MarshalPublicKeyPEM(&other.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, kid, KeyID(otherPEM))
}
