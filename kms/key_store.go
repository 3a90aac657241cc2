package kms

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/ruteri/oidfed-trust-anchor/cryptoutils"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
)

// AlgorithmRS256 is the only signing algorithm used for federation keys.
const AlgorithmRS256 = "RS256"

// Key is a federation signing key loaded from storage.
type Key struct {
	KID       string
	Algorithm string
	Active    bool
	CreatedAt time.Time
	PublicKey *rsa.PublicKey

	// PrivateKey is nil for keys loaded for verification only.
	PrivateKey *rsa.PrivateKey
}

// KeyStore implements the federation key lifecycle on top of interfaces.KeyStorage.
type KeyStore struct {
	storage    interfaces.KeyStorage
	passphrase []byte
	log        *slog.Logger
	now        func() time.Time

	// mu serializes key generation and rotation.
	mu sync.Mutex
}

func NewKeyStore(storage interfaces.KeyStorage, log *slog.Logger) *KeyStore {
	return &KeyStore{
		storage: storage,
		log:     log,
		now:     time.Now,
	}
}

// WithPassphrase enables sealing of newly generated private keys.
func (k *KeyStore) WithPassphrase(passphrase []byte) *KeyStore {
	k.passphrase = passphrase
	return k
}

// GetOrCreateActiveKey returns the active key, generating and persisting one if
// none exists yet.
func (k *KeyStore) GetOrCreateActiveKey(ctx context.Context) (*Key, error) {
	key, err := k.activeKey(ctx)
	if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return key, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// Another caller may have created the key while we waited for the lock.
	key, err = k.activeKey(ctx)
	if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return key, err
	}

	key, err = k.generate(ctx)
	if err != nil {
		return nil, err
	}
	k.log.Info("Generated federation signing key", "kid", key.KID)
	return key, nil
}

// Rotate generates a new active key. Previous keys stay retrievable through FindKey.
func (k *KeyStore) Rotate(ctx context.Context) (*Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, err := k.generate(ctx)
	if err != nil {
		return nil, err
	}
	k.log.Info("Rotated federation signing key", "kid", key.KID)
	return key, nil
}

// FindKey returns the public part of any key ever generated by this store.
func (k *KeyStore) FindKey(ctx context.Context, kid string) (*Key, error) {
	record, err := k.storage.KeyByID(ctx, kid)
	if err != nil {
		return nil, err
	}
	return k.load(record, false)
}

// KeySet is one consistent read of the active keys: the key to sign with and
// the public key set to publish next to it. JWKS always contains Signer.
type KeySet struct {
	Signer *Key
	JWKS   map[string]any
}

// PublicKeySet returns the active signing key and the public components of all
// active keys, generating the first key if none exists.
func (k *KeyStore) PublicKeySet(ctx context.Context) (*KeySet, error) {
	records, err := k.storage.ActiveKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if _, err := k.GetOrCreateActiveKey(ctx); err != nil {
			return nil, err
		}
		if records, err = k.storage.ActiveKeys(ctx); err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, interfaces.ErrKeyNotFound
		}
	}

	signer, err := k.load(records[0], true)
	if err != nil {
		return nil, err
	}
	keys := []*Key{signer}
	for _, record := range records[1:] {
		key, err := k.load(record, false)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	jwks, err := publicJWKS(keys...)
	if err != nil {
		return nil, err
	}
	return &KeySet{Signer: signer, JWKS: jwks}, nil
}

// ActiveKID returns the kid of the active key without loading key material.
func (k *KeyStore) ActiveKID(ctx context.Context) (string, error) {
	records, err := k.storage.ActiveKeys(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", interfaces.ErrKeyNotFound
	}
	return records[0].KID, nil
}

func publicJWKS(keys ...*Key) (map[string]any, error) {
	set := jwk.NewSet()
	for _, key := range keys {
		jwkKey, err := PublicJWK(key)
		if err != nil {
			return nil, err
		}
		if err := set.AddKey(jwkKey); err != nil {
			return nil, fmt.Errorf("failed to add key %s to set: %w", key.KID, err)
		}
	}
	return JWKSDocument(set)
}

// PublicJWK converts a key to its public JWK with kid, use and alg set.
func PublicJWK(key *Key) (jwk.Key, error) {
	jwkKey, err := jwk.Import(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to import public key %s: %w", key.KID, err)
	}
	if err := jwkKey.Set(jwk.KeyIDKey, key.KID); err != nil {
		return nil, err
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}
	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return nil, err
	}
	return jwkKey, nil
}

// JWKSDocument renders a JWK set as {"keys": [...]}.
func JWKSDocument(set jwk.Set) (map[string]any, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key set: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}
	if _, ok := doc["keys"]; !ok {
		doc["keys"] = []any{}
	}
	return doc, nil
}

func (k *KeyStore) activeKey(ctx context.Context) (*Key, error) {
	records, err := k.storage.ActiveKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, interfaces.ErrKeyNotFound
	}
	return k.load(records[0], true)
}

// generate must be called with mu held.
func (k *KeyStore) generate(ctx context.Context) (*Key, error) {
	privateKey, err := cryptoutils.GenerateRSAKey()
	if err != nil {
		return nil, err
	}

	publicPEM, err := cryptoutils.MarshalPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	privatePEM, err := cryptoutils.MarshalPrivateKeyPEM(privateKey)
	if err != nil {
		return nil, err
	}
	if len(k.passphrase) > 0 {
		privatePEM, err = cryptoutils.SealPrivateKey(privatePEM, k.passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to seal private key: %w", err)
		}
	}

	record := &interfaces.SigningKey{
		KID:           cryptoutils.KeyID(publicPEM),
		Algorithm:     AlgorithmRS256,
		PrivateKeyPEM: privatePEM,
		PublicKeyPEM:  publicPEM,
		CreatedAt:     k.now().UTC().Truncate(time.Second),
	}
	if err := k.storage.InsertKey(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}
	if err := k.storage.ActivateKey(ctx, record.KID); err != nil {
		return nil, fmt.Errorf("failed to activate signing key: %w", err)
	}

	return &Key{
		KID:        record.KID,
		Algorithm:  record.Algorithm,
		Active:     true,
		CreatedAt:  record.CreatedAt,
		PublicKey:  &privateKey.PublicKey,
		PrivateKey: privateKey,
	}, nil
}

func (k *KeyStore) load(record *interfaces.SigningKey, withPrivate bool) (*Key, error) {
	publicKey, err := cryptoutils.ParsePublicKeyPEM(record.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", interfaces.ErrVerification, record.KID, err)
	}

	key := &Key{
		KID:       record.KID,
		Algorithm: record.Algorithm,
		Active:    record.Active,
		CreatedAt: record.CreatedAt,
		PublicKey: publicKey,
	}
	if !withPrivate {
		return key, nil
	}

	privatePEM := record.PrivateKeyPEM
	if cryptoutils.IsSealed(privatePEM) {
		if len(k.passphrase) == 0 {
			return nil, fmt.Errorf("signing key %s is sealed and no passphrase is configured", record.KID)
		}
		privatePEM, err = cryptoutils.OpenPrivateKey(privatePEM, k.passphrase)
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", record.KID, err)
		}
	}

	key.PrivateKey, err = cryptoutils.ParsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", record.KID, err)
	}
	return key, nil
}
