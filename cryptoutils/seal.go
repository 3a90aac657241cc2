package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const sealedBlockType = "SEALED PRIVATE KEY"

const saltSize = 16

// ErrWrongPassphrase is returned when a sealed key cannot be authenticated.
var ErrWrongPassphrase = errors.New("failed to open sealed key: wrong passphrase or corrupted data")

func deriveSealingKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// SealPrivateKey encrypts a private key PEM under passphrase.
// Output format is a PEM block whose bytes are [salt (16)][nonce (12)][ciphertext].
func SealPrivateKey(privateKeyPEM, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aesGCM, err := newGCM(deriveSealingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, nonce, privateKeyPEM, nil)

	sealed := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)

	return pem.EncodeToMemory(&pem.Block{Type: sealedBlockType, Bytes: sealed}), nil
}

// OpenPrivateKey decrypts the output of SealPrivateKey.
func OpenPrivateKey(sealedPEM, passphrase []byte) ([]byte, error) {
	block, _ := pem.Decode(sealedPEM)
	if block == nil || block.Type != sealedBlockType {
		return nil, errors.New("not a sealed private key")
	}

	data := block.Bytes
	if len(data) < saltSize+12 {
		return nil, errors.New("sealed key has invalid format")
	}

	aesGCM, err := newGCM(deriveSealingKey(passphrase, data[:saltSize]))
	if err != nil {
		return nil, err
	}

	nonce := data[saltSize : saltSize+aesGCM.NonceSize()]
	plaintext, err := aesGCM.Open(nil, nonce, data[saltSize+aesGCM.NonceSize():], nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// IsSealed reports whether data holds a sealed private key block.
func IsSealed(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil && block.Type == sealedBlockType
}

func newGCM(key []byte) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
