package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/opsapi/secretvault/internal/common"
)

const (
	// NonceSize is the AES-GCM nonce length. A fresh random nonce is drawn
	// for every Seal; nonces are never reused under the same key.
	NonceSize = 12
	// TagSize is the GCM authentication tag length. The tag is stored in its
	// own column, separate from the ciphertext.
	TagSize = 16
)

// Seal encrypts plaintext with AES-256-GCM under key, generating a fresh
// random nonce. Ciphertext and tag are returned separately so they can be
// persisted in their own columns. Empty plaintext is permitted and yields an
// empty ciphertext with a valid tag.
func Seal(key, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cipher init: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("gcm init: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce: %w", err)
	}

	sealed := aesgcm.Seal(nil, nonce, plaintext, nil)

	// GCM appends the tag to the ciphertext; split it off for storage.
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]
	return ciphertext, nonce, tag, nil
}

// Open decrypts ciphertext+tag with AES-256-GCM. Any authentication failure,
// whether a wrong key or a tampered ciphertext/nonce/tag, surfaces as
// common.ErrTamperedOrWrongKey; the two causes are indistinguishable on
// purpose.
func Open(key, ciphertext, nonce, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, common.ErrTamperedOrWrongKey
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, common.ErrTamperedOrWrongKey
	}
	return plaintext, nil
}
