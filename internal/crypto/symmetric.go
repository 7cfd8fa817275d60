// Package crypto implements the symmetric codec and key hierarchy of the
// trusted region: authenticated encryption, the worker's long-lived signing
// key, ephemeral Diffie-Hellman sessions, and the KDF that turns a shared
// secret into an AEAD key. The AEAD construction follows the same
// aes.NewCipher + cipher.NewGCM pairing commonly used for encrypted-at-rest
// data, but appends the nonce after the sealed ciphertext (ciphertext || tag
// || nonce) instead of prepending it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"trustednode/internal/errs"
)

const (
	KeySize   = 32 // 256-bit key
	NonceSize = 12 // 96-bit nonce
	TagSize   = 16 // 128-bit tag
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errShortKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key with aad as associated data and
// returns ciphertext || tag || nonce. The nonce is drawn from the platform
// CSPRNG.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	return encryptWithNonce(key, plaintext, aad, nil)
}

// EncryptWithNonce is the test-only path that accepts a caller-supplied
// nonce so golden vectors can be reproduced exactly.
func EncryptWithNonce(key, plaintext, aad, nonce []byte) ([]byte, error) {
	return encryptWithNonce(key, plaintext, aad, nonce)
}

func encryptWithNonce(key, plaintext, aad, nonce []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errs.New(errs.KeyError, err)
	}

	if nonce == nil {
		nonce = make([]byte, NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, errs.New(errs.SystemError, err)
		}
	} else if len(nonce) != NonceSize {
		return nil, errs.New(errs.KeyError, errBadNonce)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, len(sealed)+NonceSize)
	out = append(out, sealed...)
	out = append(out, nonce...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt/EncryptWithNonce. Authentication
// and padding failures are indistinguishable: both surface as
// errs.DecryptionError.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errs.New(errs.KeyError, err)
	}
	if len(blob) < NonceSize {
		return nil, errs.New(errs.ImproperEncryption, errShortCiphertext)
	}
	ctTag := blob[:len(blob)-NonceSize]
	nonce := blob[len(blob)-NonceSize:]
	if len(ctTag) < TagSize {
		return nil, errs.New(errs.ImproperEncryption, errShortCiphertext)
	}

	pt, err := gcm.Open(nil, nonce, ctTag, aad)
	if err != nil {
		return nil, errs.New(errs.DecryptionError, errAuthFailed)
	}
	return pt, nil
}

// KDF derives a 256-bit AEAD key from an ECDH shared secret (or any other
// high-entropy input). A single SHA-256 pass is sufficient here because
// the input is already a uniformly random curve point's x-coordinate, not
// a low-entropy password.
func KDF(sharedSecret []byte) [KeySize]byte {
	return sha256.Sum256(sharedSecret)
}
