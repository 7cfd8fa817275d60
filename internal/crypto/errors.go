package crypto

import "errors"

var (
	errShortKey        = errors.New("key must be 32 bytes")
	errBadNonce        = errors.New("nonce must be 12 bytes")
	errShortCiphertext = errors.New("ciphertext shorter than nonce size")
	errAuthFailed      = errors.New("authentication failed")
	errBadSeedLen      = errors.New("signing key seed must be 32 bytes")
)
