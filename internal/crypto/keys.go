package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"trustednode/internal/errs"
)

// SigningKey is the worker's long-lived asymmetric identity. It is created
// once on first boot, sealed to disk, and reloaded on every subsequent
// boot; it never leaves the trusted region in clear form.
type SigningKey struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewSigningKey generates a fresh Ed25519 key pair, the default signing
// algorithm for worker identities.
func NewSigningKey() (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return &SigningKey{Public: pub, private: priv}, nil
}

// SigningKeyFromSeed reconstructs a SigningKey from its 32-byte seed, used
// when unsealing a previously persisted key.
func SigningKeyFromSeed(seed []byte) (*SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errs.NewField(errs.KeyError, "signing_key", errBadSeedLen)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningKey{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Seed returns the 32-byte seed this key was derived from, for sealing.
func (k *SigningKey) Seed() []byte {
	return k.private.Seed()
}

// Sign signs msg with the worker's long-lived key.
func (k *SigningKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// VerifySignature checks sig for msg under an Ed25519 public key.
func VerifySignature(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// DHKeyPair is an ephemeral X25519 key pair generated per user session. It
// is held only long enough to derive a shared secret and is then
// discarded.
type DHKeyPair struct {
	Public  [32]byte
	private [32]byte
}

// NewDHKeyPair generates a fresh ephemeral Diffie-Hellman key pair.
func NewDHKeyPair() (*DHKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	var kp DHKeyPair
	kp.private = priv
	copy(kp.Public[:], pub)
	return &kp, nil
}

// SharedSecret derives ECDH(priv, peerPublic); the raw curve point, not yet
// passed through KDF.
func (kp *DHKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, errs.NewField(errs.KeyError, "dh_key", err)
	}
	return secret, nil
}

