package crypto

import (
	"errors"
	"fmt"

	bls "github.com/herumi/bls-eth-go-binary/bls"

	"trustednode/internal/errs"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
}

// AttestationKey is the worker's BLS12-381 key, used to attest committee
// selections. Unlike the Ed25519 identity key, BLS signatures from several
// committee members over the same selection aggregate into one compressed
// signature, which is the whole point of carrying a second scheme.
type AttestationKey struct {
	secret bls.SecretKey
}

// NewAttestationKey generates a fresh BLS secret from the platform CSPRNG.
func NewAttestationKey() *AttestationKey {
	var k AttestationKey
	k.secret.SetByCSPRNG()
	return &k
}

// AttestationKeyFromBytes reconstructs a key from its serialized secret,
// used when unsealing a previously persisted key.
func AttestationKeyFromBytes(raw []byte) (*AttestationKey, error) {
	var k AttestationKey
	if err := k.secret.Deserialize(raw); err != nil {
		return nil, errs.NewField(errs.KeyError, "attestation_key", err)
	}
	return &k, nil
}

// Bytes returns the serialized secret, for sealing.
func (k *AttestationKey) Bytes() []byte { return k.secret.Serialize() }

// Public returns the compressed public half.
func (k *AttestationKey) Public() []byte { return k.secret.GetPublicKey().Serialize() }

// Sign signs msg and returns the compressed signature.
func (k *AttestationKey) Sign(msg []byte) []byte {
	return k.secret.SignByte(msg).Serialize()
}

// VerifyAttestation checks a compressed BLS signature (individual or
// aggregated) for msg under a compressed public key (likewise individual
// or aggregated).
func VerifyAttestation(pub, msg, sig []byte) bool {
	var pk bls.PublicKey
	if err := pk.Deserialize(pub); err != nil {
		return false
	}
	var s bls.Sign
	if err := s.Deserialize(sig); err != nil {
		return false
	}
	return s.VerifyByte(&pk, msg)
}

// AggregateAttestations merges multiple compressed signatures over the
// same message into one.
func AggregateAttestations(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errs.NewField(errs.KeyError, "attestation_sig", errNoSigs)
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, errs.NewField(errs.KeyError, "attestation_sig", fmt.Errorf("sig %d: %w", i, err))
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// AggregateAttestationKeys merges compressed public keys the same way, for
// verifying an aggregated signature.
func AggregateAttestationKeys(pubs [][]byte) ([]byte, error) {
	if len(pubs) == 0 {
		return nil, errs.NewField(errs.KeyError, "attestation_key", errNoKeys)
	}
	var agg bls.PublicKey
	for i, raw := range pubs {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return nil, errs.NewField(errs.KeyError, "attestation_key", fmt.Errorf("key %d: %w", i, err))
		}
		if i == 0 {
			agg = pk
		} else {
			agg.Add(&pk)
		}
	}
	return agg.Serialize(), nil
}

var (
	errNoSigs = errors.New("no signatures to aggregate")
	errNoKeys = errors.New("no public keys to aggregate")
)
