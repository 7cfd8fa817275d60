// Package keystore is the sealed key store: acquisition, sealed
// persistence, and in-memory caching of the worker's long-lived signing
// key and the per-contract state keys distributed by the principal node.
// It owns the two process-wide mutable tables DH_KEYS and STATE_KEYS, an
// explicit container plus a mutex each, never exposed through a public
// handle that could let a key escape the trusted region.
package keystore

import (
	"errors"
	"os"
	"sync"

	"trustednode/internal/crypto"
	"trustednode/internal/errs"
	"trustednode/internal/sealing"
)

const (
	signingKeyFile     = "signing_key.sealed"
	attestationKeyFile = "attestation_key.sealed"
	epochFile          = "epoch.sealed"
)

var errNoStateKey = errors.New("no state key installed for this contract address")

// StateKey is the 256-bit symmetric key protecting one contract's state and
// delta chain.
type StateKey [crypto.KeySize]byte

// KeyStore holds the sealed long-lived signing key plus the two in-memory
// lookup tables populated lazily as PTT responses and user DH handshakes
// arrive.
type KeyStore struct {
	seal *sealing.Store

	signingKey     *crypto.SigningKey
	attestationKey *crypto.AttestationKey

	dhMu   sync.Mutex
	dhKeys map[[32]byte][crypto.KeySize]byte // user_pubkey -> shared AEAD key

	stateMu   sync.RWMutex
	stateKeys map[[32]byte]StateKey // contract_address -> state key
}

// Open unseals (or, on first boot, generates and seals) the worker's
// signing and attestation keys and prepares empty DH_KEYS/STATE_KEYS
// tables.
func Open(dir string) (*KeyStore, error) {
	store, err := sealing.Open(dir)
	if err != nil {
		return nil, err
	}
	ks := &KeyStore{
		seal:      store,
		dhKeys:    make(map[[32]byte][crypto.KeySize]byte),
		stateKeys: make(map[[32]byte]StateKey),
	}

	_, payload, err := store.Unseal(signingKeyFile)
	switch {
	case err == nil:
		sk, ferr := crypto.SigningKeyFromSeed(payload)
		if ferr != nil {
			return nil, errs.New(errs.SystemError, ferr)
		}
		ks.signingKey = sk
	default:
		// Missing or corrupt: fail closed on tamper, but a genuinely
		// missing file means first boot. sealing.Store.Unseal surfaces
		// os.IsNotExist separately from a MAC failure; only the former is
		// safe to treat as "generate a new key".
		if !os.IsNotExist(err) {
			return nil, errs.New(errs.SystemError, err)
		}
		sk, gerr := crypto.NewSigningKey()
		if gerr != nil {
			return nil, gerr
		}
		if serr := store.Seal(signingKeyFile, sealing.VersionSigningKey, sk.Seed()); serr != nil {
			return nil, serr
		}
		ks.signingKey = sk
	}

	_, payload, err = store.Unseal(attestationKeyFile)
	switch {
	case err == nil:
		ak, ferr := crypto.AttestationKeyFromBytes(payload)
		if ferr != nil {
			return nil, errs.New(errs.SystemError, ferr)
		}
		ks.attestationKey = ak
	default:
		if !os.IsNotExist(err) {
			return nil, errs.New(errs.SystemError, err)
		}
		ak := crypto.NewAttestationKey()
		if serr := store.Seal(attestationKeyFile, sealing.VersionAttestationKey, ak.Bytes()); serr != nil {
			return nil, serr
		}
		ks.attestationKey = ak
	}
	return ks, nil
}

// SigningKey returns the worker's long-lived signing key handle. The
// returned value never exposes the private key material directly; callers
// sign through its Sign method.
func (ks *KeyStore) SigningKey() *crypto.SigningKey { return ks.signingKey }

// AttestationKey returns the worker's BLS attestation key handle, same
// rules as SigningKey.
func (ks *KeyStore) AttestationKey() *crypto.AttestationKey { return ks.attestationKey }

// PutDHKey installs a derived shared secret for userPubKey, called from
// NewTaskEncryptionKey. The lock is held for the insert only, never across
// a call back into untrusted code.
func (ks *KeyStore) PutDHKey(userPubKey [32]byte, shared [crypto.KeySize]byte) {
	ks.dhMu.Lock()
	ks.dhKeys[userPubKey] = shared
	ks.dhMu.Unlock()
}

// DHKey looks up the shared AEAD key derived for userPubKey.
func (ks *KeyStore) DHKey(userPubKey [32]byte) (out [crypto.KeySize]byte, ok bool) {
	ks.dhMu.Lock()
	out, ok = ks.dhKeys[userPubKey]
	ks.dhMu.Unlock()
	return out, ok
}

// PutStateKey installs a state key for a contract address, called from
// PTTResponse.
func (ks *KeyStore) PutStateKey(addr [32]byte, key StateKey) {
	ks.stateMu.Lock()
	ks.stateKeys[addr] = key
	ks.stateMu.Unlock()
}

// StateKeyFor looks up the state key for a contract address. Returns
// errs.MissingKeyError if the table has never been populated for addr.
func (ks *KeyStore) StateKeyFor(addr [32]byte) (StateKey, error) {
	ks.stateMu.RLock()
	key, ok := ks.stateKeys[addr]
	ks.stateMu.RUnlock()
	if !ok {
		return StateKey{}, errs.NewField(errs.MissingKeyError, "state_key", errNoStateKey)
	}
	return key, nil
}

// SealEpoch persists the latest Epoch record sealed to disk.
func (ks *KeyStore) SealEpoch(payload []byte) error {
	return ks.seal.Seal(epochFile, sealing.VersionEpoch, payload)
}

// LoadEpoch unseals the previously persisted Epoch record, if any.
func (ks *KeyStore) LoadEpoch() ([]byte, error) {
	_, payload, err := ks.seal.Unseal(epochFile)
	if err != nil {
		return nil, err
	}
	return payload, nil
}
