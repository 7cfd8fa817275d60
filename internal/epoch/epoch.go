// Package epoch implements the committee-selection protocol:
// accepting worker parameters, signing and sealing the resulting Epoch
// record, and the deterministic keccak256-based worker-selection algorithm
// that every worker in the network must compute bit-for-bit identically.
//
// Hashing and RLP encoding lean on github.com/ethereum/go-ethereum's rlp
// and crypto packages, the same way a chain node signs and hashes its
// block records.
package epoch

import (
	crand "crypto/rand"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"trustednode/internal/errs"
	"trustednode/internal/keystore"
)

// WorkerParams is the caller-supplied input to SetWorkerParams. Workers
// and Stakes are parallel arrays of equal length.
type WorkerParams struct {
	BlockNumber uint64
	Workers     [][20]byte
	Stakes      []uint64
}

// Epoch is the immutable committee-selection record. Once sealed, a value
// of this type is never mutated; SetWorkerParams always produces a new
// one.
type Epoch struct {
	BlockNumber uint64
	Workers     [][20]byte
	Stakes      []uint64
	Nonce       uint64
	Seed        [32]byte
}

// rlpEpoch is the wire shape signed and sealed; go-ethereum's rlp package
// requires fixed-size arrays to be encoded as slices, so workers/seed are
// flattened to byte slices here and reassembled on decode.
type rlpEpoch struct {
	BlockNumber uint64
	Workers     [][]byte
	Stakes      []uint64
	Nonce       uint64
	Seed        []byte
}

func (e *Epoch) toRLP() rlpEpoch {
	workers := make([][]byte, len(e.Workers))
	for i, w := range e.Workers {
		wCopy := w
		workers[i] = wCopy[:]
	}
	return rlpEpoch{
		BlockNumber: e.BlockNumber,
		Workers:     workers,
		Stakes:      e.Stakes,
		Nonce:       e.Nonce,
		Seed:        e.Seed[:],
	}
}

// encode produces the RLP encoding of the epoch record that
// SetWorkerParams signs and seals.
func (e *Epoch) encode() ([]byte, error) {
	b, err := rlp.EncodeToBytes(e.toRLP())
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return b, nil
}

// Bytes is the sealed payload persisted to the signing-key-adjacent sealed
// log (keystore.KeyStore.SealEpoch).
func (e *Epoch) Bytes() ([]byte, error) { return e.encode() }

// Decode reconstructs an Epoch from a previously sealed payload.
func Decode(payload []byte) (*Epoch, error) {
	var r rlpEpoch
	if err := rlp.DecodeBytes(payload, &r); err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	e := &Epoch{
		BlockNumber: r.BlockNumber,
		Stakes:      r.Stakes,
		Nonce:       r.Nonce,
		Workers:     make([][20]byte, len(r.Workers)),
	}
	copy(e.Seed[:], r.Seed)
	for i, w := range r.Workers {
		copy(e.Workers[i][:], w)
	}
	return e, nil
}

// SetWorkerParams accepts new worker/stake tables and an optional previous
// epoch, signs the new record, persists it sealed, and returns
// (seed, nonce, signature). With a previous epoch the seed is carried
// forward and the nonce advances; without one a fresh seed is generated
// and the nonce resets to zero.
func SetWorkerParams(ks *keystore.KeyStore, params WorkerParams, previous *Epoch) (seed [32]byte, nonce uint64, signature []byte, err error) {
	if len(params.Workers) != len(params.Stakes) {
		return seed, 0, nil, errs.NewField(errs.SystemError, "worker_params", errWorkersStakesMismatch)
	}

	if previous != nil {
		seed = previous.Seed
		nonce = previous.Nonce + 1
	} else {
		if _, rerr := crand.Read(seed[:]); rerr != nil {
			return seed, 0, nil, errs.New(errs.SystemError, rerr)
		}
		nonce = 0
	}

	e := &Epoch{
		BlockNumber: params.BlockNumber,
		Workers:     params.Workers,
		Stakes:      params.Stakes,
		Nonce:       nonce,
		Seed:        seed,
	}

	encoded, eerr := e.encode()
	if eerr != nil {
		return seed, 0, nil, eerr
	}
	signature = ks.SigningKey().Sign(encoded)

	payload, perr := e.Bytes()
	if perr != nil {
		return seed, 0, nil, perr
	}
	if serr := ks.SealEpoch(payload); serr != nil {
		return seed, 0, nil, serr
	}
	return seed, nonce, signature, nil
}

var errWorkersStakesMismatch = plainErr("workers and stakes must have equal length")

type plainErr string

func (e plainErr) Error() string { return string(e) }

// encodeSelectionToken builds the three-field, 32-byte-per-field
// big-endian encoding of (seed, contract_address, selection_nonce). Every
// worker must reproduce this encoding bit-for-bit or committee election
// diverges across the network.
func encodeSelectionToken(seed [32]byte, contractAddress [32]byte, selectionNonce uint64) []byte {
	out := make([]byte, 0, 96)
	out = append(out, seed[:]...)
	out = append(out, contractAddress[:]...)
	var nonceField [32]byte
	new(big.Int).SetUint64(selectionNonce).FillBytes(nonceField[:])
	out = append(out, nonceField[:]...)
	return out
}

// SelectWorkers runs the deterministic, stake-weighted committee election.
// Workers and stakes are parallel arrays; the algorithm consumes a fresh
// keccak256 draw per candidate slot until groupSize distinct workers are
// chosen.
func SelectWorkers(seed [32]byte, workers [][20]byte, stakes []uint64, contractAddress [32]byte, groupSize int) ([][20]byte, error) {
	if len(workers) != len(stakes) {
		return nil, errs.NewField(errs.SystemError, "workers", errWorkersStakesMismatch)
	}
	if len(workers) == 0 {
		return nil, errs.NewField(errs.SystemError, "workers", errNoWorkers)
	}
	if groupSize <= 0 {
		groupSize = 1
	}

	sum := new(big.Int)
	for _, s := range stakes {
		sum.Add(sum, new(big.Int).SetUint64(s))
	}
	if sum.Sign() == 0 {
		return nil, errs.NewField(errs.SystemError, "stakes", errZeroStake)
	}

	selection := make([][20]byte, 0, groupSize)
	seen := make(map[[20]byte]bool, groupSize)
	var selectionNonce uint64

	for len(selection) < groupSize {
		token := encodeSelectionToken(seed, contractAddress, selectionNonce)
		digest := crypto.Keccak256(token)
		r := new(big.Int).Mod(new(big.Int).SetBytes(digest), sum)

		pick := workers[len(workers)-1]
		for i := range workers {
			stake := new(big.Int).SetUint64(stakes[i])
			rPrime := new(big.Int).Sub(r, stake)
			if rPrime.Sign() < 0 || rPrime.Sign() == 0 {
				pick = workers[i]
				break
			}
			r = rPrime
		}

		if !seen[pick] {
			seen[pick] = true
			selection = append(selection, pick)
		}
		selectionNonce++

		if selectionNonce > uint64(len(workers))*1_000_000 {
			// A pathological stake distribution (all stake on one
			// worker with groupSize > distinct worker count) would spin
			// forever; bail out rather than hang the dispatcher.
			return nil, errs.NewField(errs.SystemError, "group_size", errGroupSizeUnreachable)
		}
	}
	return selection, nil
}

var (
	errNoWorkers            = plainErr("worker selection requires at least one worker")
	errZeroStake            = plainErr("worker selection requires a positive total stake")
	errGroupSizeUnreachable = plainErr("group size exceeds the number of distinct workers reachable under this stake distribution")
)
