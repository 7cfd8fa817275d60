// Package hostdb is the host-side key/value store backing per-contract
// state, delta history and bytecode, addressed by (contract_address, kind)
// pairs. The trusted region never interprets what's stored here beyond the
// ciphertext it hands over; this package just gives that opaque store a
// concrete in-memory shape for tests and the reference cmd/trustednode
// binary.
package hostdb

import "sync"

// KeyKind enumerates the three kinds of record the host store holds per
// contract address.
type KeyKind int

const (
	KindState KeyKind = iota
	KindDelta
	KindBytecode
)

// Key addresses one record in the host store.
type Key struct {
	ContractAddress [32]byte
	Kind            KeyKind
	DeltaIndex      uint32 // only meaningful when Kind == KindDelta
}

// Store is an in-memory stand-in for the host-side persistent key/value
// store. A real deployment backs this with whatever engine the host
// process chooses; this implementation is what internal/trustedregion and
// the reference binary use.
type Store struct {
	mu   sync.RWMutex
	data map[Key][]byte
}

// New creates an empty in-memory host store.
func New() *Store {
	return &Store{data: make(map[Key][]byte)}
}

// Get returns the raw bytes stored at key, if any.
func (s *Store) Get(key Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Put stores raw bytes at key, overwriting any previous value.
func (s *Store) Put(key Key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
}

// Delete removes any value stored at key.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// MaxDeltaIndex reports the highest delta index stored for a contract, and
// whether any delta exists at all.
func (s *Store) MaxDeltaIndex(contractAddress [32]byte) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint32
	found := false
	for k := range s.data {
		if k.ContractAddress == contractAddress && k.Kind == KindDelta {
			if !found || k.DeltaIndex > max {
				max = k.DeltaIndex
				found = true
			}
		}
	}
	return max, found
}

// Addresses returns every contract address that has a persisted State
// record, for the GetAllAddrs and GetAllTips IPC variants.
func (s *Store) Addresses() [][32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][32]byte, 0)
	for k := range s.data {
		if k.Kind == KindState {
			out = append(out, k.ContractAddress)
		}
	}
	return out
}

// ScratchKV is the invocation-scoped key/value space backing a single WASM
// call's write_state/read_state host imports. The executor never touches
// Store directly: within one call a contract addresses arbitrary byte
// keys, not the coarser (contract_address, kind) scheme Store exposes at
// the persistence layer, and the scratch space is discarded with the call.
type ScratchKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewScratchKV creates an empty per-invocation key/value space.
func NewScratchKV() *ScratchKV {
	return &ScratchKV{data: make(map[string][]byte)}
}

// ReadState implements wasmexec.HostDB.
func (s *ScratchKV) ReadState(key []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[string(key)]
	return v, ok
}

// WriteState implements wasmexec.HostDB.
func (s *ScratchKV) WriteState(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[string(key)] = cp
	return nil
}

// Entries returns a stable snapshot of every key/value pair written during
// the invocation, for the caller to fold into the contract's next state
// document.
func (s *ScratchKV) Entries() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}
