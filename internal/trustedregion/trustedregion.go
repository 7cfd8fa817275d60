// Package trustedregion is the single crossing point between the
// dispatcher (untrusted, transport-facing) and everything that actually
// holds secrets. Keeping the crossings on one type means a non-enclave
// build can stub them in one place: internal/ipc calls Region's methods,
// uses epoch's record types and the hostdb store Region hands out, and
// never reaches into keystore, ptt, state, or wasmexec directly.
package trustedregion

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"trustednode/internal/crypto"
	"trustednode/internal/epoch"
	"trustednode/internal/errs"
	"trustednode/internal/hostdb"
	"trustednode/internal/keystore"
	"trustednode/internal/ptt"
	"trustednode/internal/state"
	"trustednode/internal/wasmexec"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// Region owns every piece of process-wide secret state and is the only
// type permitted to touch it. A panic recovered anywhere inside Region's
// methods is converted to an errs.SystemError rather than propagated, so a
// bug behind the trusted boundary can never crash the dispatcher loop.
type Region struct {
	ks     *keystore.KeyStore
	db     *hostdb.Store
	engine *wasmer.Engine

	sessionMu sync.Mutex
	sessions  map[string]*ptt.Session // keyed by the request blob
}

// Open wires a trusted region rooted at a sealed-store directory.
func Open(sealedDir string) (*Region, error) {
	ks, err := keystore.Open(sealedDir)
	if err != nil {
		return nil, err
	}
	return &Region{
		ks:       ks,
		db:       hostdb.New(),
		engine:   wasmer.NewEngine(),
		sessions: make(map[string]*ptt.Session),
	}, nil
}

// recoverToError converts a panic inside one of Region's ECALL-like
// methods into an errs.SystemError the dispatcher can answer with.
func recoverToError(err *error) {
	if r := recover(); r != nil {
		*err = errs.NewField(errs.SystemError, "trusted_region", panicError{r})
	}
}

type panicError struct{ v interface{} }

func (p panicError) Error() string {
	if e, ok := p.v.(error); ok {
		return e.Error()
	}
	return "panic in trusted region"
}

// GetRegistrationParams returns the worker's public identity for the
// GetRegistrationParams IPC call.
func (r *Region) GetRegistrationParams() (signingKey []byte, signature []byte) {
	sk := r.ks.SigningKey()
	return sk.Public, sk.Sign(sk.Public)
}

// IdentityChallenge signs an arbitrary nonce to prove possession of the
// worker's signing key.
func (r *Region) IdentityChallenge(nonce []byte) []byte {
	return r.ks.SigningKey().Sign(nonce)
}

// NewTaskEncryptionKey generates an ephemeral DH pair, derives and installs
// the shared key under userPubKey in DH_KEYS, and signs the worker's
// ephemeral public half.
func (r *Region) NewTaskEncryptionKey(userPubKey [32]byte) (workerPubKey [32]byte, signature []byte, err error) {
	defer recoverToError(&err)

	kp, derr := crypto.NewDHKeyPair()
	if derr != nil {
		return workerPubKey, nil, derr
	}
	shared, serr := kp.SharedSecret(userPubKey[:])
	if serr != nil {
		return workerPubKey, nil, serr
	}
	aeadKey := crypto.KDF(shared)
	r.ks.PutDHKey(userPubKey, aeadKey)

	sig := r.ks.SigningKey().Sign(kp.Public[:])
	return kp.Public, sig, nil
}

// SetWorkerParams signs and seals a new epoch record from the supplied
// worker/stake tables, carrying the seed forward from previous when set.
func (r *Region) SetWorkerParams(params epoch.WorkerParams, previous *epoch.Epoch) (seed [32]byte, nonce uint64, signature []byte, err error) {
	defer recoverToError(&err)
	return epoch.SetWorkerParams(r.ks, params, previous)
}

// LoadEpoch returns the previously sealed epoch, if any, for callers that
// need to pass it back into SetWorkerParams as "previous".
func (r *Region) LoadEpoch() (*epoch.Epoch, error) {
	payload, err := r.ks.LoadEpoch()
	if err != nil {
		return nil, err
	}
	return epoch.Decode(payload)
}

// SelectWorkers runs committee selection over an epoch's seed and
// worker/stake tables, and attests the result with the worker's BLS key so
// committee members' attestations over the same selection can be
// aggregated off-worker.
func (r *Region) SelectWorkers(e *epoch.Epoch, contractAddress [32]byte, groupSize int) (selection [][20]byte, attestation []byte, err error) {
	defer recoverToError(&err)
	selection, serr := epoch.SelectWorkers(e.Seed, e.Workers, e.Stakes, contractAddress, groupSize)
	if serr != nil {
		return nil, nil, serr
	}
	attestation, aerr := epoch.AttestSelection(r.ks, contractAddress, selection)
	if aerr != nil {
		return nil, nil, aerr
	}
	return selection, attestation, nil
}

// pttSessionKey derives a stable lookup key for a Session from its request
// blob, so a later PTTResponse can be matched to the GetPTTRequest that
// produced it.
func pttSessionKey(requestBlob []byte) string { return string(requestBlob) }

// GetPTTRequest builds and signs a state-key request for a batch of
// contract addresses and remembers the session so the matching PTTResponse
// can be processed.
func (r *Region) GetPTTRequest(addresses [][32]byte) (requestBlob []byte, workerSig []byte, err error) {
	defer recoverToError(&err)
	session, blob, sig, gerr := ptt.GetPTTRequest(r.ks, addresses)
	if gerr != nil {
		return nil, nil, gerr
	}
	r.sessionMu.Lock()
	r.sessions[pttSessionKey(blob)] = session
	r.sessionMu.Unlock()
	return blob, sig, nil
}

// PTTResponse completes a state-key exchange, keyed by the original request
// blob so a response to a request this worker never sent is rejected
// outright rather than silently accepted.
func (r *Region) PTTResponse(requestBlob, responseBlob []byte) (results []ptt.StatusResult, err error) {
	defer recoverToError(&err)
	r.sessionMu.Lock()
	session, ok := r.sessions[pttSessionKey(requestBlob)]
	if ok {
		delete(r.sessions, pttSessionKey(requestBlob))
	}
	r.sessionMu.Unlock()
	if !ok {
		return nil, errs.NewField(errs.WorkerAuthError, "ptt_session", errUnknownPTTSession)
	}
	return ptt.HandlePTTResponse(r.ks, session, responseBlob), nil
}

var errUnknownPTTSession = plainErr("no matching GetPTTRequest for this response")

type plainErr string

func (e plainErr) Error() string { return string(e) }

// TaskInput is the decrypted form of a wire IpcTask, after the caller has
// already used DH_KEYS to decrypt encryptedFn/encryptedArgs.
type TaskInput struct {
	ContractAddress [32]byte
	Bytecode        []byte // only set for DeploySecretContract (IpcTask.preCode)
	FunctionName    string
	ArgumentTypes   []byte
	ArgumentBytes   []byte
	GasLimit        uint64
}

// TaskOutput bundles what DeploySecretContract/ComputeTask return: the
// result bytes, gas used, the new encrypted state, and the encrypted delta
// to persist, once the invocation completes successfully.
type TaskOutput struct {
	UsedGas        uint64
	Output         []byte
	EncryptedDelta state.EncryptedPatch
	NewState       state.EncryptedContractState
}

// Deploy runs the WASM executor's constructor path: function_name and
// argument_types reach the module empty, and its call export must produce
// the initial state. The deployment itself occupies index 0 of the
// contract's delta chain — a patch from the empty document to the initial
// one, linked to a zero hash — so the persisted state comes out with
// next_delta_index already advanced to 1.
func (r *Region) Deploy(input TaskInput) (out TaskOutput, err error) {
	defer recoverToError(&err)

	stateKey, kerr := r.ks.StateKeyFor(input.ContractAddress)
	if kerr != nil {
		return TaskOutput{}, kerr
	}

	scratch := hostdb.NewScratchKV()
	task := wasmexec.Task{
		GasLimit:      input.GasLimit,
		ArgumentBytes: input.ArgumentBytes,
		ArgumentTypes: input.ArgumentTypes,
		FunctionName:  input.FunctionName,
	}
	result, ierr := wasmexec.Invoke(r.engine, input.Bytecode, task, scratch)
	if ierr != nil {
		return TaskOutput{}, ierr
	}

	base := state.NewContractState(input.ContractAddress, json.RawMessage(`{}`))
	initial := base
	initial.Document = json.RawMessage(result.NewState)
	initial.NextDeltaIndex = 1

	patch, derr := state.GenerateDelta(base, initial)
	if derr != nil {
		return TaskOutput{}, derr
	}
	encPatch, perr := state.EncryptPatch(stateKey, *patch)
	if perr != nil {
		return TaskOutput{}, perr
	}
	initial.LastDeltaHash = state.HashEncryptedPatch(encPatch)

	encState, eerr := state.EncryptState(stateKey, initial)
	if eerr != nil {
		return TaskOutput{}, eerr
	}

	r.db.Put(hostdb.Key{ContractAddress: input.ContractAddress, Kind: hostdb.KindState}, packState(initial, encState.Ciphertext))
	r.db.Put(hostdb.Key{ContractAddress: input.ContractAddress, Kind: hostdb.KindBytecode}, input.Bytecode)
	r.db.Put(hostdb.Key{ContractAddress: input.ContractAddress, Kind: hostdb.KindDelta, DeltaIndex: patch.Index}, encPatch.Ciphertext)

	return TaskOutput{UsedGas: result.UsedGas, Output: result.ResultBytes, EncryptedDelta: encPatch, NewState: encState}, nil
}

// Execute runs a contract call against its persisted state and advances
// its delta chain.
func (r *Region) Execute(before state.ContractState, input TaskInput) (out TaskOutput, err error) {
	defer recoverToError(&err)

	stateKey, kerr := r.ks.StateKeyFor(input.ContractAddress)
	if kerr != nil {
		return TaskOutput{}, kerr
	}
	bytecode, ok := r.db.Get(hostdb.Key{ContractAddress: input.ContractAddress, Kind: hostdb.KindBytecode})
	if !ok {
		return TaskOutput{}, errs.NewField(errs.OcallError, "bytecode", errNoBytecode)
	}

	scratch := hostdb.NewScratchKV()
	task := wasmexec.Task{
		GasLimit:      input.GasLimit,
		ArgumentBytes: input.ArgumentBytes,
		ArgumentTypes: input.ArgumentTypes,
		PriorState:    before.Document,
		FunctionName:  input.FunctionName,
	}
	result, ierr := wasmexec.Invoke(r.engine, bytecode, task, scratch)
	if ierr != nil {
		return TaskOutput{}, ierr
	}

	after := before
	after.Document = json.RawMessage(result.NewState)
	after.NextDeltaIndex = before.NextDeltaIndex + 1

	patch, derr := state.GenerateDelta(before, after)
	if derr != nil {
		return TaskOutput{}, derr
	}
	encPatch, perr := state.EncryptPatch(stateKey, *patch)
	if perr != nil {
		return TaskOutput{}, perr
	}
	newHash := state.HashEncryptedPatch(encPatch)
	after.LastDeltaHash = newHash

	encState, eerr := state.EncryptState(stateKey, after)
	if eerr != nil {
		return TaskOutput{}, eerr
	}

	r.db.Put(hostdb.Key{ContractAddress: input.ContractAddress, Kind: hostdb.KindState}, packState(after, encState.Ciphertext))
	r.db.Put(hostdb.Key{ContractAddress: input.ContractAddress, Kind: hostdb.KindDelta, DeltaIndex: patch.Index}, encPatch.Ciphertext)

	return TaskOutput{UsedGas: result.UsedGas, Output: result.ResultBytes, EncryptedDelta: encPatch, NewState: encState}, nil
}

var errNoBytecode = plainErr("no bytecode stored for this contract address")

// stateMetaSize is the length of the cleartext next_delta_index/
// last_delta_hash header packState prepends to a state record's ciphertext.
// Neither value is secret, so folding them into the same host-store blob
// the ciphertext already occupies avoids inventing a fourth key kind
// beyond State/Delta/Bytecode.
const stateMetaSize = 4 + 32

func packState(s state.ContractState, ciphertext []byte) []byte {
	buf := make([]byte, 0, stateMetaSize+len(ciphertext))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], s.NextDeltaIndex)
	buf = append(buf, idx[:]...)
	buf = append(buf, s.LastDeltaHash[:]...)
	buf = append(buf, ciphertext...)
	return buf
}

func unpackState(blob []byte) (nextDeltaIndex uint32, lastDeltaHash [32]byte, ciphertext []byte, err error) {
	if len(blob) < stateMetaSize {
		return 0, lastDeltaHash, nil, errs.NewField(errs.OcallError, "state", errCorruptStateRecord)
	}
	nextDeltaIndex = binary.BigEndian.Uint32(blob[:4])
	copy(lastDeltaHash[:], blob[4:stateMetaSize])
	ciphertext = blob[stateMetaSize:]
	return nextDeltaIndex, lastDeltaHash, ciphertext, nil
}

var errCorruptStateRecord = plainErr("state record shorter than its cleartext metadata header")

// CurrentState recovers a contract's decrypted state from the host store,
// for callers (the IPC dispatcher's ComputeTask handler) that only hold a
// contract address between calls rather than a live ContractState value.
func (r *Region) CurrentState(contractAddress [32]byte) (out state.ContractState, err error) {
	defer recoverToError(&err)

	stateKey, kerr := r.ks.StateKeyFor(contractAddress)
	if kerr != nil {
		return state.ContractState{}, kerr
	}
	blob, ok := r.db.Get(hostdb.Key{ContractAddress: contractAddress, Kind: hostdb.KindState})
	if !ok {
		return state.ContractState{}, errs.NewField(errs.OcallError, "state", errNoState)
	}
	nextDeltaIndex, lastDeltaHash, ciphertext, uerr := unpackState(blob)
	if uerr != nil {
		return state.ContractState{}, uerr
	}
	es := state.EncryptedContractState{ContractAddress: contractAddress, Ciphertext: ciphertext}
	return state.DecryptState(stateKey, es, lastDeltaHash, nextDeltaIndex)
}

var errNoState = plainErr("no state persisted for this contract address; deploy it first")

// HostStore exposes the host-side key/value store to the dispatcher for the
// data-plane IPC variants (GetTip, GetDelta, GetContract, UpdateDeltas, ...).
// Those variants only shuttle opaque ciphertext blobs, so they do not need
// to cross into a trusted-region method: nothing here is ever decrypted
// outside Deploy/Execute.
func (r *Region) HostStore() *hostdb.Store { return r.db }

// DecryptWithUserKey decrypts a blob under the shared AEAD key installed
// for userPubKey by a prior NewTaskEncryptionKey call.
func (r *Region) DecryptWithUserKey(userPubKey [32]byte, blob []byte) (plaintext []byte, err error) {
	defer recoverToError(&err)
	key, ok := r.ks.DHKey(userPubKey)
	if !ok {
		return nil, errs.NewField(errs.MissingKeyError, "dh_key", errNoDHKey)
	}
	return crypto.Decrypt(key[:], blob, nil)
}

// EncryptWithUserKey encrypts a result payload under the same shared key, so
// the dispatcher can return encrypted output to the caller.
func (r *Region) EncryptWithUserKey(userPubKey [32]byte, plaintext []byte) (ciphertext []byte, err error) {
	defer recoverToError(&err)
	key, ok := r.ks.DHKey(userPubKey)
	if !ok {
		return nil, errs.NewField(errs.MissingKeyError, "dh_key", errNoDHKey)
	}
	return crypto.Encrypt(key[:], plaintext, nil)
}

// Sign signs an arbitrary message with the worker's long-lived signing key,
// used by the dispatcher to attach a signature to DeploySecretContract and
// ComputeTask responses.
func (r *Region) Sign(msg []byte) []byte {
	return r.ks.SigningKey().Sign(msg)
}

var errNoDHKey = plainErr("no shared key installed for this user public key; call NewTaskEncryptionKey first")
