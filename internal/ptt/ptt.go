// Package ptt implements the worker side of the Principal-to-Trusted
// Transport: the two-message exchange the worker uses to obtain fresh
// state keys for a batch of contract addresses from a remote principal
// node.
//
// Request/response bodies are JSON documents (no length prefix); the
// dispatcher carries them as hex-encoded byte fields.
package ptt

import (
	crand "crypto/rand"
	"encoding/json"

	"trustednode/internal/crypto"
	"trustednode/internal/errs"
	"trustednode/internal/keystore"
)

// StatusResult mirrors the wire IpcStatusResult: status is 0 on success,
// -1 on failure, reported per contract address so one bad entry never
// aborts the whole batch.
type StatusResult struct {
	Address [32]byte `json:"address"`
	Status  int8     `json:"status"`
}

// request is the plaintext body signed and returned by GetPTTRequest.
type request struct {
	Addresses    [][32]byte `json:"addresses"`
	EphemeralKey [32]byte   `json:"ephemeralPubKey"`
	Nonce        [16]byte   `json:"nonce"`
}

// entry is one (address, state_key) pair as encrypted inside a principal's
// response payload.
type entry struct {
	Address  [32]byte `json:"address"`
	StateKey [32]byte `json:"stateKey"`
}

// responsePayload is the plaintext recovered after decrypting a principal
// response blob under the derived shared key.
type responsePayload struct {
	PrincipalPubKey [32]byte `json:"principalPubKey"`
	Entries         []entry  `json:"entries"`
}

// Session holds the ephemeral DH key pair generated for one GetPTTRequest
// call, kept only long enough to process the matching PTTResponse.
type Session struct {
	dh        *crypto.DHKeyPair
	addresses [][32]byte
}

// GetPTTRequest opens the exchange: generate an ephemeral DH key pair,
// pack (addresses, ephemeral_pubkey, nonce) into a serialized request,
// sign it with the worker's long-lived signing key, and return
// (request_blob, worker_signature). The returned Session must be passed to
// HandlePTTResponse to complete the exchange.
func GetPTTRequest(ks *keystore.KeyStore, addresses [][32]byte) (session *Session, requestBlob []byte, workerSig []byte, err error) {
	dh, derr := crypto.NewDHKeyPair()
	if derr != nil {
		return nil, nil, nil, derr
	}

	var nonce [16]byte
	if _, rerr := crand.Read(nonce[:]); rerr != nil {
		return nil, nil, nil, errs.New(errs.SystemError, rerr)
	}

	req := request{Addresses: addresses, EphemeralKey: dh.Public, Nonce: nonce}
	blob, jerr := json.Marshal(req)
	if jerr != nil {
		return nil, nil, nil, errs.New(errs.SystemError, jerr)
	}

	sig := ks.SigningKey().Sign(blob)
	return &Session{dh: dh, addresses: addresses}, blob, sig, nil
}

// responseEnvelope is the opaque blob returned by the principal: the
// principal's ephemeral pubkey in clear plus the AEAD-sealed entry list.
type responseEnvelope struct {
	PrincipalPubKey [32]byte `json:"principalPubKey"`
	Ciphertext      []byte   `json:"ciphertext"`
}

// HandlePTTResponse completes the exchange: deserialize the opaque
// response blob, derive the shared key from the session's DH private half
// and the principal's public key, decrypt the payload, and insert each
// (contract_address, state_key) pair into STATE_KEYS.
// Per-entry failures (mismatched address, bad MAC) are reported in the
// returned slice and never abort the batch; a single malformed envelope
// (one that cannot even be parsed) fails every address in the session's
// original request.
func HandlePTTResponse(ks *keystore.KeyStore, session *Session, responseBlob []byte) []StatusResult {
	var env responseEnvelope
	if err := json.Unmarshal(responseBlob, &env); err != nil {
		return failAll(session.addresses)
	}

	shared, serr := session.dh.SharedSecret(env.PrincipalPubKey[:])
	if serr != nil {
		return failAll(session.addresses)
	}
	aeadKey := crypto.KDF(shared)

	plain, derr := crypto.Decrypt(aeadKey[:], env.Ciphertext, env.PrincipalPubKey[:])
	if derr != nil {
		return failAll(session.addresses)
	}

	var payload responsePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return failAll(session.addresses)
	}

	byAddress := make(map[[32]byte]entry, len(payload.Entries))
	for _, e := range payload.Entries {
		byAddress[e.Address] = e
	}

	results := make([]StatusResult, 0, len(session.addresses))
	for _, addr := range session.addresses {
		e, ok := byAddress[addr]
		if !ok || e.Address != addr {
			results = append(results, StatusResult{Address: addr, Status: -1})
			continue
		}
		ks.PutStateKey(addr, keystore.StateKey(e.StateKey))
		results = append(results, StatusResult{Address: addr, Status: 0})
	}
	return results
}

func failAll(addresses [][32]byte) []StatusResult {
	out := make([]StatusResult, len(addresses))
	for i, a := range addresses {
		out[i] = StatusResult{Address: a, Status: -1}
	}
	return out
}

// BatchFailed reports the batch's top-level status: failed iff any entry
// in results failed.
func BatchFailed(results []StatusResult) bool {
	for _, r := range results {
		if r.Status != 0 {
			return true
		}
	}
	return false
}
