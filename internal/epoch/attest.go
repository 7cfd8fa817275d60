package epoch

import (
	"github.com/ethereum/go-ethereum/rlp"

	"trustednode/internal/crypto"
	"trustednode/internal/errs"
	"trustednode/internal/keystore"
)

// committeeRecord is the canonical encoding every committee member signs:
// the contract the committee was elected for plus the elected workers, in
// selection order.
type committeeRecord struct {
	ContractAddress []byte
	Workers         [][]byte
}

func encodeCommittee(contractAddress [32]byte, selection [][20]byte) ([]byte, error) {
	rec := committeeRecord{ContractAddress: contractAddress[:]}
	rec.Workers = make([][]byte, len(selection))
	for i, w := range selection {
		wCopy := w
		rec.Workers[i] = wCopy[:]
	}
	out, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return out, nil
}

// AttestSelection signs the elected committee with the worker's BLS
// attestation key. Every committee member produces the same message, so
// their signatures aggregate into one via crypto.AggregateAttestations.
func AttestSelection(ks *keystore.KeyStore, contractAddress [32]byte, selection [][20]byte) ([]byte, error) {
	msg, err := encodeCommittee(contractAddress, selection)
	if err != nil {
		return nil, err
	}
	return ks.AttestationKey().Sign(msg), nil
}

// VerifySelectionAttestation checks a committee attestation (individual or
// aggregated) against a compressed BLS public key (likewise individual or
// aggregated).
func VerifySelectionAttestation(pub []byte, contractAddress [32]byte, selection [][20]byte, sig []byte) (bool, error) {
	msg, err := encodeCommittee(contractAddress, selection)
	if err != nil {
		return false, err
	}
	return crypto.VerifyAttestation(pub, msg, sig), nil
}
