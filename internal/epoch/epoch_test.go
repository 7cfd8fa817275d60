package epoch

import (
	"testing"

	"trustednode/internal/keystore"
	"trustednode/internal/testutil"
)

func openKeystore(t *testing.T, dir string) *keystore.KeyStore {
	t.Helper()
	ks, err := keystore.Open(dir)
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	return ks
}

func TestSelectWorkersDeterministic(t *testing.T) {
	var seed [32]byte
	seed[31] = 0x01
	var w1, w2 [20]byte
	w1[19] = 0x01
	w2[19] = 0x02
	workers := [][20]byte{w1, w2}
	stakes := []uint64{1, 1}
	var contract [32]byte
	contract[31] = 0x02

	first, err := SelectWorkers(seed, workers, stakes, contract, 1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	second, err := SelectWorkers(seed, workers, stakes, contract, 1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first[0] != second[0] {
		t.Fatalf("worker selection is not deterministic: %x != %x", first[0], second[0])
	}
	if len(first) != 1 {
		t.Fatalf("expected exactly one selected worker, got %d", len(first))
	}
}

func TestSelectWorkersRejectsMismatchedLengths(t *testing.T) {
	var seed [32]byte
	var addr [32]byte
	if _, err := SelectWorkers(seed, [][20]byte{{}}, []uint64{1, 2}, addr, 1); err == nil {
		t.Fatalf("expected an error for mismatched workers/stakes lengths")
	}
}

func TestSelectWorkersDistinctUntilGroupSize(t *testing.T) {
	var seed [32]byte
	seed[0] = 0xAB
	workers := make([][20]byte, 4)
	stakes := make([]uint64, 4)
	for i := range workers {
		workers[i][19] = byte(i + 1)
		stakes[i] = 10
	}
	var contract [32]byte
	contract[0] = 0x05

	selected, err := SelectWorkers(seed, workers, stakes, contract, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(selected) != 3 {
		t.Fatalf("expected 3 distinct workers, got %d", len(selected))
	}
	seen := make(map[[20]byte]bool)
	for _, w := range selected {
		if seen[w] {
			t.Fatalf("worker %x selected twice", w)
		}
		seen[w] = true
	}
}

func TestSetWorkerParamsFreshSeedWhenNoPrevious(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	ks := openKeystore(t, sb.Root)
	var w [20]byte
	w[19] = 1
	params := WorkerParams{BlockNumber: 10, Workers: [][20]byte{w}, Stakes: []uint64{1}}

	seed, nonce, sig, err := SetWorkerParams(ks, params, nil)
	if err != nil {
		t.Fatalf("set worker params: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("expected nonce 0 for a fresh epoch, got %d", nonce)
	}
	if len(sig) == 0 {
		t.Fatalf("expected a non-empty signature")
	}
	var zero [32]byte
	if seed == zero {
		t.Fatalf("expected a non-zero generated seed")
	}
}

func TestSetWorkerParamsReusesPreviousSeedAndAdvancesNonce(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	ks := openKeystore(t, sb.Root)
	var w [20]byte
	w[19] = 1
	params := WorkerParams{BlockNumber: 10, Workers: [][20]byte{w}, Stakes: []uint64{1}}

	seed1, nonce1, _, err := SetWorkerParams(ks, params, nil)
	if err != nil {
		t.Fatalf("set worker params: %v", err)
	}
	prev := &Epoch{BlockNumber: params.BlockNumber, Workers: params.Workers, Stakes: params.Stakes, Nonce: nonce1, Seed: seed1}

	seed2, nonce2, _, err := SetWorkerParams(ks, params, prev)
	if err != nil {
		t.Fatalf("set worker params (reuse): %v", err)
	}
	if seed2 != seed1 {
		t.Fatalf("expected the seed to be carried over from the previous epoch")
	}
	if nonce2 != nonce1+1 {
		t.Fatalf("expected nonce to advance by one, got %d -> %d", nonce1, nonce2)
	}
}

func TestEpochEncodeDecodeRoundTrip(t *testing.T) {
	var w [20]byte
	w[19] = 7
	e := &Epoch{BlockNumber: 42, Workers: [][20]byte{w}, Stakes: []uint64{5}, Nonce: 3}
	e.Seed[0] = 0x9

	encoded, err := e.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.BlockNumber != e.BlockNumber || decoded.Nonce != e.Nonce || decoded.Seed != e.Seed {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, e)
	}
	if len(decoded.Workers) != 1 || decoded.Workers[0] != w {
		t.Fatalf("worker round trip mismatch: got %x", decoded.Workers)
	}
}
