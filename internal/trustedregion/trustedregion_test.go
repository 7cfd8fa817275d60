package trustedregion

import (
	"encoding/json"
	"testing"

	"github.com/wasmerio/wasmer-go/wasmer"

	"trustednode/internal/keystore"
	"trustednode/internal/state"
	"trustednode/internal/testutil"
)

// contractWAT stands in for a single deployed contract module. Every
// invocation goes through the same module's one "call" export, so the
// deploy/execute branch is encoded as "does from_memory's prior-state
// selector come back empty": on Deploy, Task.PriorState is unset and
// from_memory(selector=1, ...) returns 0, so the constructor persists
// balance 17 through write_state; on Execute, PriorState holds the
// deployed document and from_memory returns its length, so the call
// persists the addition(56, 87) post-state instead. Either way the new
// document travels through write_state while ret carries the caller-facing
// result.
const contractWAT = `
(module
  (import "env" "memory" (memory 1))
  (import "env" "ret" (func $ret (param i32 i32)))
  (import "env" "write_state" (func $write_state (param i32 i32 i32 i32) (result i32)))
  (import "env" "from_memory" (func $from_memory (param i32 i32 i32) (result i32)))
  (data (i32.const 0) "balance")
  (data (i32.const 16) "17")
  (data (i32.const 32) "143")
  (data (i32.const 48) "{\"balance\":17}")
  (data (i32.const 80) "{\"balance\":143}")
  (func (export "call")
    (local $n i32)
    (local.set $n (call $from_memory (i32.const 1) (i32.const 128) (i32.const 64)))
    (if (i32.eq (local.get $n) (i32.const 0))
      (then
        (drop (call $write_state (i32.const 0) (i32.const 7) (i32.const 16) (i32.const 2)))
        (call $ret (i32.const 48) (i32.const 14)))
      (else
        (drop (call $write_state (i32.const 0) (i32.const 7) (i32.const 32) (i32.const 3)))
        (call $ret (i32.const 80) (i32.const 15)))
    )
  )
)`

func compileWAT(t *testing.T, wat string) []byte {
	t.Helper()
	b, err := wasmer.Wat2Wasm(wat)
	if err != nil {
		t.Fatalf("wat2wasm: %v", err)
	}
	return b
}

func TestDeployThenExecuteAddition(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	region, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}

	var contractAddress [32]byte
	contractAddress[0] = 0x01
	var stateKey keystore.StateKey
	stateKey[0] = 0x77
	region.ks.PutStateKey(contractAddress, stateKey)

	deployOut, err := region.Deploy(TaskInput{
		ContractAddress: contractAddress,
		Bytecode:        compileWAT(t, contractWAT),
		GasLimit:        1_000_000,
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	var deployed struct {
		Balance int `json:"balance"`
	}
	if err := json.Unmarshal(deployOut.Output, &deployed); err != nil {
		t.Fatalf("unmarshal deploy output: %v", err)
	}
	if deployed.Balance != 17 {
		t.Fatalf("expected deployed balance 17, got %d", deployed.Balance)
	}
	if deployOut.EncryptedDelta.Index != 0 {
		t.Fatalf("expected the deployment delta to carry index 0, got %d", deployOut.EncryptedDelta.Index)
	}

	before, err := region.CurrentState(contractAddress)
	if err != nil {
		t.Fatalf("decrypt deployed state: %v", err)
	}

	execOut, err := region.Execute(before, TaskInput{
		ContractAddress: contractAddress,
		FunctionName:    "addition",
		GasLimit:        1_000_000,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var after struct {
		Balance int `json:"balance"`
	}
	if err := json.Unmarshal(execOut.Output, &after); err != nil {
		t.Fatalf("unmarshal execute output: %v", err)
	}
	if after.Balance != 143 {
		t.Fatalf("expected post-state balance 143, got %d", after.Balance)
	}
	if execOut.EncryptedDelta.Index != 1 {
		t.Fatalf("expected the first execute delta to carry index 1, got %d", execOut.EncryptedDelta.Index)
	}

	// Decrypting the delta with the state key and applying it to the
	// deployed state must reproduce the post-execution document.
	patch, err := state.DecryptPatch([32]byte(stateKey), execOut.EncryptedDelta, before.LastDeltaHash)
	if err != nil {
		t.Fatalf("decrypt delta: %v", err)
	}
	applied, err := state.ApplyPatch(before, patch, state.HashEncryptedPatch(execOut.EncryptedDelta))
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	var chained struct {
		Balance int `json:"balance"`
	}
	if err := json.Unmarshal(applied.Document, &chained); err != nil {
		t.Fatalf("unmarshal chained state: %v", err)
	}
	if chained.Balance != 143 {
		t.Fatalf("expected the delta chain to encode balance 143, got %d", chained.Balance)
	}
}

func TestGetPTTRequestThenUnknownResponseRejected(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	region, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open region: %v", err)
	}

	if _, err := region.PTTResponse([]byte("never requested"), []byte("anything")); err == nil {
		t.Fatalf("expected an error for a PTTResponse with no matching GetPTTRequest")
	}
}
