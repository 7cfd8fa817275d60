package wasmexec

import (
	"bytes"
	"testing"

	"github.com/wasmerio/wasmer-go/wasmer"
)

type memDB struct {
	data map[string][]byte
}

func newMemDB() *memDB { return &memDB{data: make(map[string][]byte)} }

func (m *memDB) ReadState(key []byte) ([]byte, bool) {
	v, ok := m.data[string(key)]
	return v, ok
}

func (m *memDB) WriteState(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memDB) Entries() map[string][]byte {
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// addNumbersWAT is the WebAssembly text for a module that imports its
// linear memory from the host, pulls two 32-byte big-endian operands in
// via from_memory, adds their low words, and returns a 32-byte big-endian
// sum via ret. It mirrors an addNumbers(uint,uint) contract at the level
// this executor actually interprets: one argument copy in, one ret call
// out. The i64 loads cover the tail 8 bytes of each operand; with small
// test values only the highest little-endian byte is set, so the add
// carries no further and the stored word lands the sum in the result
// buffer's final byte.
const addNumbersWAT = `
(module
  (import "env" "memory" (memory 1))
  (import "env" "from_memory" (func $from_memory (param i32 i32 i32) (result i32)))
  (import "env" "ret" (func $ret (param i32 i32)))
  (func (export "call")
    (drop (call $from_memory (i32.const 0) (i32.const 0) (i32.const 64)))
    (i64.store (i32.const 120)
      (i64.add (i64.load (i32.const 24)) (i64.load (i32.const 56))))
    (call $ret (i32.const 96) (i32.const 32))
  )
)`

func compileWAT(t *testing.T, wat string) []byte {
	t.Helper()
	wasmBytes, err := wasmer.Wat2Wasm(wat)
	if err != nil {
		t.Fatalf("wat2wasm: %v", err)
	}
	return wasmBytes
}

func TestInvokeRejectsInternalMemory(t *testing.T) {
	bad := compileWAT(t, `(module (memory (export "memory") 1) (func (export "call")))`)
	engine := wasmer.NewEngine()
	db := newMemDB()
	if _, err := Invoke(engine, bad, Task{GasLimit: 1_000_000}, db); err == nil {
		t.Fatalf("expected an error for a module declaring its own memory")
	}
}

func TestInvokeAddition(t *testing.T) {
	code := compileWAT(t, addNumbersWAT)
	engine := wasmer.NewEngine()
	db := newMemDB()

	var a, b [32]byte
	a[31] = 1
	b[31] = 2
	args := append(append([]byte{}, a[:]...), b[:]...)

	task := Task{
		GasLimit:      1_000_000,
		ArgumentBytes: args,
	}

	result, err := Invoke(engine, code, task, db)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var want [32]byte
	want[31] = 3
	if !bytes.Equal(result.ResultBytes, want[:]) {
		t.Fatalf("result mismatch: got %x want %x", result.ResultBytes, want)
	}
	if result.UsedGas == 0 {
		t.Fatalf("expected non-zero gas usage")
	}
}

func TestInvokeRejectsOversizedMemoryImport(t *testing.T) {
	big := compileWAT(t, `(module (import "env" "memory" (memory 65 128)) (func (export "call")))`)
	engine := wasmer.NewEngine()
	if _, err := Invoke(engine, big, Task{GasLimit: 1_000_000}, newMemDB()); err == nil {
		t.Fatalf("expected an error for a memory import above the page maximum")
	}
}

func TestInvokeCPULoopExhaustsGas(t *testing.T) {
	// A pure-CPU spin that never touches the I/O imports must still run
	// out of gas through the injected counter instead of hanging.
	code := compileWAT(t, `
(module
  (import "env" "memory" (memory 1))
  (func (export "call") (loop (br 0)))
)`)
	engine := wasmer.NewEngine()
	if _, err := Invoke(engine, code, Task{GasLimit: 10_000}, newMemDB()); err == nil {
		t.Fatalf("expected gas exhaustion for an unmetered spin loop")
	}
}

func TestInvokeWriteStateBecomesNewState(t *testing.T) {
	// write_state persists state and ret returns an unrelated result; the
	// two must come back as independent outputs.
	code := compileWAT(t, `
(module
  (import "env" "memory" (memory 1))
  (import "env" "write_state" (func $write_state (param i32 i32 i32 i32) (result i32)))
  (import "env" "ret" (func $ret (param i32 i32)))
  (data (i32.const 0) "balance")
  (data (i32.const 16) "42")
  (data (i32.const 32) "ok")
  (func (export "call")
    (drop (call $write_state (i32.const 0) (i32.const 7) (i32.const 16) (i32.const 2)))
    (call $ret (i32.const 32) (i32.const 2))
  )
)`)
	engine := wasmer.NewEngine()
	db := newMemDB()
	result, err := Invoke(engine, code, Task{GasLimit: 1_000_000}, db)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(result.ResultBytes) != "ok" {
		t.Fatalf("result mismatch: got %q", result.ResultBytes)
	}
	if string(result.NewState) != `{"balance":42}` {
		t.Fatalf("new state mismatch: got %s", result.NewState)
	}
}

func TestInvokeUnboundedRecursionTraps(t *testing.T) {
	code := compileWAT(t, `
(module
  (import "env" "memory" (memory 1))
  (func $spin (call $spin))
  (func (export "call") (call $spin))
)`)
	engine := wasmer.NewEngine()
	if _, err := Invoke(engine, code, Task{GasLimit: 1_000_000}, newMemDB()); err == nil {
		t.Fatalf("expected a trap for unbounded recursion")
	}
}

func TestInvokeOutOfGas(t *testing.T) {
	code := compileWAT(t, addNumbersWAT)
	engine := wasmer.NewEngine()
	db := newMemDB()

	task := Task{GasLimit: 0, ArgumentBytes: make([]byte, 64)}
	if _, err := Invoke(engine, code, task, db); err == nil {
		t.Fatalf("expected an out-of-gas error with a zero gas limit")
	}
}
