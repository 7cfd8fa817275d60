package wasmexec

import (
	"errors"
	"testing"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// TestInstrumentOutputStillCompiles guards the rewriter against emitting a
// malformed module: the instrumented bytes must satisfy wasmer's own
// validator, with the consume_gas import and stack-height global spliced
// in.
func TestInstrumentOutputStillCompiles(t *testing.T) {
	code := compileWAT(t, addNumbersWAT)
	instrumented, err := instrument(code)
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	store := wasmer.NewStore(wasmer.NewEngine())
	module, err := wasmer.NewModule(store, instrumented)
	if err != nil {
		t.Fatalf("instrumented module does not validate: %v", err)
	}

	found := false
	for _, imp := range module.Imports() {
		if imp.Name() == "consume_gas" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a consume_gas import in the instrumented module")
	}
}

func TestInstrumentRejectsStartSection(t *testing.T) {
	code := compileWAT(t, `
(module
  (import "env" "memory" (memory 1))
  (func $init)
  (start $init)
  (func (export "call"))
)`)
	if _, err := instrument(code); !errors.Is(err, errHasStart) {
		t.Fatalf("expected errHasStart, got %v", err)
	}
}

func TestInstrumentRejectsReservedImport(t *testing.T) {
	code := compileWAT(t, `
(module
  (import "env" "memory" (memory 1))
  (import "env" "consume_gas" (func $gas (param i32)))
  (func (export "call"))
)`)
	if _, err := instrument(code); !errors.Is(err, errReservedImport) {
		t.Fatalf("expected errReservedImport, got %v", err)
	}
}

func TestInstrumentRejectsGarbage(t *testing.T) {
	if _, err := instrument([]byte("not wasm at all")); err == nil {
		t.Fatalf("expected an error for non-wasm input")
	}
}

// TestInstrumentChargesPerBlock runs a counted loop through Invoke twice
// with different iteration counts and checks the longer run burns more
// gas, which only happens if the loop body is metered per iteration.
func TestInstrumentChargesPerBlock(t *testing.T) {
	run := func(iterations byte) uint64 {
		t.Helper()
		code := compileWAT(t, `
(module
  (import "env" "memory" (memory 1))
  (func (export "call")
    (local $i i32)
    (local.set $i (i32.const `+string(rune('0'+iterations))+`))
    (block
      (loop
        (br_if 1 (i32.eqz (local.get $i)))
        (local.set $i (i32.sub (local.get $i) (i32.const 1)))
        (br 0)
      )
    )
  )
)`)
		result, err := Invoke(wasmer.NewEngine(), code, Task{GasLimit: 1_000_000}, newMemDB())
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
		return result.UsedGas
	}

	short := run(1)
	long := run(9)
	if long <= short {
		t.Fatalf("expected more gas for more iterations: 9 iterations used %d, 1 iteration used %d", long, short)
	}
}
