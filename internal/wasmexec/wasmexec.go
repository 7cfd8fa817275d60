// Package wasmexec is the WASM execution sandbox: module decode and
// validation, gas-counter injection, stack-height limiting, host import
// resolution, instantiation and invocation of a contract module under
// wasmer-go.
//
// The contract never owns its linear memory. Invoke creates a host-side
// memory bounded at MaxMemoryPages and injects it into the module under
// the import name "memory", so the executor controls its size for the
// whole call; a module that declares an internal memory section is
// rejected at decode time. Before instantiation the bytecode is rewritten
// (see instrument.go) so every basic block charges the gas meter and every
// call site maintains the stack-height counter.
package wasmexec

import (
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/wasmerio/wasmer-go/wasmer"

	"trustednode/internal/errs"
)

// Gas cost table. These values are consensus-critical: every worker must
// charge identically for the same call or signed results diverge.
const (
	CostRegular           uint64 = 1
	CostDiv               uint64 = 16
	CostMul               uint64 = 4
	CostLoadStore         uint64 = 2
	CostStaticUint256     uint64 = 64
	CostStaticAddress     uint64 = 40
	InitialMemoryStipend  uint64 = 4096 // pages
	CostGrowMemoryPerPage uint64 = 8192
	CostMemcpyPerByte     uint64 = 1
	OpcodesMul            uint64 = 3
	OpcodesDiv            uint64 = 8
)

// MaxMemoryPages bounds the single imported linear memory. A module whose
// declared minimum exceeds this fails with an instantiation error.
const MaxMemoryPages = 64

// StackHeightLimit is the frame-count ceiling for one invocation.
const StackHeightLimit = 64 * 1024

// GasMeter tracks gas consumed against a limit, scaling every raw cost by
// opcodes_mul/opcodes_div before charging it.
type GasMeter struct {
	used  uint64
	limit uint64
}

// NewGasMeter constructs a meter with the given gas limit.
func NewGasMeter(limit uint64) *GasMeter { return &GasMeter{limit: limit} }

// Used reports gas consumed so far.
func (g *GasMeter) Used() uint64 { return g.used }

// Remaining reports gas left before exhaustion.
func (g *GasMeter) Remaining() uint64 {
	if g.used > g.limit {
		return 0
	}
	return g.limit - g.used
}

// charge applies a raw cost scaled by opcodes_mul/opcodes_div and fails
// closed on exhaustion.
func (g *GasMeter) charge(rawCost uint64) error {
	scaled := (rawCost * OpcodesMul) / OpcodesDiv
	if scaled == 0 {
		scaled = 1
	}
	if g.used+scaled > g.limit {
		g.used = g.limit
		return errs.New(errs.ExecutionError, errOutOfGas)
	}
	g.used += scaled
	return nil
}

var errOutOfGas = plainErr("out of gas")

type plainErr string

func (e plainErr) Error() string { return string(e) }

// Task is the runtime object passed into a contract invocation: the gas
// limit, the serialized argument bytes, the prior state document, the
// function name, and the argument-type descriptor. The module's linear
// memory is supplied separately at instantiation.
type Task struct {
	GasLimit      uint64
	ArgumentTypes []byte
	ArgumentBytes []byte
	PriorState    []byte
	FunctionName  string
}

// Result is what a successful invocation yields, before the caller computes
// the state delta from PriorState/NewState. The three outputs are
// independent: ResultBytes is whatever the contract handed to ret, UsedGas
// is the meter reading, and NewState is the document folded from the
// contract's write_state calls — a contract may return a result without
// touching state, persist state without returning anything, or both.
type Result struct {
	ResultBytes []byte
	UsedGas     uint64
	NewState    []byte
}

// decodeAndValidate parses the bytecode and enforces the memory contract: a
// module must import its linear memory under the name "memory" and must not
// declare (or export) one of its own. Returns the import's declared minimum
// page count so Invoke can size the host memory it injects.
func decodeAndValidate(engine *wasmer.Engine, bytecode []byte) (*wasmer.Store, uint32, error) {
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, bytecode)
	if err != nil {
		return nil, 0, errs.New(errs.ExecutionError, err)
	}

	var minPages uint32
	memoryImported := false
	for _, imp := range module.Imports() {
		if imp.Type().Kind() != wasmer.MEMORY {
			continue
		}
		if imp.Name() != "memory" {
			return nil, 0, errs.New(errs.ExecutionError, errBadMemoryName)
		}
		memoryImported = true
		minPages = imp.Type().IntoMemoryType().Limits().Minimum()
	}
	if !memoryImported {
		for _, exp := range module.Exports() {
			if exp.Type().Kind() == wasmer.MEMORY {
				return nil, 0, errs.New(errs.ExecutionError, errInternalMemory)
			}
		}
		return nil, 0, errs.New(errs.ExecutionError, errNoMemoryImport)
	}
	return store, minPages, nil
}

var (
	errInternalMemory = plainErr("module declares an internal memory section; memory must be imported")
	errNoMemoryImport = plainErr("module does not import a linear memory named \"memory\"")
	errBadMemoryName  = plainErr("module imports its linear memory under a name other than \"memory\"")
)

// hostCtx is the shared state visible to every host import callback.
type hostCtx struct {
	mem    *wasmer.Memory
	gas    *GasMeter
	task   *Task
	db     HostDB
	result []byte
	failed error
}

// HostDB is the byte-oriented key/value view a contract's
// write_state/read_state imports operate on during one invocation. Higher
// level addressing (contract address, key type) is the caller's concern.
// Entries exposes everything written (or seeded) during the call so Invoke
// can fold the accumulated writes into the contract's next state document.
type HostDB interface {
	ReadState(key []byte) ([]byte, bool)
	WriteState(key, value []byte) error
	Entries() map[string][]byte
}

func readMem(mem *wasmer.Memory, ptr, length int32) []byte {
	data := mem.Data()
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(data) {
		return nil
	}
	out := make([]byte, length)
	copy(out, data[ptr:int(ptr)+int(length)])
	return out
}

func writeMem(mem *wasmer.Memory, ptr int32, value []byte) bool {
	data := mem.Data()
	if ptr < 0 || int(ptr)+len(value) > len(data) {
		return false
	}
	copy(data[ptr:], value)
	return true
}

// registerHost wires the four permitted contract imports — write_state,
// read_state, from_memory, ret — plus the host-owned linear memory and the
// consume_gas hook the instrumentation pass injects calls to. Memory
// traffic through the imports is additionally charged with the load/store
// and memcpy entries of the cost table, since byte counts are only known
// here at the boundary. Gas exhaustion returns an error from the host
// function, which traps the module immediately rather than letting it run
// on unmetered.
func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	consumeGas := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.gas.charge(uint64(uint32(args[0].I32()))); err != nil {
				h.failed = err
				return nil, err
			}
			return nil, nil
		},
	)

	writeState := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, valPtr, valLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			if err := h.gas.charge(CostLoadStore + CostMemcpyPerByte*uint64(valLen)); err != nil {
				h.failed = err
				return nil, err
			}
			key := readMem(h.mem, keyPtr, keyLen)
			val := readMem(h.mem, valPtr, valLen)
			if key == nil || val == nil {
				h.failed = errs.New(errs.ExecutionError, errMemoryOutOfBounds)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.db.WriteState(key, val); err != nil {
				h.failed = errs.New(errs.ExecutionError, err)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	readState := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, dstPtr := args[0].I32(), args[1].I32(), args[2].I32()
			if err := h.gas.charge(CostLoadStore); err != nil {
				h.failed = err
				return nil, err
			}
			key := readMem(h.mem, keyPtr, keyLen)
			if key == nil {
				h.failed = errs.New(errs.ExecutionError, errMemoryOutOfBounds)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			val, ok := h.db.ReadState(key)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.gas.charge(CostMemcpyPerByte * uint64(len(val))); err != nil {
				h.failed = err
				return nil, err
			}
			if !writeMem(h.mem, dstPtr, val) {
				h.failed = errs.New(errs.ExecutionError, errMemoryOutOfBounds)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(val)))}, nil
		},
	)

	// from_memory copies argument/state bytes supplied by the runtime
	// object into the module's linear memory, the mirror image of ret.
	fromMemory := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			selector, dstPtr, maxLen := args[0].I32(), args[1].I32(), args[2].I32()
			var src []byte
			switch selector {
			case 0:
				src = h.task.ArgumentBytes
			case 1:
				src = h.task.PriorState
			case 2:
				src = h.task.ArgumentTypes
			default:
				h.failed = errs.New(errs.ExecutionError, errUnknownSelector)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if int32(len(src)) > maxLen {
				h.failed = errs.New(errs.ExecutionError, errBufferTooSmall)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.gas.charge(CostMemcpyPerByte * uint64(len(src))); err != nil {
				h.failed = err
				return nil, err
			}
			if !writeMem(h.mem, dstPtr, src) {
				h.failed = errs.New(errs.ExecutionError, errMemoryOutOfBounds)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(src)))}, nil
		},
	)

	ret := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, length := args[0].I32(), args[1].I32()
			if err := h.gas.charge(CostMemcpyPerByte * uint64(length)); err != nil {
				h.failed = err
				return nil, err
			}
			out := readMem(h.mem, ptr, length)
			if out == nil {
				h.failed = errs.New(errs.ExecutionError, errMemoryOutOfBounds)
				return nil, nil
			}
			h.result = out
			return nil, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"memory":      h.mem,
		"consume_gas": consumeGas,
		"write_state": writeState,
		"read_state":  readState,
		"from_memory": fromMemory,
		"ret":         ret,
	})
	return imports
}

var (
	errMemoryOutOfBounds = plainErr("host call addressed memory out of bounds")
	errUnknownSelector   = plainErr("from_memory: unknown source selector")
	errBufferTooSmall    = plainErr("from_memory: destination buffer too small")
)

// seedState loads the prior state document's top-level fields into the
// invocation's key/value space, so read_state sees existing values and
// untouched keys carry over into the next document.
func seedState(db HostDB, priorState []byte) error {
	if len(priorState) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(priorState, &fields); err != nil {
		return errs.New(errs.ExecutionError, err)
	}
	for k, v := range fields {
		if err := db.WriteState([]byte(k), v); err != nil {
			return errs.New(errs.ExecutionError, err)
		}
	}
	return nil
}

// foldState assembles the next state document from the key/value space
// after the call: every entry becomes a top-level field, kept verbatim
// when the written bytes are themselves valid JSON and hex-quoted
// otherwise. encoding/json sorts object keys, so the encoding is
// deterministic across workers.
func foldState(entries map[string][]byte) ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		if json.Valid(v) {
			doc[k] = json.RawMessage(v)
		} else {
			quoted, err := json.Marshal(hex.EncodeToString(v))
			if err != nil {
				return nil, errs.New(errs.SystemError, err)
			}
			doc[k] = quoted
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return out, nil
}

// Invoke runs the full pipeline: decode and validate, inject the gas
// counter and stack-height limiter, build the host-owned memory, seed the
// key/value space from the prior state, instantiate with no start
// function, invoke the module's call export, and collect
// (result_bytes, used_gas, new_state).
func Invoke(engine *wasmer.Engine, bytecode []byte, task Task, db HostDB) (*Result, error) {
	store, minPages, err := decodeAndValidate(engine, bytecode)
	if err != nil {
		return nil, err
	}
	if minPages > MaxMemoryPages {
		return nil, errs.New(errs.ExecutionError, errMemoryTooLarge)
	}
	if minPages == 0 {
		minPages = 1
	}

	instrumented, err := instrument(bytecode)
	if err != nil {
		return nil, errs.New(errs.ExecutionError, err)
	}
	module, err := wasmer.NewModule(store, instrumented)
	if err != nil {
		return nil, errs.New(errs.ExecutionError, err)
	}

	limits, err := wasmer.NewLimits(minPages, MaxMemoryPages)
	if err != nil {
		return nil, errs.New(errs.ExecutionError, err)
	}
	mem := wasmer.NewMemory(store, wasmer.NewMemoryType(limits))

	if err := seedState(db, task.PriorState); err != nil {
		return nil, err
	}

	gas := NewGasMeter(task.GasLimit)
	hctx := &hostCtx{mem: mem, gas: gas, task: &task, db: db}
	imports := registerHost(store, hctx)

	instance, err := wasmer.NewInstance(module, imports)
	if err != nil {
		return nil, errs.New(errs.ExecutionError, err)
	}

	call, err := instance.Exports.GetFunction("call")
	if err != nil {
		return nil, errs.New(errs.ExecutionError, errors.New("call export required"))
	}
	if _, err := call(); err != nil {
		if hctx.failed != nil {
			return nil, hctx.failed
		}
		return nil, errs.New(errs.ExecutionError, err)
	}
	if hctx.failed != nil {
		return nil, hctx.failed
	}

	newState, err := foldState(db.Entries())
	if err != nil {
		return nil, err
	}
	return &Result{ResultBytes: hctx.result, UsedGas: gas.Used(), NewState: newState}, nil
}

var errMemoryTooLarge = plainErr("module requested more memory than the configured maximum")
