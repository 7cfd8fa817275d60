package ipc

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"trustednode/internal/epoch"
	"trustednode/internal/hostdb"
	"trustednode/internal/trustedregion"
)

// computeLimiter throttles the two variants that spin up the WASM
// executor. Query and key-exchange traffic stays unthrottled; only compute
// work is expensive enough to shed under load.
var computeLimiter = rate.NewLimiter(200, 100) // 200 req/s, burst 100

// log is the dispatcher's package logger, silent until SetLogger rebinds
// it at wiring time.
var log = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// SetLogger rebinds the dispatcher's logger, called once from cmd/trustednode.
func SetLogger(l *logrus.Logger) { log = l }

// envelope captures the two fields every inbound message carries: id is
// echoed verbatim, type selects the handler. Dispatch
// re-unmarshals raw into the type-specific request struct once type is
// known, rather than caching the decoded body across calls.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// errorBody is the Error variant's payload.
type errorBody struct {
	Msg string `json:"msg"`
}

// response is the single reply shape: same id, a type discriminator, and
// either Result or Error, never both.
type response struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	Result interface{} `json:"result,omitempty"`
	Error  *errorBody  `json:"error,omitempty"`
}

func errResponse(id, typ string, err error) response {
	log.WithFields(logrus.Fields{"request_id": id, "type": typ, "trace": uuid.NewString()}).
		WithError(err).Warn("ipc handler failed")
	return response{ID: id, Type: typ, Error: &errorBody{Msg: err.Error()}}
}

func okResponse(id, typ string, result interface{}) response {
	return response{ID: id, Type: typ, Result: result}
}

// Dispatch parses one frame body, routes it by type, and returns the
// serialized reply frame body. It never returns an error itself: any
// failure it can't attribute to a specific request (malformed envelope) is
// still answered with an Error response carrying whatever id, if any, could
// be recovered.
func Dispatch(region *trustedregion.Region, raw []byte) []byte {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return marshalResponse(errResponse("", "Error", err))
	}

	resp := route(region, env, raw)
	return marshalResponse(resp)
}

func marshalResponse(r response) []byte {
	body, err := json.Marshal(r)
	if err != nil {
		// Marshaling our own response struct should never fail; fall back
		// to a minimal hand-built error frame rather than panicking the
		// dispatcher loop.
		return []byte(`{"id":"` + r.ID + `","type":"Error","error":{"msg":"internal: failed to encode response"}}`)
	}
	return body
}

func route(region *trustedregion.Region, env envelope, raw []byte) response {
	switch env.Type {
	case "GetRegistrationParams":
		return handleGetRegistrationParams(region, env.ID)
	case "IdentityChallenge":
		return handleIdentityChallenge(region, env.ID, raw)
	case "GetTip":
		return handleGetTip(region, env.ID, raw)
	case "GetTips":
		return handleGetTips(region, env.ID, raw)
	case "GetAllTips":
		return handleGetAllTips(region, env.ID)
	case "GetAllAddrs":
		return handleGetAllAddrs(region, env.ID)
	case "GetDelta":
		return handleGetDelta(region, env.ID, raw)
	case "GetDeltas":
		return handleGetDeltas(region, env.ID, raw)
	case "GetContract":
		return handleGetContract(region, env.ID, raw)
	case "UpdateNewContract":
		return handleUpdateNewContract(region, env.ID, raw)
	case "UpdateDeltas":
		return handleUpdateDeltas(region, env.ID, raw)
	case "NewTaskEncryptionKey":
		return handleNewTaskEncryptionKey(region, env.ID, raw)
	case "DeploySecretContract":
		return handleDeploySecretContract(region, env.ID, raw)
	case "ComputeTask":
		return handleComputeTask(region, env.ID, raw)
	case "GetPTTRequest":
		return handleGetPTTRequest(region, env.ID, raw)
	case "PTTResponse":
		return handlePTTResponse(region, env.ID, raw)
	case "SetWorkerParams":
		return handleSetWorkerParams(region, env.ID, raw)
	case "GetWorkerGroup":
		return handleGetWorkerGroup(region, env.ID, raw)
	default:
		return errResponse(env.ID, "Error", unknownTypeError(env.Type))
	}
}

type unknownTypeError string

func (e unknownTypeError) Error() string { return "unknown request type: " + string(e) }

// --- GetRegistrationParams / IdentityChallenge ---

func handleGetRegistrationParams(region *trustedregion.Region, id string) response {
	signingKey, signature := region.GetRegistrationParams()
	return okResponse(id, "GetRegistrationParams", map[string]hexBytes{
		"signingKey": signingKey,
		"report":     {}, // attestation report, filled by the registration client
		"signature":  signature,
	})
}

func handleIdentityChallenge(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Nonce hexBytes `json:"nonce"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	sig := region.IdentityChallenge(req.Nonce)
	return okResponse(id, "IdentityChallenge", map[string]hexBytes{"nonce": req.Nonce, "signature": sig})
}

// --- delta/state query surface ---

func ipcDeltaForTip(db *hostdb.Store, addr [32]byte) IpcDelta {
	a := hexAddr(addr)
	idx, ok := db.MaxDeltaIndex(addr)
	if !ok {
		return IpcDelta{Address: &a, Key: 0}
	}
	delta, _ := db.Get(hostdb.Key{ContractAddress: addr, Kind: hostdb.KindDelta, DeltaIndex: idx})
	return IpcDelta{Address: &a, Key: idx, Delta: delta}
}

func handleGetTip(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Input hexAddr `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	return okResponse(id, "GetTip", ipcDeltaForTip(region.HostStore(), [32]byte(req.Input)))
}

func handleGetTips(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Input []hexAddr `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	out := make([]IpcDelta, 0, len(req.Input))
	for _, a := range req.Input {
		out = append(out, ipcDeltaForTip(region.HostStore(), [32]byte(a)))
	}
	return okResponse(id, "GetTips", out)
}

func handleGetAllTips(region *trustedregion.Region, id string) response {
	addrs := region.HostStore().Addresses()
	out := make([]IpcDelta, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, ipcDeltaForTip(region.HostStore(), a))
	}
	return okResponse(id, "GetAllTips", out)
}

func handleGetAllAddrs(region *trustedregion.Region, id string) response {
	addrs := region.HostStore().Addresses()
	out := make([]hexAddr, len(addrs))
	for i, a := range addrs {
		out[i] = hexAddr(a)
	}
	return okResponse(id, "GetAllAddrs", out)
}

func handleGetDelta(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Input IpcDelta `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	if req.Input.Address == nil {
		return errResponse(id, "Error", errMissingAddress)
	}
	blob, ok := region.HostStore().Get(hostdb.Key{
		ContractAddress: [32]byte(*req.Input.Address),
		Kind:            hostdb.KindDelta,
		DeltaIndex:      req.Input.Key,
	})
	if !ok {
		return errResponse(id, "Error", errNoSuchDelta)
	}
	return okResponse(id, "GetDelta", map[string]hexBytes{"delta": blob})
}

func handleGetDeltas(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Input []deltaRange `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	out := make([]IpcDelta, 0)
	for _, rng := range req.Input {
		addr := rng.Address
		for k := rng.From; k < rng.To; k++ {
			blob, ok := region.HostStore().Get(hostdb.Key{ContractAddress: [32]byte(addr), Kind: hostdb.KindDelta, DeltaIndex: k})
			if !ok {
				continue
			}
			a := addr
			out = append(out, IpcDelta{Address: &a, Key: k, Delta: blob})
		}
	}
	return okResponse(id, "GetDeltas", out)
}

func handleGetContract(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Input hexAddr `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	blob, ok := region.HostStore().Get(hostdb.Key{ContractAddress: [32]byte(req.Input), Kind: hostdb.KindBytecode})
	if !ok {
		return errResponse(id, "Error", errNoSuchContract)
	}
	return okResponse(id, "GetContract", map[string]hexBytes{"bytecode": blob})
}

func handleUpdateNewContract(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Address  hexAddr  `json:"address"`
		Bytecode hexBytes `json:"bytecode"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	region.HostStore().Put(hostdb.Key{ContractAddress: [32]byte(req.Address), Kind: hostdb.KindBytecode}, req.Bytecode)
	return okResponse(id, "UpdateNewContract", map[string]interface{}{
		"address": req.Address,
		"status":  statusOK,
	})
}

func handleUpdateDeltas(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Deltas []IpcDelta `json:"deltas"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	results := make([]IpcStatusResult, 0, len(req.Deltas))
	anyFailed := false
	for _, d := range req.Deltas {
		if d.Address == nil || len(d.Delta) == 0 {
			k := d.Key
			results = append(results, IpcStatusResult{Key: &k, Status: statusFailed})
			anyFailed = true
			continue
		}
		region.HostStore().Put(hostdb.Key{ContractAddress: [32]byte(*d.Address), Kind: hostdb.KindDelta, DeltaIndex: d.Key}, d.Delta)
		k := d.Key
		results = append(results, IpcStatusResult{Address: *d.Address, Key: &k, Status: statusOK})
	}
	status := statusOK
	if anyFailed {
		status = statusFailed
	}
	return okResponse(id, "UpdateDeltas", map[string]interface{}{"status": status, "errors": results})
}

var (
	errMissingAddress = plainErr("request did not carry a contract address")
	errNoSuchDelta    = plainErr("no delta stored at this contract address and index")
	errNoSuchContract = plainErr("no bytecode stored for this contract address")
	errRateLimited    = plainErr("compute rate limit exceeded")
)

type plainErr string

func (e plainErr) Error() string { return string(e) }

// --- user key exchange ---

func handleNewTaskEncryptionKey(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		UserPubKey hexAddr `json:"userPubKey"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	workerPub, sig, err := region.NewTaskEncryptionKey([32]byte(req.UserPubKey))
	if err != nil {
		return errResponse(id, "Error", err)
	}
	return okResponse(id, "NewTaskEncryptionKey", map[string]hexBytes{
		"workerEncryptionKey": workerPub[:],
		"workerSig":           sig,
	})
}

// --- DeploySecretContract / ComputeTask ---

func signTaskResult(region *trustedregion.Region, contractAddress [32]byte, usedGas uint64, output, delta []byte) []byte {
	var gasField [8]byte
	binary.BigEndian.PutUint64(gasField[:], usedGas)
	msg := make([]byte, 0, 32+8+len(output)+len(delta))
	msg = append(msg, contractAddress[:]...)
	msg = append(msg, gasField[:]...)
	msg = append(msg, output...)
	msg = append(msg, delta...)
	return region.Sign(msg)
}

func handleDeploySecretContract(region *trustedregion.Region, id string, raw []byte) response {
	if !computeLimiter.Allow() {
		return errResponse(id, "Error", errRateLimited)
	}
	var req struct {
		Input IpcTask `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	task := req.Input

	// encryptedFn still travels on the wire for DeploySecretContract (it is
	// the same IpcTask shape ComputeTask uses) but is discarded: the
	// deployment path hands the executor an empty function name, since the
	// module's call export is the constructor.
	if _, err := region.DecryptWithUserKey([32]byte(task.UserDHKey), task.EncryptedFn); err != nil {
		return errResponse(id, "Error", err)
	}
	argsPlain, err := region.DecryptWithUserKey([32]byte(task.UserDHKey), task.EncryptedArgs)
	if err != nil {
		return errResponse(id, "Error", err)
	}

	out, err := region.Deploy(trustedregion.TaskInput{
		ContractAddress: [32]byte(task.ContractAddress),
		Bytecode:        task.PreCode,
		ArgumentBytes:   argsPlain,
		GasLimit:        task.GasLimit,
	})
	if err != nil {
		return errResponse(id, "Error", err)
	}

	encOutput, err := region.EncryptWithUserKey([32]byte(task.UserDHKey), out.Output)
	if err != nil {
		return errResponse(id, "Error", err)
	}

	preCodeHash := sha256.Sum256(task.PreCode)
	sig := signTaskResult(region, [32]byte(task.ContractAddress), out.UsedGas, encOutput, out.EncryptedDelta.Ciphertext)

	return okResponse(id, "DeploySecretContract", map[string]interface{}{
		"preCodeHash": hexBytes(preCodeHash[:]),
		"usedGas":     out.UsedGas,
		"output":      hexBytes(encOutput),
		"delta":       hexBytes(out.EncryptedDelta.Ciphertext),
		"signature":   hexBytes(sig),
	})
}

func handleComputeTask(region *trustedregion.Region, id string, raw []byte) response {
	if !computeLimiter.Allow() {
		return errResponse(id, "Error", errRateLimited)
	}
	var req struct {
		Input IpcTask `json:"input"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	task := req.Input

	fnPlain, err := region.DecryptWithUserKey([32]byte(task.UserDHKey), task.EncryptedFn)
	if err != nil {
		return errResponse(id, "Error", err)
	}
	argsPlain, err := region.DecryptWithUserKey([32]byte(task.UserDHKey), task.EncryptedArgs)
	if err != nil {
		return errResponse(id, "Error", err)
	}

	before, err := region.CurrentState([32]byte(task.ContractAddress))
	if err != nil {
		return errResponse(id, "Error", err)
	}

	out, err := region.Execute(before, trustedregion.TaskInput{
		ContractAddress: [32]byte(task.ContractAddress),
		FunctionName:    string(fnPlain),
		ArgumentBytes:   argsPlain,
		GasLimit:        task.GasLimit,
	})
	if err != nil {
		return errResponse(id, "Error", err)
	}

	encOutput, err := region.EncryptWithUserKey([32]byte(task.UserDHKey), out.Output)
	if err != nil {
		return errResponse(id, "Error", err)
	}

	sig := signTaskResult(region, [32]byte(task.ContractAddress), out.UsedGas, encOutput, out.EncryptedDelta.Ciphertext)

	return okResponse(id, "ComputeTask", map[string]interface{}{
		"usedGas":   out.UsedGas,
		"output":    hexBytes(encOutput),
		"delta":     hexBytes(out.EncryptedDelta.Ciphertext),
		"signature": hexBytes(sig),
	})
}

// --- PTT ---

func handleGetPTTRequest(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Addresses []hexAddr `json:"addresses"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	addrs := make([][32]byte, len(req.Addresses))
	for i, a := range req.Addresses {
		addrs[i] = [32]byte(a)
	}
	blob, sig, err := region.GetPTTRequest(addrs)
	if err != nil {
		return errResponse(id, "Error", err)
	}
	return okResponse(id, "GetPTTRequest", map[string]hexBytes{"request": blob, "workerSig": sig})
}

// handlePTTResponse carries both the original request blob and the
// principal's response blob: the dispatcher holds no per-connection
// session state of its own, so the request blob that GetPTTRequest
// returned to the caller is the only handle this worker has for matching a
// response to its session.
func handlePTTResponse(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		Request  hexBytes `json:"request"`
		Response hexBytes `json:"response"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}
	results, err := region.PTTResponse(req.Request, req.Response)
	if err != nil {
		return errResponse(id, "Error", err)
	}
	out := make([]IpcStatusResult, len(results))
	for i, r := range results {
		out[i] = IpcStatusResult{Address: hexAddr(r.Address), Status: r.Status}
	}
	return okResponse(id, "PTTResponse", map[string]interface{}{"errors": out})
}

// --- epoch / committee selection ---
//
// SetWorkerParams is a command the worker receives from whatever process
// feeds it worker/stake tables (the principal node, which also periodically
// distributes per-contract state keys — the same relationship covers epoch
// parameters). Wiring internal/epoch in here gives the operation a caller,
// rather than leaving it reachable only from tests.

func handleSetWorkerParams(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		BlockNumber    uint64          `json:"blockNumber"`
		Workers        []hexWorkerAddr `json:"workers"`
		Stakes         []uint64        `json:"stakes"`
		UsePreviousKey bool            `json:"usePreviousEpoch"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}

	var previous *epoch.Epoch
	if req.UsePreviousKey {
		p, perr := region.LoadEpoch()
		if perr != nil {
			return errResponse(id, "Error", perr)
		}
		previous = p
	}

	workers := make([][20]byte, len(req.Workers))
	for i, w := range req.Workers {
		workers[i] = [20]byte(w)
	}

	seed, nonce, sig, err := region.SetWorkerParams(epoch.WorkerParams{
		BlockNumber: req.BlockNumber,
		Workers:     workers,
		Stakes:      req.Stakes,
	}, previous)
	if err != nil {
		return errResponse(id, "Error", err)
	}

	return okResponse(id, "SetWorkerParams", map[string]interface{}{
		"seed":      hexBytes(seed[:]),
		"nonce":     nonce,
		"signature": hexBytes(sig),
	})
}

// handleGetWorkerGroup runs committee selection against the sealed epoch
// and returns the elected workers plus this worker's BLS attestation over
// the selection, ready for off-worker aggregation.
func handleGetWorkerGroup(region *trustedregion.Region, id string, raw []byte) response {
	var req struct {
		ContractAddress hexAddr `json:"contractAddress"`
		GroupSize       int     `json:"groupSize"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(id, "Error", err)
	}

	e, err := region.LoadEpoch()
	if err != nil {
		return errResponse(id, "Error", err)
	}
	selection, attestation, err := region.SelectWorkers(e, [32]byte(req.ContractAddress), req.GroupSize)
	if err != nil {
		return errResponse(id, "Error", err)
	}

	workers := make([]hexWorkerAddr, len(selection))
	for i, w := range selection {
		workers[i] = hexWorkerAddr(w)
	}
	return okResponse(id, "GetWorkerGroup", map[string]interface{}{
		"workers":     workers,
		"attestation": hexBytes(attestation),
	})
}
