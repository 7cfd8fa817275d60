package ipc

import "encoding/hex"

// hexBytes is a byte slice that marshals as lowercase hex without a "0x"
// prefix, the encoding every byte field on this wire uses.
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(h) + `"`), nil
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		*h = nil
		return nil
	}
	s := string(data[1 : len(data)-1])
	if s == "" {
		*h = nil
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// hexAddr is a fixed 32-byte contract address encoded the same way.
type hexAddr [32]byte

func (a hexAddr) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(a[:]) + `"`), nil
}

func (a *hexAddr) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return nil
	}
	s := string(data[1 : len(data)-1])
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(a[:], b)
	return nil
}

// hexWorkerAddr is a 20-byte worker identity, distinct from the 32-byte
// contract address used everywhere else.
type hexWorkerAddr [20]byte

func (a hexWorkerAddr) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(a[:]) + `"`), nil
}

func (a *hexWorkerAddr) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return nil
	}
	s := string(data[1 : len(data)-1])
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(a[:], b)
	return nil
}

// IpcTask is the shared request body for DeploySecretContract and
// ComputeTask: preCode is only set for deployment, where it carries the
// contract's constructor bytecode; encryptedFn/encryptedArgs are opaque
// ciphertext keyed by userDHKey through NewTaskEncryptionKey.
type IpcTask struct {
	PreCode         hexBytes `json:"preCode,omitempty"`
	EncryptedArgs   hexBytes `json:"encryptedArgs"`
	EncryptedFn     hexBytes `json:"encryptedFn"`
	UserDHKey       hexAddr  `json:"userDHKey"`
	GasLimit        uint64   `json:"gasLimit"`
	ContractAddress hexAddr  `json:"contractAddress"`
}

// IpcDelta names one encrypted patch on the wire: address is optional and
// left out of the encoding when unset; key is the delta index.
type IpcDelta struct {
	Address *hexAddr `json:"address,omitempty"`
	Key      uint32   `json:"key"`
	Delta    hexBytes `json:"delta,omitempty"`
}

// IpcStatusResult is the per-entry outcome for batch operations: status is
// 0 on success and -1 on failure, so one bad entry never aborts a batch.
type IpcStatusResult struct {
	Address hexAddr `json:"address"`
	Key     *uint32 `json:"key,omitempty"`
	Status  int8    `json:"status"`
}

const (
	statusOK     int8 = 0
	statusFailed int8 = -1
)

// deltaRange is one entry of a GetDeltas request: the half-open [from, to)
// delta-index range to fetch for address.
type deltaRange struct {
	Address hexAddr `json:"address"`
	From    uint32  `json:"from"`
	To      uint32  `json:"to"`
}
