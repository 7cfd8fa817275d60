// Package ipc is the untrusted-side message dispatcher: a single
// request/reply endpoint over length-delimited JSON frames. It holds a
// reference to a trusted-region handle and nothing else, routing each
// parsed frame's type discriminator to the matching handler and folding
// any error into an Error{msg} response without ever crashing the read
// loop or reordering replies.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or hostile length prefix driving an
// unbounded allocation; no legitimate IpcTask payload approaches this.
const maxFrameSize = 64 << 20

// ReadFrame reads one length-delimited frame: a 4-byte big-endian length
// prefix followed by that many bytes of UTF-8 JSON.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds maximum of %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes v as a single length-delimited JSON frame.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
