// Package sealing implements the sealed-blob primitive: a fixed 2048-byte
// record that wraps an arbitrary payload under a platform-derived sealing
// key, with a version header identifying the payload type.
//
// A hardware sealing facility (SGX's sgx_tseal) binds the key to the
// enclave measurement; this package is the software stand-in. It derives a
// sealing key from a machine-local secret file and authenticates the
// payload with the same AES-GCM construction internal/crypto uses
// elsewhere, so call sites never have to know which backend is live.
package sealing

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"path/filepath"

	"trustednode/internal/crypto"
	"trustednode/internal/errs"
)

// SealLogSize is the fixed size of every sealed record.
const SealLogSize = 2048

// Seal policy constants document the bit pattern a hardware sealing
// primitive would bind the key to; this software backend records them in
// the header so a future hardware-backed implementation has a slot to read
// them from, but does not itself interpret them.
const (
	KeyPolicy   uint16 = 0x0001
	AttrFlags   uint64 = 0xFFFFFFFFFFFFFFF3
	AttrXFRM    uint64 = 0
	MiscMask    uint32 = 0
	headerBytes        = 4 + 2 + 8 + 8 + 4 // version + keyPolicy + flags + xfrm + miscMask
)

// Version identifies the payload type held in a sealed record.
type Version uint32

const (
	VersionSigningKey     Version = 1
	VersionEpoch          Version = 2
	VersionAttestationKey Version = 3
)

var (
	errPayloadTooLarge = errs.New(errs.SystemError, errTooLarge)
	errTooLarge        = plainErr("sealed payload too large for the fixed log size")
)

type plainErr string

func (e plainErr) Error() string { return string(e) }

// Store seals and unseals fixed-layout records to a directory, deriving its
// sealing key from a machine-local secret file the way the enclave derives
// its sealing key from CPU-bound fused secrets: once generated, the secret
// never leaves this package and is reused across every Seal/Unseal call.
// sealKey is set once in Open and never mutated again, so concurrent reads
// of it from Seal/Unseal need no further synchronization.
type Store struct {
	dir     string
	sealKey [crypto.KeySize]byte
}

// Open loads (or creates, on first boot) the sealing key material rooted at
// dir. A missing sealing-key file means first boot, not a crash: it is
// generated and persisted.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	s := &Store{dir: dir}
	keyPath := filepath.Join(dir, ".sealkey")
	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil && len(raw) == crypto.KeySize:
		copy(s.sealKey[:], raw)
	case os.IsNotExist(err), err == nil:
		if _, rerr := rand.Read(s.sealKey[:]); rerr != nil {
			return nil, errs.New(errs.SystemError, rerr)
		}
		if werr := os.WriteFile(keyPath, s.sealKey[:], 0o600); werr != nil {
			return nil, errs.New(errs.SystemError, werr)
		}
	default:
		return nil, errs.New(errs.SystemError, err)
	}
	return s, nil
}

// Seal wraps payload (version-tagged) into a fixed 2048-byte record and
// writes it to name within the store's directory.
func (s *Store) Seal(name string, version Version, payload []byte) error {
	blob, err := s.SealToBlob(version, payload)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), blob, 0o600)
}

// SealToBlob wraps payload into an in-memory fixed 2048-byte record without
// touching disk, for callers that manage their own OCALL path to the host.
// Seal uses it before writing the record to a file.
func (s *Store) SealToBlob(version Version, payload []byte) ([]byte, error) {
	header := make([]byte, headerBytes)
	binary.BigEndian.PutUint32(header[0:4], uint32(version))
	binary.BigEndian.PutUint16(header[4:6], KeyPolicy)
	binary.BigEndian.PutUint64(header[6:14], AttrFlags)
	binary.BigEndian.PutUint64(header[14:22], AttrXFRM)
	binary.BigEndian.PutUint32(header[22:26], MiscMask)

	plain := append(header, payload...)
	sealed, err := crypto.Encrypt(s.sealKey[:], plain, nil)
	if err != nil {
		return nil, err
	}
	if len(sealed)+4 > SealLogSize {
		return nil, errPayloadTooLarge
	}
	blob := make([]byte, SealLogSize)
	binary.BigEndian.PutUint32(blob[0:4], uint32(len(sealed)))
	copy(blob[4:], sealed)
	return blob, nil
}

// Unseal reads and authenticates the record at name within the store's
// directory. A missing file is reported distinctly from a corrupt one via
// os.IsNotExist on the returned error, so callers can treat "no such
// sealed artifact yet" as first-boot rather than as SystemError.
func (s *Store) Unseal(name string) (Version, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return 0, nil, err
	}
	return s.UnsealBlob(raw)
}

// UnsealBlob authenticates and unwraps an in-memory sealed record. MAC
// mismatch (tamper or wrong sealing key) fails closed with errs.SystemError.
func (s *Store) UnsealBlob(blob []byte) (Version, []byte, error) {
	if len(blob) < 4 {
		return 0, nil, errs.New(errs.SystemError, errEmptySealedLog)
	}
	sealedLen := binary.BigEndian.Uint32(blob[0:4])
	if int(sealedLen) > len(blob)-4 {
		return 0, nil, errs.New(errs.SystemError, errTruncatedHeader)
	}
	sealed := blob[4 : 4+sealedLen]
	if len(sealed) == 0 {
		return 0, nil, errs.New(errs.SystemError, errEmptySealedLog)
	}
	plain, err := crypto.Decrypt(s.sealKey[:], sealed, nil)
	if err != nil {
		return 0, nil, errs.New(errs.SystemError, err)
	}
	if len(plain) < headerBytes {
		return 0, nil, errs.New(errs.SystemError, errTruncatedHeader)
	}
	version := Version(binary.BigEndian.Uint32(plain[0:4]))
	payload := plain[headerBytes:]
	return version, payload, nil
}

var (
	errEmptySealedLog  = plainErr("sealed log is empty")
	errTruncatedHeader = plainErr("sealed log shorter than its header")
)
