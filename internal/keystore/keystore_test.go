package keystore

import (
	"bytes"
	"testing"

	"trustednode/internal/crypto"
	"trustednode/internal/testutil"
)

func TestOpenGeneratesSigningKeyOnFirstBoot(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	ks, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ks.SigningKey() == nil {
		t.Fatalf("expected a generated signing key")
	}
}

func TestOpenPersistsSigningKeyAcrossRestart(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	first, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pub1 := first.SigningKey().Public

	second, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pub2 := second.SigningKey().Public

	if !bytes.Equal(pub1, pub2) {
		t.Fatalf("signing key did not survive restart: %x != %x", pub1, pub2)
	}
}

func TestOpenPersistsAttestationKeyAcrossRestart(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	first, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pub1 := first.AttestationKey().Public()

	second, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pub2 := second.AttestationKey().Public()

	if !bytes.Equal(pub1, pub2) {
		t.Fatalf("attestation key did not survive restart: %x != %x", pub1, pub2)
	}
}

func TestDHKeyTable(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	ks, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var userPub [32]byte
	userPub[0] = 0xAB
	if _, ok := ks.DHKey(userPub); ok {
		t.Fatalf("expected no DH key before PutDHKey")
	}

	shared := crypto.KDF([]byte("shared secret"))
	ks.PutDHKey(userPub, shared)

	got, ok := ks.DHKey(userPub)
	if !ok {
		t.Fatalf("expected a DH key after PutDHKey")
	}
	if got != shared {
		t.Fatalf("DH key mismatch")
	}
}

func TestStateKeyTableMissingIsMissingKeyError(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	ks, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var addr [32]byte
	addr[0] = 0x01
	if _, err := ks.StateKeyFor(addr); err == nil {
		t.Fatalf("expected MissingKeyError for an unset contract address")
	}

	var key StateKey
	key[0] = 0x99
	ks.PutStateKey(addr, key)

	got, err := ks.StateKeyFor(addr)
	if err != nil {
		t.Fatalf("unexpected error after PutStateKey: %v", err)
	}
	if got != key {
		t.Fatalf("state key mismatch")
	}
}

func TestEpochSealRoundTrip(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()
	ks, err := Open(sb.Root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte("rlp-encoded epoch record")
	if err := ks.SealEpoch(payload); err != nil {
		t.Fatalf("seal epoch: %v", err)
	}
	got, err := ks.LoadEpoch()
	if err != nil {
		t.Fatalf("load epoch: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("epoch payload mismatch: got %q want %q", got, payload)
	}
}
