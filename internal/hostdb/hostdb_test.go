package hostdb

import "testing"

func TestStorePutGetDelete(t *testing.T) {
	s := New()
	var addr [32]byte
	addr[0] = 0x01
	key := Key{ContractAddress: addr, Kind: KindState}

	if _, ok := s.Get(key); ok {
		t.Fatalf("expected no value before Put")
	}
	s.Put(key, []byte("state document"))
	got, ok := s.Get(key)
	if !ok {
		t.Fatalf("expected a value after Put")
	}
	if string(got) != "state document" {
		t.Fatalf("unexpected value: %q", got)
	}

	s.Delete(key)
	if _, ok := s.Get(key); ok {
		t.Fatalf("expected no value after Delete")
	}
}

func TestMaxDeltaIndex(t *testing.T) {
	s := New()
	var addr [32]byte
	addr[0] = 0x02

	if _, ok := s.MaxDeltaIndex(addr); ok {
		t.Fatalf("expected no deltas for a fresh contract")
	}
	s.Put(Key{ContractAddress: addr, Kind: KindDelta, DeltaIndex: 0}, []byte("d0"))
	s.Put(Key{ContractAddress: addr, Kind: KindDelta, DeltaIndex: 2}, []byte("d2"))
	s.Put(Key{ContractAddress: addr, Kind: KindDelta, DeltaIndex: 1}, []byte("d1"))

	max, ok := s.MaxDeltaIndex(addr)
	if !ok || max != 2 {
		t.Fatalf("expected max delta index 2, got %d (ok=%v)", max, ok)
	}
}

func TestScratchKVRoundTrip(t *testing.T) {
	kv := NewScratchKV()
	if _, ok := kv.ReadState([]byte("a")); ok {
		t.Fatalf("expected no value before WriteState")
	}
	if err := kv.WriteState([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, ok := kv.ReadState([]byte("a"))
	if !ok || string(got) != "1" {
		t.Fatalf("unexpected read: %q, ok=%v", got, ok)
	}

	entries := kv.Entries()
	if len(entries) != 1 || string(entries["a"]) != "1" {
		t.Fatalf("unexpected entries snapshot: %+v", entries)
	}
}
