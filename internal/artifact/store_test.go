package artifact

import (
	"testing"
)

func TestKeyLayout(t *testing.T) {
	got := Key("run-1", 3, "asset-9", 2)
	want := "run-1/step-3/asset-9/attempt-2"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestMemStoreRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := t.Context()

	ref, err := s.Put(ctx, Key("run-1", 0, "a", 1), []byte("bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestMemStoreCopiesOnPut(t *testing.T) {
	s := NewMemStore()
	buf := []byte("original")
	ref, _ := s.Put(t.Context(), "k", buf)
	buf[0] = 'X'

	data, err := s.Get(t.Context(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("caller mutation leaked into the store: %q", data)
	}
}

func TestMemStoreMissingRef(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get(t.Context(), "nope"); err == nil {
		t.Error("expected an error for an unknown ref")
	}
}

func TestMemStoreKeysSorted(t *testing.T) {
	s := NewMemStore()
	for _, k := range []string{"b", "a", "c"} {
		if _, err := s.Put(t.Context(), k, []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	keys := s.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[2] != "c" {
		t.Errorf("keys = %v", keys)
	}
}
