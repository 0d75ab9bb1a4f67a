package blob

import (
	"bytes"
	"errors"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Put("img/1", []byte("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get("img/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("got %q", got)
	}

	if err := s.Delete("img/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("img/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted get = %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get = %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Put("k", []byte("old")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put("k", []byte("new")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("got %q", got)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put("k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q", got)
	}
}
