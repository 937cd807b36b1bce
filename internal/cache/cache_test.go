package cache

import (
	"os"
	"strconv"
	"testing"
	"time"
)

func TestRecordThenIsFresh(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if s.IsFresh("public.orders", "abc", time.Hour) {
		t.Errorf("expected miss before any record written")
	}

	if err := s.Record("public.orders", "abc"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !s.IsFresh("public.orders", "abc", time.Hour) {
		t.Errorf("expected fresh record to be a hit")
	}
}

func TestIsFreshMismatchedKey(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	_ = s.Record("public.orders", "abc")

	if s.IsFresh("public.orders", "different", time.Hour) {
		t.Errorf("expected key mismatch to be a miss")
	}
	if _, err := os.Stat(s.path("public.orders")); !os.IsNotExist(err) {
		t.Errorf("expected mismatched record to be deleted, stat err = %v", err)
	}
}

func TestIsFreshExpired(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)

	path := s.path("public.orders")
	staleUnix := time.Now().Add(-2 * time.Hour).Unix()
	content := "abc," + strconv.FormatInt(staleUnix, 10)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if s.IsFresh("public.orders", "abc", time.Hour) {
		t.Errorf("expected expired record to be a miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected expired record to be deleted, stat err = %v", err)
	}
}

func TestIsFreshUnparsableRecordIsRemoved(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	path := s.path("public.orders")
	if err := os.WriteFile(path, []byte("not-a-valid-record"), 0o644); err != nil {
		t.Fatal(err)
	}

	if s.IsFresh("public.orders", "abc", time.Hour) {
		t.Errorf("expected unparsable record to be a miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected unparsable record to be deleted, stat err = %v", err)
	}
}

func TestRecordIsCaseInsensitiveOnTaskID(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	if err := s.Record("Public.Orders", "abc"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !s.IsFresh("public.orders", "abc", time.Hour) {
		t.Errorf("expected lookup by lowercase id to hit the record written with mixed case")
	}
}
