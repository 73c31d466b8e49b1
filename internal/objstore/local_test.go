package objstore

import (
	"context"
	"errors"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	key := CacheKey("t-1", "call-9", "2026-02/call123.wav")
	if key != "t-1/call-9_call123.wav" {
		t.Errorf("CacheKey = %q", key)
	}

	if ok, _ := s.Exists(ctx, key); ok {
		t.Error("Exists = true before write")
	}
	if _, err := s.Read(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read before write err = %v, want ErrNotFound", err)
	}

	if err := s.Write(ctx, key, []byte("audio")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := s.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "audio" {
		t.Errorf("Read = %q", data)
	}
	if ok, err := s.Exists(ctx, key); err != nil || !ok {
		t.Errorf("Exists = %v, %v, want true", ok, err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if err := s.Write(context.Background(), "../escape", []byte("x")); err == nil {
		t.Error("Write accepted path traversal key")
	}
	if _, err := s.Read(context.Background(), "/abs/path"); err == nil {
		t.Error("Read accepted absolute key")
	}
}
