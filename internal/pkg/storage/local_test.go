package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), "http://localhost:8080/uploads")
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	ctx := context.Background()
	key := "generations/task-1/0.png"

	if err := s.Put(ctx, key, strings.NewReader("image-bytes"), "image/png"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := s.Exists(ctx, key)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true, nil", exists, err)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "image-bytes" {
		t.Errorf("Get returned %q, want %q", data, "image-bytes")
	}

	if got := s.GetURL(key); got != "http://localhost:8080/uploads/"+key {
		t.Errorf("GetURL = %q", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("Delete of missing key should be nil, got %v", err)
	}
	if exists, _ := s.Exists(ctx, key); exists {
		t.Error("object still exists after delete")
	}
}

func TestNewFallsBackToLocalWithoutCredentials(t *testing.T) {
	s, err := New(R2Config{}, t.TempDir(), "http://localhost:8080/uploads")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(*LocalStorage); !ok {
		t.Fatalf("expected *LocalStorage, got %T", s)
	}
}
