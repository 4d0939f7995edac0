package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutAndStat(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "series/a/cover.jpg", "image/jpeg", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://series/a/cover.jpg" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Object("series/a/cover.jpg")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}

	size, exists, err := store.StatObject(context.Background(), "series/a/cover.jpg")
	if err != nil || !exists || size != 7 {
		t.Fatalf("StatObject() = %d, %v, %v", size, exists, err)
	}
	if _, exists, _ := store.StatObject(context.Background(), "missing"); exists {
		t.Fatal("expected missing object to be absent")
	}
	if store.Puts() != 1 {
		t.Fatalf("expected 1 put, got %d", store.Puts())
	}
}
