package session

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPendingCache(t *testing.T) {
	cache := NewMemoryPendingCache()
	ctx := context.Background()

	if err := cache.Put(ctx, "ses_1", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := cache.Exists(ctx, "ses_1")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true", ok, err)
	}

	ok, _ = cache.Exists(ctx, "ses_unknown")
	if ok {
		t.Error("unknown session reported as pending")
	}

	if err := cache.Delete(ctx, "ses_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, _ = cache.Exists(ctx, "ses_1")
	if ok {
		t.Error("deleted session still pending")
	}
}

func TestMemoryPendingCache_TTLExpiry(t *testing.T) {
	cache := NewMemoryPendingCache()
	ctx := context.Background()

	_ = cache.Put(ctx, "ses_1", -time.Second)

	ok, err := cache.Exists(ctx, "ses_1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("entry past its deadline still pending")
	}

	// Lapsed entry is purged, not just hidden.
	cache.mu.Lock()
	_, present := cache.entries["ses_1"]
	cache.mu.Unlock()
	if present {
		t.Error("lapsed entry left in map")
	}
}
