package grants

import (
	"context"
	"testing"
	"time"
)

const payer = "0xaaaa000000000000000000000000000000000001"

func grant(id string, age time.Duration, ttl time.Duration) *AccessGrant {
	g := &AccessGrant{
		ID:         id,
		Payer:      payer,
		ResourceID: "res_1",
		PaymentID:  "pay_" + id,
		GrantedAt:  time.Now().Add(-age),
	}
	if ttl > 0 {
		expires := g.GrantedAt.Add(ttl)
		g.ExpiresAt = &expires
	}
	return g
}

func TestGet_NewestValidWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, grant("grt_old", 2*time.Hour, 0))
	_ = store.Put(ctx, grant("grt_new", time.Minute, 0))
	_ = store.Put(ctx, grant("grt_lapsed", 2*time.Hour, time.Hour))

	got, err := store.Get(ctx, payer, "res_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "grt_new" {
		t.Errorf("got %s, want grt_new", got.ID)
	}

	if _, err := store.Get(ctx, payer, "res_other"); err != ErrGrantNotFound {
		t.Errorf("other resource: got %v, want ErrGrantNotFound", err)
	}
	if _, err := store.Get(ctx, "0xdddd000000000000000000000000000000000004", "res_1"); err != ErrGrantNotFound {
		t.Errorf("other payer: got %v, want ErrGrantNotFound", err)
	}
}

func TestGet_LapsedGrantDoesNotServe(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, grant("grt_lapsed", 2*time.Hour, time.Hour))

	if _, err := store.Get(ctx, payer, "res_1"); err != ErrGrantNotFound {
		t.Errorf("got %v, want ErrGrantNotFound", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Put(ctx, grant("grt_permanent", time.Hour, 0))
	_ = store.Put(ctx, grant("grt_live", time.Minute, time.Hour))
	_ = store.Put(ctx, grant("grt_lapsed", 2*time.Hour, time.Hour))

	purged, err := store.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	list, _ := store.ListByPayer(ctx, payer)
	if len(list) != 2 {
		t.Errorf("remaining = %d, want 2", len(list))
	}
}
