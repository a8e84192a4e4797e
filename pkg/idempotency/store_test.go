package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedis(client, time.Hour),
	}
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := PublicationKey(1, 5)

			claim, state, err := store.Begin(ctx, key, time.Minute)
			if err != nil || state != Acquired || claim == nil {
				t.Fatalf("expected acquired claim, got %v %v %v", claim, state, err)
			}

			if _, state, _ := store.Begin(ctx, key, time.Minute); state != InProgress {
				t.Fatalf("second claimant should see in_progress, got %s", state)
			}

			if err := store.Complete(ctx, claim); err != nil {
				t.Fatal(err)
			}
			if _, state, _ := store.Begin(ctx, key, time.Minute); state != Done {
				t.Fatalf("expected done after completion, got %s", state)
			}
		})
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := URLKey("https://example.com/a")
			claim, _, err := store.Begin(ctx, key, time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if err := store.Release(ctx, claim); err != nil {
				t.Fatal(err)
			}
			if _, state, _ := store.Begin(ctx, key, time.Minute); state != Acquired {
				t.Fatalf("released key should be claimable, got %s", state)
			}
		})
	}
}

func TestStaleReleaseKeepsNewClaim(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	now := time.Now()
	mem.now = func() time.Time { return now }

	old, _, _ := mem.Begin(ctx, "k", time.Second)
	now = now.Add(2 * time.Second)
	fresh, state, _ := mem.Begin(ctx, "k", time.Second)
	if state != Acquired || fresh == nil {
		t.Fatalf("expired lease should be re-claimable, got %s", state)
	}

	if err := mem.Release(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, state, _ := mem.Begin(ctx, "k", time.Second); state != InProgress {
		t.Fatalf("stale holder must not release a newer claim, got %s", state)
	}
}

func TestInProgressReportsHolderLease(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := PublicationKey(2, 7)
			holder, _, err := store.Begin(ctx, key, time.Minute)
			if err != nil {
				t.Fatal(err)
			}

			held, state, err := store.Begin(ctx, key, time.Minute)
			if err != nil || state != InProgress {
				t.Fatalf("expected in_progress, got %s %v", state, err)
			}
			if left := held.Remaining(); left <= 0 || left > time.Minute {
				t.Fatalf("expected the holder's remaining lease, got %s", left)
			}

			// A claim observed as in progress is not owned by the caller.
			if err := store.Complete(ctx, held); err != nil {
				t.Fatal(err)
			}
			if err := store.Release(ctx, held); err != nil {
				t.Fatal(err)
			}
			if _, state, _ := store.Begin(ctx, key, time.Minute); state != InProgress {
				t.Fatalf("holder's claim must survive, got %s", state)
			}

			if err := store.Release(ctx, holder); err != nil {
				t.Fatal(err)
			}
		})
	}
}
