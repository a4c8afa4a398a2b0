package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInMemoryRepository_ReserveAndComplete(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, "k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}

	rec := &IdempotencyKey{Key: "k1", Method: "POST", Route: "/api/create-payment-intent", RequestHash: "h"}
	if err := repo.Reserve(ctx, rec); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Reserve() should set CreatedAt")
	}

	got, err := repo.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("Status = %q, want %q", got.Status, StatusProcessing)
	}

	if err := repo.Reserve(ctx, &IdempotencyKey{Key: "k1"}); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Reserve() error = %v, want %v", err, ErrKeyExists)
	}

	if err := repo.Complete(ctx, "k1", 200, `{"ok":true}`); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ = repo.Get(ctx, "k1")
	if got.Status != StatusCompleted || got.ResponseStatusCode != 200 || got.ResponseBody != `{"ok":true}` {
		t.Errorf("unexpected record after Complete(): %+v", got)
	}
	if got.RequestHash != "h" {
		t.Errorf("RequestHash = %q, want h", got.RequestHash)
	}

	if err := repo.Complete(ctx, "missing", 200, ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Complete(missing) error = %v", err)
	}
}

func TestInMemoryRepository_Release(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	_ = repo.Reserve(ctx, &IdempotencyKey{Key: "k1"})
	if err := repo.Release(ctx, "k1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := repo.Reserve(ctx, &IdempotencyKey{Key: "k1"}); err != nil {
		t.Errorf("Reserve() after Release() error = %v", err)
	}
}

func TestInMemoryRepository_ReserveInvalidKey(t *testing.T) {
	repo := NewInMemoryRepository()
	if err := repo.Reserve(context.Background(), &IdempotencyKey{}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Reserve() error = %v, want %v", err, ErrInvalidKey)
	}
}

func TestInMemoryRepository_ConcurrentReserve(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Reserve(ctx, &IdempotencyKey{Key: "race"}); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one reservation to win, got %d", winners)
	}
}

func TestInMemoryRepository_Isolation(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	_ = repo.Reserve(ctx, &IdempotencyKey{Key: "k1", Route: "/a"})
	got, _ := repo.Get(ctx, "k1")
	got.Route = "/mutated"

	again, _ := repo.Get(ctx, "k1")
	if again.Route != "/a" {
		t.Error("stored record was mutated through a returned copy")
	}
}

func TestInMemoryRepository_DeleteOlderThan(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	_ = repo.Reserve(ctx, &IdempotencyKey{Key: "old", CreatedAt: time.Now().Add(-25 * time.Hour)})
	_ = repo.Reserve(ctx, &IdempotencyKey{Key: "new"})

	deleted, err := repo.DeleteOlderThan(ctx, DefaultExpiry)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := repo.Get(ctx, "old"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("old key should be gone")
	}
	if _, err := repo.Get(ctx, "new"); err != nil {
		t.Error("new key should remain")
	}
}
