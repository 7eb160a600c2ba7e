package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	s := NewRedisStore(client, Config{}, "")
	ctx := context.Background()

	if _, err := s.Create(ctx, "job", "classify", 3); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create(ctx, "job", "classify", 3); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	label := "acme corp"
	err := s.Update(ctx, "job", Update{
		Counters:     counters(2, 1, 0, 1),
		CurrentLabel: &label,
		Errors:       []ItemError{{ItemID: "2", Message: "timeout"}},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if err := s.Update(ctx, "job", Update{Counters: counters(1, 1, 0, 0)}); !errors.Is(err, ErrCounterRegression) {
		t.Errorf("expected ErrCounterRegression, got %v", err)
	}

	got, err := s.Get(ctx, "job")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Processed != 2 || got.Failed != 1 || got.CurrentLabel != label {
		t.Errorf("unexpected state: %+v", got)
	}
	if len(got.Errors) != 1 {
		t.Errorf("expected 1 error detail, got %d", len(got.Errors))
	}

	ok, err := s.Finalize(ctx, "job", StatusError, "interrupted")
	if err != nil || !ok {
		t.Fatalf("Finalize: ok=%v err=%v", ok, err)
	}
	ok, err = s.Finalize(ctx, "job", StatusCompleted, "")
	if err != nil || ok {
		t.Errorf("second Finalize should be a no-op: ok=%v err=%v", ok, err)
	}

	got, _ = s.Get(ctx, "job")
	if got.Status != StatusError || got.Message != "interrupted" {
		t.Errorf("unexpected terminal state: %s %q", got.Status, got.Message)
	}
}

func TestRedisStoreCancelFlagSurvivesOwnerWrites(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	s := NewRedisStore(client, Config{}, "test:")
	ctx := context.Background()
	s.Create(ctx, "job", "verify", 5)

	if requested, err := s.CancelRequested(ctx, "job"); err != nil || requested {
		t.Fatalf("expected no cancel: %v %v", requested, err)
	}

	if err := s.RequestCancel(ctx, "job"); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, "job", Update{Counters: counters(1, 1, 0, 0)}); err != nil {
		t.Fatal(err)
	}

	requested, err := s.CancelRequested(ctx, "job")
	if err != nil || !requested {
		t.Errorf("expected cancel requested after owner write: %v %v", requested, err)
	}

	got, _ := s.Get(ctx, "job")
	if !got.CancelRequested {
		t.Error("expected CancelRequested in snapshot")
	}

	if _, err := s.CancelRequested(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	s := NewRedisStore(client, Config{Retention: time.Minute, StaleAfter: time.Hour}, "")
	ctx := context.Background()
	s.Create(ctx, "done", "verify", 1)
	s.Create(ctx, "stale", "verify", 1)
	s.Finalize(ctx, "done", StatusCompleted, "")

	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected terminal entry expired, got %v", err)
	}
	if _, err := s.Get(ctx, "stale"); err != nil {
		t.Errorf("active entry should still exist: %v", err)
	}

	mr.FastForward(time.Hour)
	if _, err := s.Get(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected stale entry expired, got %v", err)
	}
}
