package mailbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pacer/internal/models"
)

func setupTestDB(t *testing.T) (*bolt.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db, dbPath
}

func newTestAllocator(t *testing.T, db *bolt.DB, now *time.Time) *Allocator {
	t.Helper()
	a, err := NewAllocator(db, time.UTC)
	if err != nil {
		t.Fatalf("failed to create allocator: %v", err)
	}
	a.now = func() time.Time { return *now }
	return a
}

func mailboxes() []models.Mailbox {
	return []models.Mailbox{
		{ID: "a", Email: "a@example.com", DailyLimit: 2, Active: true},
		{ID: "b", Email: "b@example.com", DailyLimit: 4, Active: true},
		{ID: "off", Email: "off@example.com", DailyLimit: 100, Active: false},
	}
}

func TestAcquireBalancesByRatio(t *testing.T) {
	db, _ := setupTestDB(t)
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, db, &now)
	ctx := context.Background()

	var picked []string
	for i := 0; i < 6; i++ {
		now = now.Add(time.Minute)
		res, err := a.Acquire(ctx, mailboxes())
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected allowed at step %d", i)
		}
		if res.Mailbox.ID == "off" {
			t.Fatal("inactive mailbox must never be picked")
		}
		picked = append(picked, res.Mailbox.ID)
	}

	// a: 0/2, b: 0/4 -> a (order); a 1/2 vs b 0/4 -> b; a 1/2 vs b 1/4 -> b;
	// a 1/2 vs b 2/4 -> equal, a used earlier -> a; a full -> b, b
	want := []string{"a", "b", "b", "a", "b", "b"}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("unexpected allocation order: %v, want %v", picked, want)
		}
	}

	res, err := a.Acquire(ctx, mailboxes())
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("expected exhaustion")
	}
	wantRetry := time.Date(2024, 5, 7, 0, 0, 0, 0, time.UTC)
	if !res.RetryAt.Equal(wantRetry) {
		t.Errorf("expected retry at %v, got %v", wantRetry, res.RetryAt)
	}
}

func TestAcquireDayRollover(t *testing.T) {
	db, _ := setupTestDB(t)
	now := time.Date(2024, 5, 6, 23, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, db, &now)
	ctx := context.Background()
	boxes := []models.Mailbox{{ID: "a", DailyLimit: 1, Active: true}}

	if res, _ := a.Acquire(ctx, boxes); !res.Allowed {
		t.Fatal("expected first send allowed")
	}
	if res, _ := a.Acquire(ctx, boxes); res.Allowed {
		t.Fatal("expected limit reached")
	}

	now = now.Add(2 * time.Hour)
	res, err := a.Acquire(ctx, boxes)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.SentToday != 1 {
		t.Errorf("expected new day allocation, got %+v", res)
	}

	stats, _ := a.Stats(ctx, boxes)
	if stats[0].TotalSent != 2 {
		t.Errorf("expected total 2, got %d", stats[0].TotalSent)
	}
}

func TestAcquireNeverExceedsLimitConcurrently(t *testing.T) {
	db, _ := setupTestDB(t)
	a, err := NewAllocator(db, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	boxes := []models.Mailbox{
		{ID: "a", DailyLimit: 10, Active: true},
		{ID: "b", DailyLimit: 15, Active: true},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Acquire(context.Background(), boxes)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 25 {
		t.Errorf("expected exactly 25 reservations, got %d", allowed)
	}
	stats, err := a.Stats(context.Background(), boxes)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range stats {
		if q.SentToday > q.DailyLimit {
			t.Errorf("mailbox %s over limit: %d/%d", q.MailboxID, q.SentToday, q.DailyLimit)
		}
		if q.Eligible() {
			t.Errorf("mailbox %s should be exhausted", q.MailboxID)
		}
	}
}

func TestAllocatorPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "quota.db")
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	boxes := []models.Mailbox{{ID: "a", DailyLimit: 3, Active: true}}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	a := newTestAllocator(t, db, &now)
	a.Acquire(context.Background(), boxes)
	a.Acquire(context.Background(), boxes)
	db.Close()

	db, err = bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	a = newTestAllocator(t, db, &now)
	stats, _ := a.Stats(context.Background(), boxes)
	if stats[0].SentToday != 2 || stats[0].Remaining != 1 {
		t.Errorf("expected counters restored, got %+v", stats[0])
	}
}

func TestAllocatorReset(t *testing.T) {
	db, _ := setupTestDB(t)
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, db, &now)
	ctx := context.Background()
	boxes := []models.Mailbox{{ID: "a", DailyLimit: 1, Active: true}}

	a.Acquire(ctx, boxes)
	if res, _ := a.Acquire(ctx, boxes); res.Allowed {
		t.Fatal("expected exhaustion")
	}

	if err := a.Reset(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if res, _ := a.Acquire(ctx, boxes); !res.Allowed {
		t.Error("expected allocation after reset")
	}
}

func TestStatsDoesNotReserve(t *testing.T) {
	db, _ := setupTestDB(t)
	now := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, db, &now)
	boxes := []models.Mailbox{{ID: "a", DailyLimit: 1, Active: true}}

	for i := 0; i < 3; i++ {
		a.Stats(context.Background(), boxes)
	}
	res, _ := a.Acquire(context.Background(), boxes)
	if !res.Allowed {
		t.Error("Stats must not consume quota")
	}
}

func TestAcquirePriorityBreaksTies(t *testing.T) {
	db, _ := setupTestDB(t)
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	a := newTestAllocator(t, db, &now)
	ctx := context.Background()

	boxes := []models.Mailbox{
		{ID: "low", DailyLimit: 10, Active: true, Priority: 5},
		{ID: "high", DailyLimit: 10, Active: true, Priority: 1},
	}

	var picked []string
	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		res, err := a.Acquire(ctx, boxes)
		if err != nil {
			t.Fatal(err)
		}
		picked = append(picked, res.Mailbox.ID)
	}

	// equal load goes to the lower priority value, load still wins otherwise
	want := []string{"high", "low", "high", "low"}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("unexpected allocation order: %v, want %v", picked, want)
		}
	}
}
