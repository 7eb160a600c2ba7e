package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pacer/internal/metrics"
	"github.com/foxzi/pacer/internal/models"
)

var bucketMailboxQuota = []byte("mailbox_quota")

const dayLayout = "2006-01-02"

// Counter tracks the daily usage of a mailbox
type Counter struct {
	Day        string    `json:"day"`
	SentToday  int       `json:"sent_today"`
	TotalSent  int       `json:"total_sent"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Result is the outcome of an allocation attempt
type Result struct {
	Allowed   bool           `json:"allowed"`
	Mailbox   models.Mailbox `json:"mailbox"`
	SentToday int            `json:"sent_today"`
	Remaining int            `json:"remaining"`
	// RetryAt is when quotas reset if nothing was allowed
	RetryAt time.Time `json:"retry_at,omitempty"`
}

// Quota is a read-only view of a mailbox counter
type Quota struct {
	MailboxID  string     `json:"mailbox_id"`
	Email      string     `json:"email"`
	Active     bool       `json:"active"`
	DailyLimit int        `json:"daily_limit"`
	SentToday  int        `json:"sent_today"`
	Remaining  int        `json:"remaining"`
	TotalSent  int        `json:"total_sent"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Eligible reports whether the mailbox can take another send today
func (q Quota) Eligible() bool {
	return q.Active && q.Remaining > 0
}

// Allocator picks the least loaded mailbox and reserves one unit of its quota.
// It is the single owner of the sent-today counters shared by all campaigns
// of one process. Deployments running several dispatch processes use
// RedisAllocator instead.
type Allocator struct {
	db       *bolt.DB
	loc      *time.Location
	counters map[string]*Counter
	mu       sync.Mutex
	now      func() time.Time
}

// NewAllocator creates a new allocator. Counters roll over at midnight in loc.
func NewAllocator(db *bolt.DB, loc *time.Location) (*Allocator, error) {
	if loc == nil {
		loc = time.UTC
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMailboxQuota)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox quota bucket: %w", err)
	}

	a := &Allocator{
		db:       db,
		loc:      loc,
		counters: make(map[string]*Counter),
		now:      time.Now,
	}

	if err := a.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	return a, nil
}

// Acquire selects an eligible mailbox among candidates and reserves one send.
// Selection: lowest sent/limit ratio, then priority, then least recently used,
// then candidate order.
func (a *Allocator) Acquire(ctx context.Context, candidates []models.Mailbox) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	day := a.dayKey(now)

	best := -1
	var bestCounter Counter
	for i, mb := range candidates {
		if !mb.Active || mb.DailyLimit <= 0 {
			continue
		}
		c := a.current(mb.ID, day)
		if c.SentToday >= mb.DailyLimit {
			continue
		}
		if best < 0 || less(c, mb, bestCounter, candidates[best]) {
			best = i
			bestCounter = c
		}
	}

	if best < 0 {
		metrics.IncMailboxAllocation("exhausted")
		return &Result{
			Allowed: false,
			RetryAt: a.nextReset(now),
		}, nil
	}

	mb := candidates[best]
	updated := bestCounter
	updated.Day = day
	updated.SentToday++
	updated.TotalSent++
	updated.LastUsedAt = now

	if err := a.persist(mb.ID, &updated); err != nil {
		return nil, err
	}
	a.counters[mb.ID] = &updated

	metrics.IncMailboxAllocation("allowed")
	return &Result{
		Allowed:   true,
		Mailbox:   mb,
		SentToday: updated.SentToday,
		Remaining: mb.DailyLimit - updated.SentToday,
	}, nil
}

// less reports whether candidate a should be preferred over b
func less(ca Counter, a models.Mailbox, cb Counter, b models.Mailbox) bool {
	// ca.SentToday/a.DailyLimit < cb.SentToday/b.DailyLimit without floats
	lhs := ca.SentToday * b.DailyLimit
	rhs := cb.SentToday * a.DailyLimit
	if lhs != rhs {
		return lhs < rhs
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return ca.LastUsedAt.Before(cb.LastUsedAt)
}

// Stats returns quota information for the given mailboxes.
// It never reserves anything and must not be used for send decisions.
func (a *Allocator) Stats(ctx context.Context, mailboxes []models.Mailbox) ([]Quota, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := a.dayKey(a.now())
	quotas := make([]Quota, 0, len(mailboxes))
	for _, mb := range mailboxes {
		quotas = append(quotas, quotaOf(mb, a.current(mb.ID, day)))
	}
	return quotas, nil
}

func quotaOf(mb models.Mailbox, c Counter) Quota {
	q := Quota{
		MailboxID:  mb.ID,
		Email:      mb.Email,
		Active:     mb.Active,
		DailyLimit: mb.DailyLimit,
		SentToday:  c.SentToday,
		Remaining:  max(0, mb.DailyLimit-c.SentToday),
		TotalSent:  c.TotalSent,
	}
	if !c.LastUsedAt.IsZero() {
		t := c.LastUsedAt
		q.LastUsedAt = &t
	}
	return q
}

// Reset zeroes today's counter of a mailbox
func (a *Allocator) Reset(ctx context.Context, mailboxID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.current(mailboxID, a.dayKey(a.now()))
	c.Day = a.dayKey(a.now())
	c.SentToday = 0

	if err := a.persist(mailboxID, &c); err != nil {
		return err
	}
	a.counters[mailboxID] = &c
	return nil
}

// current returns a copy of the counter with SentToday rolled over for day
func (a *Allocator) current(id, day string) Counter {
	c, ok := a.counters[id]
	if !ok {
		return Counter{Day: day}
	}
	out := *c
	if out.Day != day {
		out.Day = day
		out.SentToday = 0
	}
	return out
}

func (a *Allocator) dayKey(t time.Time) string {
	return dayKey(t, a.loc)
}

func (a *Allocator) nextReset(now time.Time) time.Time {
	return nextReset(now, a.loc)
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// nextReset is the next midnight in loc
func nextReset(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func (a *Allocator) persist(id string, c *Counter) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal counter: %w", err)
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMailboxQuota).Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist counter for %s: %w", id, err)
	}
	return nil
}

func (a *Allocator) loadCounters() error {
	return a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMailboxQuota)
		return b.ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				// Skip corrupted entries
				return nil
			}
			a.counters[string(k)] = &c
			return nil
		})
	})
}
