package progress

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle status of a job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

var (
	ErrNotFound          = errors.New("progress entry not found")
	ErrExists            = errors.New("progress entry already exists")
	ErrFinalized         = errors.New("progress entry already finalized")
	ErrCounterRegression = errors.New("progress counters cannot move backwards")
	ErrInvalidCounters   = errors.New("invalid progress counters")
	ErrInvalidStatus     = errors.New("invalid terminal status")
)

// DefaultMaxDetails caps error and skip detail lists
const DefaultMaxDetails = 100

// ItemError describes a failed item
type ItemError struct {
	ItemID    string `json:"item_id"`
	ItemLabel string `json:"item_label,omitempty"`
	Message   string `json:"message"`
}

// ItemSkip describes a skipped item
type ItemSkip struct {
	ItemID    string `json:"item_id"`
	ItemLabel string `json:"item_label,omitempty"`
	Reason    string `json:"reason"`
}

// Counters holds the item counters of a job.
// Succeeded + Skipped + Failed always equals Processed.
type Counters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// JobState is a snapshot of a background job
type JobState struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status Status `json:"status"`
	Total  int    `json:"total"`
	Counters

	PendingRetry    int    `json:"pending_retry"`
	CurrentLabel    string `json:"current_label,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`
	Message         string `json:"message,omitempty"`

	Errors         []ItemError    `json:"errors,omitempty"`
	Skips          []ItemSkip     `json:"skips,omitempty"`
	DroppedDetails int            `json:"dropped_details,omitempty"`
	Summary        map[string]int `json:"summary,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines
func (s *JobState) Clone() *JobState {
	c := *s
	if s.Errors != nil {
		c.Errors = append([]ItemError(nil), s.Errors...)
	}
	if s.Skips != nil {
		c.Skips = append([]ItemSkip(nil), s.Skips...)
	}
	if s.Summary != nil {
		c.Summary = make(map[string]int, len(s.Summary))
		for k, v := range s.Summary {
			c.Summary[k] = v
		}
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Elapsed returns the running time of the job
func (s *JobState) Elapsed(now time.Time) time.Duration {
	end := now
	if s.FinishedAt != nil {
		end = *s.FinishedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// EstimatedRemaining extrapolates the remaining time from the average item duration.
// Returns zero for terminal jobs or when nothing has been processed yet.
func (s *JobState) EstimatedRemaining(now time.Time) time.Duration {
	if s.Status.IsTerminal() || s.Processed == 0 || s.Processed >= s.Total {
		return 0
	}
	perItem := s.Elapsed(now) / time.Duration(s.Processed)
	return perItem * time.Duration(s.Total-s.Processed)
}

// Update is a partial update of a job. Nil fields are left unchanged.
type Update struct {
	Counters     *Counters
	PendingRetry *int
	CurrentLabel *string
	Errors       []ItemError
	Skips        []ItemSkip
	Summary      map[string]int

	// Reset allows counters to move backwards
	Reset bool
}

// Store keeps job progress for pollers
type Store interface {
	Create(ctx context.Context, id, kind string, total int) (*JobState, error)
	Get(ctx context.Context, id string) (*JobState, error)
	Update(ctx context.Context, id string, upd Update) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	// Finalize moves the job to a terminal status. Only the first call
	// transitions; later calls return false and leave the entry untouched.
	Finalize(ctx context.Context, id string, status Status, message string) (bool, error)
}

// Config contains store settings
type Config struct {
	// Retention is how long terminal entries stay readable
	Retention time.Duration
	// StaleAfter evicts non-terminal entries without updates
	StaleAfter time.Duration
	// MaxDetails caps error and skip lists
	MaxDetails int
	// CleanupInterval is the janitor period of the memory store
	CleanupInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Hour
	}
	if c.MaxDetails <= 0 {
		c.MaxDetails = DefaultMaxDetails
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

func newState(id, kind string, total int, now time.Time) (*JobState, error) {
	if id == "" {
		return nil, fmt.Errorf("progress id is required")
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: negative total %d", ErrInvalidCounters, total)
	}
	return &JobState{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		Total:     total,
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

// apply merges upd into s, validating counter invariants
func apply(s *JobState, upd Update, now time.Time, maxDetails int) error {
	if s.Status.IsTerminal() {
		return ErrFinalized
	}

	if c := upd.Counters; c != nil {
		if c.Processed < 0 || c.Succeeded < 0 || c.Skipped < 0 || c.Failed < 0 {
			return fmt.Errorf("%w: negative counter", ErrInvalidCounters)
		}
		if c.Succeeded+c.Skipped+c.Failed != c.Processed {
			return fmt.Errorf("%w: %d succeeded + %d skipped + %d failed != %d processed",
				ErrInvalidCounters, c.Succeeded, c.Skipped, c.Failed, c.Processed)
		}
		if c.Processed > s.Total {
			return fmt.Errorf("%w: processed %d exceeds total %d", ErrInvalidCounters, c.Processed, s.Total)
		}
		if !upd.Reset {
			if c.Processed < s.Processed || c.Succeeded < s.Succeeded ||
				c.Skipped < s.Skipped || c.Failed < s.Failed {
				return ErrCounterRegression
			}
		}
		s.Counters = *c
	}

	if upd.PendingRetry != nil {
		if *upd.PendingRetry < 0 {
			return fmt.Errorf("%w: negative pending retry", ErrInvalidCounters)
		}
		s.PendingRetry = *upd.PendingRetry
	}
	if upd.CurrentLabel != nil {
		s.CurrentLabel = *upd.CurrentLabel
	}

	for _, e := range upd.Errors {
		if len(s.Errors) >= maxDetails {
			s.DroppedDetails++
			continue
		}
		s.Errors = append(s.Errors, e)
	}
	for _, sk := range upd.Skips {
		if len(s.Skips) >= maxDetails {
			s.DroppedDetails++
			continue
		}
		s.Skips = append(s.Skips, sk)
	}

	if upd.Summary != nil {
		s.Summary = make(map[string]int, len(upd.Summary))
		for k, v := range upd.Summary {
			s.Summary[k] = v
		}
	}

	s.Status = StatusProcessing
	s.UpdatedAt = now
	return nil
}

func finalize(s *JobState, status Status, message string, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if s.Status.IsTerminal() {
		return false, nil
	}
	s.Status = status
	s.Message = message
	s.CurrentLabel = ""
	s.UpdatedAt = now
	s.FinishedAt = &now
	return true, nil
}

// expired reports whether the entry should be evicted
func expired(s *JobState, now time.Time, cfg Config) bool {
	if s.Status.IsTerminal() {
		return s.FinishedAt != nil && now.Sub(*s.FinishedAt) > cfg.Retention
	}
	return now.Sub(s.UpdatedAt) > cfg.StaleAfter
}
