package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/foxzi/pacer/internal/history"
	"github.com/foxzi/pacer/internal/mailbox"
	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
	"github.com/foxzi/pacer/internal/transport"
)

// Kind is the batch kind of dispatch runs
const Kind = "dispatch"

var (
	ErrAlreadyRunning = errors.New("campaign dispatch already running")
	ErrNotPaused      = errors.New("campaign dispatch is not paused")
	ErrNoMailboxes    = errors.New("campaign has no mailboxes")
)

// State is the lifecycle state of a campaign dispatch
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
)

// Status is a snapshot of a campaign dispatch
type Status struct {
	CampaignID string     `json:"campaign_id"`
	State      State      `json:"state"`
	ProgressID string     `json:"progress_id,omitempty"`
	Remaining  int        `json:"remaining"`
	NextSendAt *time.Time `json:"next_send_at,omitempty"`
	MailboxID  string     `json:"mailbox_id,omitempty"`
	Message    string     `json:"message,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Store reads campaign data
type Store interface {
	Campaign(ctx context.Context, id string) (*models.Campaign, error)
	Recipients(ctx context.Context, campaignID string) ([]models.Recipient, error)
	Mailboxes(ctx context.Context, ids []string) ([]models.Mailbox, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) error
}

// History records send attempts
type History interface {
	Append(ctx context.Context, e models.SendHistoryEntry) error
	SentLeads(ctx context.Context, campaignID string) (map[string]bool, error)
	DayStats(ctx context.Context, campaignID string, from, to time.Time) (*history.DayStats, error)
}

// Allocator reserves mailbox quota
type Allocator interface {
	Acquire(ctx context.Context, candidates []models.Mailbox) (*mailbox.Result, error)
}

// Pacer computes legal send times
type Pacer interface {
	Next(ctx context.Context, s pacing.Schedule, in pacing.Input) (*pacing.Decision, error)
	Estimate(ctx context.Context, s pacing.Schedule, in pacing.Input, recipients int) (*pacing.Estimate, error)
}

// Sender submits one message
type Sender interface {
	Send(ctx context.Context, mb models.Mailbox, msg *transport.Message) error
}
