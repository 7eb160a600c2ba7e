package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/pacer/internal/batch"
	"github.com/foxzi/pacer/internal/lock"
	"github.com/foxzi/pacer/internal/metrics"
	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
	"github.com/foxzi/pacer/internal/progress"
)

// Config contains dispatch settings
type Config struct {
	// Location is used by schedules without a timezone
	Location *time.Location
	// RecheckInterval bounds the wait when no mailbox has quota left
	RecheckInterval time.Duration
	// LockTTL is the lifetime of the cross-process campaign lease
	LockTTL time.Duration
}

// Deps are the collaborators of a Manager
type Deps struct {
	Runner    *batch.Runner
	Store     Store
	History   History
	Allocator Allocator
	Pacer     Pacer
	Sender    Sender
	// Locker is optional; without it only the in-process registry guards a campaign
	Locker *lock.RedisLocker
}

// Manager runs at most one dispatch loop per campaign
type Manager struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*loop
}

func NewManager(deps Deps, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		loops:  make(map[string]*loop),
	}
}

// Start launches the dispatch loop of a campaign
func (m *Manager) Start(ctx context.Context, campaignID string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.loops[campaignID]; ok {
		switch l.status.State {
		case StateRunning, StatePaused:
			return nil, fmt.Errorf("%s: %w", campaignID, ErrAlreadyRunning)
		}
	}
	return m.launch(ctx, campaignID)
}

// Resume restarts a paused campaign from its current history
func (m *Manager) Resume(ctx context.Context, campaignID string) (*Status, error) {
	m.mu.Lock()
	l, ok := m.loops[campaignID]
	if !ok || l.status.State != StatePaused {
		m.mu.Unlock()
		if ok && l.status.State == StateRunning {
			return m.Status(campaignID), nil
		}
		return nil, fmt.Errorf("%s: %w", campaignID, ErrNotPaused)
	}
	done := l.done
	m.mu.Unlock()

	// the paused loop may still be finishing its current send
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.loops[campaignID]; cur != l || cur.status.State != StatePaused {
		return nil, fmt.Errorf("%s: %w", campaignID, ErrNotPaused)
	}
	return m.launch(ctx, campaignID)
}

// Pause stops sending after the current item; a no-op unless running
func (m *Manager) Pause(ctx context.Context, campaignID string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loops[campaignID]
	if !ok || l.status.State != StateRunning {
		return m.statusLocked(campaignID)
	}
	l.stopWith(StatePaused)
	l.touch(m.now())
	m.logger.Info("campaign pause requested", "campaign_id", campaignID)
	return l.snapshot()
}

// Cancel stops the campaign for good; a paused campaign becomes cancelled directly
func (m *Manager) Cancel(ctx context.Context, campaignID string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loops[campaignID]
	if !ok {
		return m.statusLocked(campaignID)
	}

	switch {
	case l.status.State == StateRunning, l.status.State == StatePaused && !l.finished():
		l.stopWith(StateCancelled)
		if err := m.deps.Runner.Store().RequestCancel(ctx, l.status.ProgressID); err != nil {
			m.logger.Warn("failed to flag progress cancelled", "campaign_id", campaignID, "error", err)
		}
	case l.status.State == StatePaused:
		l.status.State = StateCancelled
	default:
		return l.snapshot()
	}
	l.touch(m.now())
	m.logger.Info("campaign cancel requested", "campaign_id", campaignID)
	return l.snapshot()
}

// Status returns the dispatch state of a campaign; unknown campaigns are idle
func (m *Manager) Status(campaignID string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(campaignID)
}

// List returns the status of every campaign the manager has seen
func (m *Manager) List() []*Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Status, 0, len(m.loops))
	for _, l := range m.loops {
		out = append(out, l.snapshot())
	}
	return out
}

func (m *Manager) statusLocked(campaignID string) *Status {
	if l, ok := m.loops[campaignID]; ok {
		return l.snapshot()
	}
	return &Status{CampaignID: campaignID, State: StateIdle, UpdatedAt: m.now()}
}

// Plan estimates when the remaining recipients of a campaign would be sent
func (m *Manager) Plan(ctx context.Context, campaignID string) (*pacing.Estimate, error) {
	c, schedule, err := m.load(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	remaining, err := m.remaining(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	in, err := m.input(ctx, c, schedule)
	if err != nil {
		return nil, err
	}
	return m.deps.Pacer.Estimate(ctx, schedule, in, len(remaining))
}

// Close interrupts all loops and waits for them to finish
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) load(ctx context.Context, campaignID string) (*models.Campaign, pacing.Schedule, error) {
	c, err := m.deps.Store.Campaign(ctx, campaignID)
	if err != nil {
		return nil, pacing.Schedule{}, err
	}
	schedule, err := pacing.FromSettings(c.Schedule, m.cfg.Location)
	if err != nil {
		return nil, pacing.Schedule{}, fmt.Errorf("campaign %s: %w", campaignID, err)
	}
	return c, schedule, nil
}

// remaining returns the recipients without a successful send
func (m *Manager) remaining(ctx context.Context, campaignID string) ([]models.Recipient, error) {
	recipients, err := m.deps.Store.Recipients(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	sent, err := m.deps.History.SentLeads(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load send history: %w", err)
	}

	out := recipients[:0:0]
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if sent[r.ID] || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out, nil
}

// input derives the pacing input from today's history in the schedule's timezone
func (m *Manager) input(ctx context.Context, c *models.Campaign, s pacing.Schedule) (pacing.Input, error) {
	now := m.now().In(s.Location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.Location)

	stats, err := m.deps.History.DayStats(ctx, c.ID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return pacing.Input{}, fmt.Errorf("failed to load today's sends: %w", err)
	}
	return pacing.Input{
		LastSentAt: stats.LastSentAt,
		SentToday:  stats.Sent,
		NotBefore:  c.ScheduledAt,
	}, nil
}

// launch must be called with m.mu held
func (m *Manager) launch(ctx context.Context, campaignID string) (*Status, error) {
	c, schedule, err := m.load(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(c.MailboxIDs) == 0 {
		return nil, fmt.Errorf("%s: %w", campaignID, ErrNoMailboxes)
	}
	mailboxes, err := m.deps.Store.Mailboxes(ctx, c.MailboxIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailboxes: %w", err)
	}
	if len(mailboxes) == 0 {
		return nil, fmt.Errorf("%s: %w", campaignID, ErrNoMailboxes)
	}

	recipients, err := m.remaining(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	var lease *lock.Lease
	if m.deps.Locker != nil {
		lease, err = m.deps.Locker.Acquire(ctx, "campaign:"+campaignID, m.cfg.LockTTL)
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("%s: %w", campaignID, ErrAlreadyRunning)
		}
		if err != nil {
			return nil, err
		}
	}

	now := m.now()
	progressID := uuid.New().String()
	loopCtx, cancel := context.WithCancel(m.ctx)
	l := &loop{
		m:          m,
		campaign:   c,
		schedule:   schedule,
		mailboxes:  mailboxes,
		progressID: progressID,
		cancel:     cancel,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     m.logger.With("campaign_id", c.ID),
		status: Status{
			CampaignID: c.ID,
			State:      StateRunning,
			ProgressID: progressID,
			Remaining:  len(recipients),
			StartedAt:  &now,
			UpdatedAt:  now,
		},
	}

	items := make([]batch.Item[models.Recipient], len(recipients))
	for i, r := range recipients {
		items[i] = batch.Item[models.Recipient]{ID: r.ID, Label: r.Name(), Value: r}
	}

	m.wg.Add(1)
	_, err = batch.Start(loopCtx, m.deps.Runner, batch.Job[models.Recipient]{
		ID:      progressID,
		Kind:    Kind,
		Items:   items,
		Gate:    l.gate,
		Process: l.process,
		OnDone: func(status progress.Status, message string) {
			defer m.wg.Done()
			l.finish(status, message, lease)
		},
	})
	if err != nil {
		m.wg.Done()
		cancel()
		if lease != nil {
			lease.Release(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	if lease != nil {
		go lease.KeepAlive(loopCtx, func(err error) {
			l.logger.Error("campaign lock lost, stopping dispatch", "error", err)
			cancel()
		})
	}

	m.loops[campaignID] = l
	metrics.IncDispatchLoops()
	l.logger.Info("campaign dispatch started",
		"progress_id", l.status.ProgressID,
		"recipients", len(recipients),
		"mailboxes", len(mailboxes),
	)
	return l.snapshot(), nil
}
