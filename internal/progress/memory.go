package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with a background janitor
type MemoryStore struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	jobs map[string]*JobState

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewMemoryStore creates a new in-memory progress store
func NewMemoryStore(cfg Config, logger *slog.Logger) *MemoryStore {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*JobState),
		done:   make(chan struct{}),
	}
}

// Create registers a new pending job
func (m *MemoryStore) Create(ctx context.Context, id, kind string, total int) (*JobState, error) {
	state, err := newState(id, kind, total, m.now())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[id]; ok && !expired(existing, m.now(), m.cfg) {
		return nil, ErrExists
	}
	m.jobs[id] = state
	return state.Clone(), nil
}

// Get returns a snapshot of the job
func (m *MemoryStore) Get(ctx context.Context, id string) (*JobState, error) {
	m.mu.RLock()
	state, ok := m.jobs[id]
	if ok && !expired(state, m.now(), m.cfg) {
		snapshot := state.Clone()
		m.mu.RUnlock()
		return snapshot, nil
	}
	m.mu.RUnlock()

	if ok {
		m.mu.Lock()
		if state, ok := m.jobs[id]; ok && expired(state, m.now(), m.cfg) {
			delete(m.jobs, id)
		}
		m.mu.Unlock()
	}
	return nil, ErrNotFound
}

// Update merges a partial update into the job
func (m *MemoryStore) Update(ctx context.Context, id string, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	return apply(state, upd, m.now(), m.cfg.MaxDetails)
}

// RequestCancel flags the job for cancellation
func (m *MemoryStore) RequestCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !state.Status.IsTerminal() {
		state.CancelRequested = true
	}
	return nil
}

// CancelRequested reports whether cancellation was requested
func (m *MemoryStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	return state.CancelRequested, nil
}

// Finalize moves the job to a terminal status
func (m *MemoryStore) Finalize(ctx context.Context, id string, status Status, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	return finalize(state, status, message, m.now())
}

// Sweep evicts expired entries and returns how many were removed
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, state := range m.jobs {
		if expired(state, now, m.cfg) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries, including expired ones not yet swept
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// Start starts the janitor goroutine
func (m *MemoryStore) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.cleanupLoop(ctx)

	m.logger.Info("progress janitor started",
		"retention", m.cfg.Retention,
		"stale_after", m.cfg.StaleAfter,
		"interval", m.cfg.CleanupInterval,
	)
}

// Stop stops the janitor and waits for it to finish
func (m *MemoryStore) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *MemoryStore) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug("evicted progress entries", "removed", removed)
			}
		}
	}
}
