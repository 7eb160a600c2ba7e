package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/pacer/internal/metrics"
	"github.com/foxzi/pacer/internal/progress"
)

// Config contains runner settings
type Config struct {
	// FlushEvery pushes counters to the store every N items
	FlushEvery int
	// RetryDelay is the pause before the retry pass
	RetryDelay time.Duration
}

// Runner drives batch jobs and reports into a progress store
type Runner struct {
	store  progress.Store
	cfg    Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a new batch runner
func NewRunner(store progress.Store, cfg Config, logger *slog.Logger) *Runner {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "batch"),
	}
}

// Store returns the progress store used by the runner
func (r *Runner) Store() progress.Store {
	return r.store
}

// Wait blocks until all jobs started with Start have finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run executes the job synchronously and returns its final state
func Run[T any](ctx context.Context, r *Runner, job Job[T]) (*progress.JobState, error) {
	id, err := create(ctx, r, &job)
	if err != nil {
		return nil, err
	}
	execute(ctx, r, job)
	return r.store.Get(context.WithoutCancel(ctx), id)
}

// Start creates the progress entry and executes the job in the background.
// ctx governs the lifetime of the run, not just the call.
func Start[T any](ctx context.Context, r *Runner, job Job[T]) (string, error) {
	id, err := create(ctx, r, &job)
	if err != nil {
		return "", err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		execute(ctx, r, job)
	}()
	return id, nil
}

func create[T any](ctx context.Context, r *Runner, job *Job[T]) (string, error) {
	if err := job.validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, err := r.store.Create(ctx, job.ID, job.Kind, len(job.Items)); err != nil {
		return "", fmt.Errorf("failed to create progress: %w", err)
	}
	metrics.IncBatchStarted(job.Kind)
	return job.ID, nil
}

// run holds the mutable state of one execution. Only the owning goroutine touches it.
type run[T any] struct {
	r      *Runner
	job    Job[T]
	logger *slog.Logger

	counters     progress.Counters
	pendingRetry int
	summary      map[string]int
	errs         []progress.ItemError
	skips        []progress.ItemSkip
	sinceFlush   int
	retryQueue   []Item[T]
}

func execute[T any](ctx context.Context, r *Runner, job Job[T]) {
	st := &run[T]{
		r:       r,
		job:     job,
		logger:  r.logger.With("job_id", job.ID, "kind", job.Kind),
		summary: make(map[string]int),
	}

	st.logger.Info("batch started", "total", len(job.Items))

	status, message := st.loop(ctx)

	// Final writes must land even when ctx is already cancelled
	wctx := context.WithoutCancel(ctx)
	st.flush(wctx)
	if status == progress.StatusCompleted {
		st.push(wctx, progress.Update{Summary: st.summary})
	}

	if job.OnDone != nil {
		defer job.OnDone(status, message)
	}

	ok, err := r.store.Finalize(wctx, job.ID, status, message)
	if err != nil {
		st.logger.Error("failed to finalize batch", "error", err)
		return
	}
	if !ok {
		st.logger.Warn("batch already finalized", "status", status)
		return
	}

	metrics.IncBatchFinished(job.Kind, string(status))
	st.logger.Info("batch finished",
		"status", status,
		"processed", st.counters.Processed,
		"succeeded", st.counters.Succeeded,
		"skipped", st.counters.Skipped,
		"failed", st.counters.Failed,
	)
}

func (st *run[T]) loop(ctx context.Context) (progress.Status, string) {
	for _, item := range st.job.Items {
		if status, msg, stop := st.checkStop(ctx); stop {
			return status, msg
		}
		if status, msg, stop := st.pass(ctx, item, false); stop {
			return status, msg
		}
	}

	if len(st.retryQueue) == 0 {
		return progress.StatusCompleted, ""
	}

	st.flush(ctx)
	st.logger.Info("processing retry queue", "count", len(st.retryQueue), "delay", st.r.cfg.RetryDelay)

	if st.r.cfg.RetryDelay > 0 {
		timer := time.NewTimer(st.r.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return progress.StatusError, "interrupted"
		case <-timer.C:
		}
	}

	queue := st.retryQueue
	st.retryQueue = nil
	for _, item := range queue {
		if status, msg, stop := st.checkStop(ctx); stop {
			return status, msg
		}
		if status, msg, stop := st.pass(ctx, item, true); stop {
			return status, msg
		}
	}

	return progress.StatusCompleted, ""
}

// pass runs the gate and processes one item
func (st *run[T]) pass(ctx context.Context, item Item[T], retry bool) (progress.Status, string, bool) {
	label := item.Label
	st.push(ctx, progress.Update{CurrentLabel: &label})

	if st.job.Gate != nil {
		if err := st.job.Gate(ctx, item); err != nil {
			switch {
			case errors.Is(err, ErrStopped):
				return progress.StatusCancelled, "", true
			case ctx.Err() != nil:
				return progress.StatusError, "interrupted", true
			default:
				st.logger.Error("batch gate failed", "item_id", item.ID, "error", err)
				return progress.StatusError, err.Error(), true
			}
		}
	}

	res := st.process(ctx, item)
	if retry {
		st.pendingRetry--
		if res.Outcome == OutcomeRetry {
			res = Result{Outcome: OutcomeFail, Category: res.Category, Detail: "retry failed: " + res.Detail}
		}
	}
	st.record(item, res)

	if st.sinceFlush >= st.r.cfg.FlushEvery || len(st.errs) > 0 || len(st.skips) > 0 {
		st.flush(ctx)
	}
	return "", "", false
}

func (st *run[T]) process(ctx context.Context, item Item[T]) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			st.logger.Error("batch item panicked", "item_id", item.ID, "panic", p)
			res = Result{Outcome: OutcomeFail, Category: "failed", Detail: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return st.job.Process(ctx, item)
}

func (st *run[T]) record(item Item[T], res Result) {
	category := res.Category
	if category == "" {
		category = string(res.Outcome)
	}

	switch res.Outcome {
	case OutcomeSuccess:
		st.counters.Succeeded++
	case OutcomeSkip:
		st.counters.Skipped++
		st.skips = append(st.skips, progress.ItemSkip{ItemID: item.ID, ItemLabel: item.Label, Reason: res.Detail})
	case OutcomeRetry:
		st.retryQueue = append(st.retryQueue, item)
		st.pendingRetry++
		st.sinceFlush++
		metrics.IncBatchRetry(st.job.Kind)
		st.logger.Warn("item queued for retry", "item_id", item.ID, "error", res.Detail)
		return
	default:
		if res.Outcome != OutcomeFail {
			res.Detail = fmt.Sprintf("unknown outcome %q: %s", res.Outcome, res.Detail)
			category = "failed"
		}
		st.counters.Failed++
		st.errs = append(st.errs, progress.ItemError{ItemID: item.ID, ItemLabel: item.Label, Message: res.Detail})
		st.logger.Warn("item failed", "item_id", item.ID, "error", res.Detail)
	}

	st.counters.Processed++
	st.summary[category]++
	st.sinceFlush++
	metrics.IncBatchItem(st.job.Kind, string(res.Outcome))

	if st.counters.Processed%5 == 0 {
		st.logger.Debug("batch progress", "processed", st.counters.Processed, "total", len(st.job.Items))
	}
}

// checkStop observes context cancellation and the cancel flag
func (st *run[T]) checkStop(ctx context.Context) (progress.Status, string, bool) {
	if ctx.Err() != nil {
		return progress.StatusError, "interrupted", true
	}
	requested, err := st.r.store.CancelRequested(ctx, st.job.ID)
	if err != nil {
		st.logger.Warn("failed to read cancel flag", "error", err)
		return "", "", false
	}
	if requested {
		st.logger.Info("batch cancel requested")
		return progress.StatusCancelled, "", true
	}
	return "", "", false
}

func (st *run[T]) flush(ctx context.Context) {
	counters := st.counters
	pendingRetry := st.pendingRetry
	st.push(ctx, progress.Update{
		Counters:     &counters,
		PendingRetry: &pendingRetry,
		Errors:       st.errs,
		Skips:        st.skips,
	})
	st.errs = nil
	st.skips = nil
	st.sinceFlush = 0
}

func (st *run[T]) push(ctx context.Context, upd progress.Update) {
	if err := st.r.store.Update(ctx, st.job.ID, upd); err != nil {
		st.logger.Warn("failed to update progress", "error", err)
	}
}
