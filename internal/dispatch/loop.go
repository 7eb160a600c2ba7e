package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/pacer/internal/batch"
	"github.com/foxzi/pacer/internal/lock"
	"github.com/foxzi/pacer/internal/metrics"
	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
	"github.com/foxzi/pacer/internal/progress"
	"github.com/foxzi/pacer/internal/transport"
)

// loop is one running period of a campaign. status and reason are guarded by
// the manager's mutex; the remaining fields belong to the batch goroutine.
type loop struct {
	m         *Manager
	campaign  *models.Campaign
	schedule  pacing.Schedule
	mailboxes []models.Mailbox
	reserved  models.Mailbox
	logger    *slog.Logger
	// progressID is fixed at launch
	progressID string

	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	status Status
	reason State
}

func (l *loop) stopWith(reason State) {
	l.reason = reason
	l.status.State = reason
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *loop) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *loop) touch(now time.Time) {
	l.status.UpdatedAt = now
}

func (l *loop) snapshot() *Status {
	s := l.status
	if s.NextSendAt != nil {
		t := *s.NextSendAt
		s.NextSendAt = &t
	}
	return &s
}

func (l *loop) update(fn func(s *Status)) {
	l.m.mu.Lock()
	fn(&l.status)
	l.touch(l.m.now())
	l.m.mu.Unlock()
}

// gate blocks until the next legal send time and reserves a mailbox
func (l *loop) gate(ctx context.Context, item batch.Item[models.Recipient]) error {
	for {
		select {
		case <-l.stop:
			return batch.ErrStopped
		default:
		}

		in, err := l.m.input(ctx, l.campaign, l.schedule)
		if err != nil {
			return err
		}
		decision, err := l.m.deps.Pacer.Next(ctx, l.schedule, in)
		if err != nil {
			return err
		}

		next := decision.NextSendAt
		l.update(func(s *Status) { s.NextSendAt = &next })

		if decision.Wait > 0 {
			metrics.ObservePacingWait(decision.Wait.Seconds())
			l.logger.Debug("waiting for send slot",
				"next_send_at", decision.NextSendAt,
				"wait", decision.Wait,
				"new_day", decision.NewDay,
			)
			if err := l.sleep(ctx, decision.Wait); err != nil {
				return err
			}
		}

		// a cancel posted against the progress entry lands here when the wait was short
		if err := l.checkCancel(ctx); err != nil {
			return err
		}

		res, err := l.m.deps.Allocator.Acquire(ctx, l.mailboxes)
		if err != nil {
			return err
		}
		if res.Allowed {
			l.reserved = res.Mailbox
			l.update(func(s *Status) { s.MailboxID = res.Mailbox.ID })
			return nil
		}

		wait := l.m.cfg.RecheckInterval
		if until := res.RetryAt.Sub(l.m.now()); until > 0 && until < wait {
			wait = until
		}
		l.logger.Info("no mailbox quota left, rechecking later", "wait", wait, "retry_at", res.RetryAt)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}

		// mailboxes may have been reactivated or raised meanwhile
		if fresh, err := l.m.deps.Store.Mailboxes(ctx, l.campaign.MailboxIDs); err == nil && len(fresh) > 0 {
			l.mailboxes = fresh
		}
	}
}

// sleep waits for d in steps of at most the recheck interval. Between steps
// it observes the progress cancel flag and refreshes the progress entry, so a
// wait across a night or a weekend neither misses a cancel nor goes stale.
func (l *loop) sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return l.checkCancel(ctx)
		}
		step := min(left, l.m.cfg.RecheckInterval)

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.stop:
			timer.Stop()
			return batch.ErrStopped
		case <-timer.C:
		}

		if err := l.checkCancel(ctx); err != nil {
			return err
		}
		l.heartbeat(ctx)
	}
}

// checkCancel returns batch.ErrStopped once a cancel was requested on the progress entry
func (l *loop) checkCancel(ctx context.Context) error {
	requested, err := l.m.deps.Runner.Store().CancelRequested(ctx, l.progressID)
	if err != nil {
		l.logger.Warn("failed to read cancel flag", "progress_id", l.progressID, "error", err)
		return nil
	}
	if requested {
		l.logger.Info("cancel requested while waiting for send slot")
		return batch.ErrStopped
	}
	return nil
}

// heartbeat keeps a waiting job from being evicted as stale
func (l *loop) heartbeat(ctx context.Context) {
	if err := l.m.deps.Runner.Store().Update(ctx, l.progressID, progress.Update{}); err != nil {
		l.logger.Warn("failed to refresh progress", "progress_id", l.progressID, "error", err)
	}
}

// process sends to one recipient through the reserved mailbox
func (l *loop) process(ctx context.Context, item batch.Item[models.Recipient]) batch.Result {
	mb := l.reserved
	msg := transport.NewMessage(*l.campaign, mb, item.Value)

	sendErr := l.m.deps.Sender.Send(ctx, mb, msg)

	entry := models.SendHistoryEntry{
		CampaignID: l.campaign.ID,
		MailboxID:  mb.ID,
		LeadID:     item.ID,
		SentAt:     l.m.now(),
		Status:     models.SendStatusSent,
	}
	if sendErr != nil {
		entry.Status = models.SendStatusError
		entry.Error = sendErr.Error()
	}
	if err := l.m.deps.History.Append(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Error("failed to record send", "lead_id", item.ID, "error", err)
	}

	metrics.IncSends(string(entry.Status))
	l.update(func(s *Status) {
		if s.Remaining > 0 && sendErr == nil {
			s.Remaining--
		}
	})

	if sendErr != nil {
		l.logger.Warn("send failed", "lead_id", item.ID, "mailbox_id", mb.ID, "error", sendErr)
		return batch.FromError(sendErr)
	}
	return batch.Success(string(models.SendStatusSent))
}

// finish records the terminal state once the batch run is finalized
func (l *loop) finish(status progress.Status, message string, lease *lock.Lease) {
	now := l.m.now()

	l.m.mu.Lock()
	switch status {
	case progress.StatusCompleted:
		l.status.State = StateCompleted
	case progress.StatusCancelled:
		if l.reason != "" {
			l.status.State = l.reason
		} else {
			l.status.State = StateCancelled
		}
	default:
		l.status.State = StateErrored
		l.status.Message = message
	}
	l.status.NextSendAt = nil
	l.status.MailboxID = ""
	l.touch(now)
	state := l.status.State
	close(l.done)
	l.m.mu.Unlock()

	l.cancel()
	if lease != nil {
		if err := lease.Release(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("failed to release campaign lock", "error", err)
		}
	}
	metrics.DecDispatchLoops()

	if state == StateCompleted {
		if err := l.m.deps.Store.MarkCompleted(context.Background(), l.campaign.ID, now); err != nil {
			l.logger.Error("failed to mark campaign completed", "error", err)
		}
	}

	l.logger.Info("campaign dispatch stopped", "state", state, "message", message)
}
