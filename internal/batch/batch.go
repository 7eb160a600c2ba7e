package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/pacer/internal/progress"
)

// ErrStopped is returned by a Gate to stop the run as cancelled
var ErrStopped = errors.New("batch stopped")

// Outcome is the result class of a processed item
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkip    Outcome = "skip"
	OutcomeFail    Outcome = "fail"
	OutcomeRetry   Outcome = "retry"
)

// Result is returned by a ProcessFunc for each item
type Result struct {
	Outcome Outcome
	// Category groups results in the job summary, e.g. a detected specialization
	Category string
	// Detail is the error message or skip reason
	Detail string
}

// Success marks the item as succeeded
func Success(category string) Result {
	return Result{Outcome: OutcomeSuccess, Category: category}
}

// Skip marks the item as skipped with a reason
func Skip(reason string) Result {
	return Result{Outcome: OutcomeSkip, Category: "skipped", Detail: reason}
}

// Fail marks the item as permanently failed
func Fail(err error) Result {
	return Result{Outcome: OutcomeFail, Category: "failed", Detail: errorText(err)}
}

// Retry parks the item for one more attempt after the first pass
func Retry(err error) Result {
	return Result{Outcome: OutcomeRetry, Category: "failed", Detail: errorText(err)}
}

// FromError maps an error to Fail or Retry depending on whether it is temporary
func FromError(err error) Result {
	var t interface{ IsTemporary() bool }
	if errors.As(err, &t) && t.IsTemporary() {
		return Retry(err)
	}
	return Fail(err)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Item is a unit of work
type Item[T any] struct {
	ID    string
	Label string
	Value T
}

// ProcessFunc handles a single item
type ProcessFunc[T any] func(ctx context.Context, item Item[T]) Result

// GateFunc is called before every processing attempt and may block.
// Returning ErrStopped ends the run as cancelled; any other error ends it as failed.
type GateFunc[T any] func(ctx context.Context, item Item[T]) error

// Job describes a batch run
type Job[T any] struct {
	// ID is the progress id; generated when empty
	ID      string
	Kind    string
	Items   []Item[T]
	Process ProcessFunc[T]
	Gate    GateFunc[T]
	// OnDone is called once with the terminal status after the job is finalized
	OnDone func(status progress.Status, message string)
}

func (j *Job[T]) validate() error {
	if j.Kind == "" {
		return fmt.Errorf("batch kind is required")
	}
	if j.Process == nil {
		return fmt.Errorf("batch %s: process function is required", j.Kind)
	}
	return nil
}
