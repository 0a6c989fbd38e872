package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/sandbox/internal/model"
)

// DefaultLeaseDuration is how long a claim stays valid without a progress report.
const DefaultLeaseDuration = 10 * time.Minute

var (
	// ErrNotFound is returned when a task is not found.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a status update violates the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLeaseLost is returned when a worker reports on a task that is now
	// claimed by another worker. It wraps ErrInvalidTransition.
	ErrLeaseLost = fmt.Errorf("%w: lease held by another worker", ErrInvalidTransition)

	// ErrAlreadyReported is returned when a terminal report repeats the
	// outcome already stored. Nothing was written; callers treat it as a
	// successful no-op.
	ErrAlreadyReported = errors.New("outcome already reported")
)

// StorageError wraps a failure of the backing store itself (unreachable,
// query failure). Callers treat it as retryable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// TaskStats holds aggregate task counts.
type TaskStats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
}

// Store defines the persistence operations for tasks.
//
// ClaimNextTask is the only operation that selects across rows; it must be a
// single conditional write so that no two callers receive the same task.
// ReportFinished and ReportFailed return ErrAlreadyReported, without
// writing, when the report repeats the stored terminal outcome.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	ClaimNextTask(ctx context.Context, workerID string) (*model.Task, error)
	ReportProgress(ctx context.Context, id, workerID string, current, total uint32) error
	ReportFinished(ctx context.Context, id, workerID string, result []byte) error
	ReportFailed(ctx context.Context, id, workerID, reason string) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasksForOwner(ctx context.Context, owner string) ([]*model.Task, error)
	ReclaimExpired(ctx context.Context, now time.Time) ([]string, error)
	CountTasks(ctx context.Context, state string) (int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	lease time.Duration
	now   func() time.Time
}

func defaultOptions() options {
	return options{
		lease: DefaultLeaseDuration,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithLeaseDuration sets the claim lease. Zero disables lease expiry.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.lease = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// explainRejection maps a task's current status to the error a rejected
// report should return. A repeat of the terminal state already stored gets
// ErrAlreadyReported.
func explainRejection(t *model.Task, workerID string, want model.Status) error {
	switch {
	case model.IsTerminal(t.Status.State):
		if sameOutcome(t.Status, want) {
			return fmt.Errorf("%w: task %s is %s", ErrAlreadyReported, t.ID, t.Status.State)
		}
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status.State)
	case t.Status.State != model.StateInProgress:
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status.State)
	case workerID != "" && t.ClaimedBy != workerID:
		return ErrLeaseLost
	case want.State == model.StateInProgress && want.CurrentStep < t.Status.CurrentStep:
		return fmt.Errorf("%w: step %d is behind %d", ErrInvalidTransition, want.CurrentStep, t.Status.CurrentStep)
	default:
		return fmt.Errorf("%w: task %s rejected update", ErrInvalidTransition, t.ID)
	}
}

// sameOutcome reports whether two terminal statuses carry the same outcome.
// Step counters are ignored; only the state and its payload matter.
func sameOutcome(stored, want model.Status) bool {
	if stored.State != want.State {
		return false
	}
	switch stored.State {
	case model.StateFinished:
		return bytes.Equal(stored.Result, want.Result)
	case model.StateFailed:
		return stored.Reason == want.Reason
	}
	return false
}
