package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/model"
)

// DefaultPollInterval is how long the worker sleeps after an empty poll.
const DefaultPollInterval = 10 * time.Second

// Dispatcher is the worker-facing subset of the dispatch client.
type Dispatcher interface {
	GetTaskToRun(ctx context.Context, in *dispatch.GetTaskToRunRequest, opts ...grpc.CallOption) (*dispatch.GetTaskToRunResponse, error)
	UpdateTaskStatus(ctx context.Context, in *dispatch.UpdateTaskStatusRequest, opts ...grpc.CallOption) (*dispatch.UpdateTaskStatusResponse, error)
}

// Model generates the result of a task. Run is synchronous and reports
// progress through sink.
type Model interface {
	Run(ctx context.Context, params model.Params, sink ProgressSink) ([]byte, error)
}

// Config holds worker settings.
type Config struct {
	ID           string
	PollInterval time.Duration
	QueueSize    int

	// BackOff returns the retry policy for one call. Defaults to an
	// exponential backoff capped at two minutes of elapsed time.
	BackOff func() backoff.BackOff
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BackOff == nil {
		c.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		}
	}
	return c
}

// Worker polls for tasks and executes them one at a time.
type Worker struct {
	cfg        Config
	dispatcher Dispatcher
	model      Model
	logger     *slog.Logger
	state      atomic.Int32
}

// New creates a worker. The dispatcher handle is owned by the caller and
// must be safe for concurrent use.
func New(cfg Config, d Dispatcher, m Model, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:        cfg,
		dispatcher: d,
		model:      m,
		logger:     logger.With("worker_id", cfg.ID),
	}
	w.setState(StateIdle)
	return w
}

// ID returns the worker id sent with every claim and report.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// State returns the current loop state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	observeState(s)
}

// Run polls until ctx is cancelled or a poll fails permanently. It returns
// nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval.String())
	defer w.setState(StateIdle)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		task, err := w.poll(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopped")
			return nil
		case err != nil && dispatch.IsPermanent(err):
			w.logger.Error("poll rejected", "error", err)
			return fmt.Errorf("poll for task: %w", err)
		case err != nil:
			w.logger.Warn("poll failed", "error", err)
			w.setState(StateIdle)
			sleep(ctx, w.cfg.PollInterval)
			continue
		case task == nil:
			w.setState(StateIdle)
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.runTask(ctx, task)
		w.setState(StateIdle)
	}
}

// RunOnce polls once and executes the claimed task, if any. It reports
// whether a task was run.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.poll(ctx)
	if err != nil {
		return false, fmt.Errorf("poll for task: %w", err)
	}
	if task == nil {
		return false, nil
	}
	w.runTask(ctx, task)
	w.setState(StateIdle)
	return true, nil
}

func (w *Worker) poll(ctx context.Context) (*dispatch.TaskToRun, error) {
	w.setState(StatePolling)
	var task *dispatch.TaskToRun
	err := w.retry(ctx, "get_task_to_run", func() error {
		resp, err := w.dispatcher.GetTaskToRun(ctx, &dispatch.GetTaskToRunRequest{WorkerID: w.cfg.ID})
		if err != nil {
			return err
		}
		task = resp.TaskToRun
		return nil
	})
	return task, err
}

func (w *Worker) runTask(ctx context.Context, task *dispatch.TaskToRun) {
	logger := w.logger.With("task_id", task.ID)
	logger.Info("task claimed", "prompt", task.Params.Prompt())
	start := time.Now()

	w.setState(StateExecuting)
	reporter := NewReporter(ctx, task.ID, w.cfg.ID, w.send, w.cfg.QueueSize)
	result, runErr := w.model.Run(ctx, task.Params, reporter)

	w.setState(StateReporting)
	reporter.Close()
	if err := reporter.Wait(); err != nil {
		if ctx.Err() != nil {
			logger.Info("task interrupted", "error", ctx.Err())
			return
		}
		logger.Error("task abandoned: progress report rejected", "error", err)
		observeOutcome("abandoned", start)
		return
	}
	if ctx.Err() != nil {
		logger.Info("task interrupted", "error", ctx.Err())
		return
	}

	outcome := model.StateFinished
	req := dispatch.FinishedStatus(task.ID, w.cfg.ID, result)
	if runErr != nil {
		outcome = model.StateFailed
		req = dispatch.FailedStatus(task.ID, w.cfg.ID, runErr.Error())
	}
	err := w.send(ctx, req)
	if err != nil && runErr == nil && resultRejected(err) {
		// The task still belongs to this worker; close it out as failed so
		// it does not sit in_progress until the lease runs out.
		logger.Warn("result rejected, reporting failure", "bytes", len(result), "error", err)
		outcome = model.StateFailed
		runErr = fmt.Errorf("result rejected by dispatcher: %s", status.Convert(err).Message())
		err = w.send(ctx, dispatch.FailedStatus(task.ID, w.cfg.ID, runErr.Error()))
	}
	if err != nil {
		logger.Error("task abandoned: final report rejected", "outcome", outcome, "error", err)
		observeOutcome("abandoned", start)
		return
	}

	if runErr != nil {
		logger.Warn("task failed", "reason", runErr.Error(), "duration", time.Since(start).String())
	} else {
		logger.Info("task finished", "bytes", len(result), "duration", time.Since(start).String())
	}
	observeOutcome(outcome, start)
}

// resultRejected reports whether a finished report failed because of its
// payload rather than the task's state or the worker's credentials.
func resultRejected(err error) bool {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.InvalidArgument:
		return true
	}
	return false
}

// send delivers one status update with retries.
func (w *Worker) send(ctx context.Context, req *dispatch.UpdateTaskStatusRequest) error {
	return w.retry(ctx, "update_task_status", func() error {
		_, err := w.dispatcher.UpdateTaskStatus(ctx, req)
		return err
	})
}

// retry runs op until it succeeds, fails permanently, the backoff policy
// gives up or ctx is done.
func (w *Worker) retry(ctx context.Context, call string, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && dispatch.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		workerRetriesTotal.WithLabelValues(call).Inc()
		w.logger.Warn("dispatcher call failed, retrying", "call", call, "error", err, "backoff", next.String())
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(w.cfg.BackOff(), ctx), notify)
}

func observeOutcome(outcome string, start time.Time) {
	workerTasksTotal.WithLabelValues(outcome).Inc()
	workerTaskDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
