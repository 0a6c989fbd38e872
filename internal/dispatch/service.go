package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/seantiz/sandbox/internal/events"
	"github.com/seantiz/sandbox/internal/model"
	"github.com/seantiz/sandbox/internal/store"
)

// Service implements the task and worker operations on top of a Store. The
// gRPC handlers and the HTTP bridge both call into it.
type Service struct {
	store    store.Store
	broker   *Broker
	events   events.Publisher
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService creates a service. A nil publisher discards events.
func NewService(s store.Store, broker *Broker, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		store:    s,
		broker:   broker,
		events:   pub,
		logger:   logger,
		validate: v,
	}
}

// Broker returns the broker receiving status changes.
func (s *Service) Broker() *Broker {
	return s.broker
}

// CreateTask validates the params, fills defaults and stores a new task.
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	params := req.Params.WithDefaults()
	if err := s.validateParams(params); err != nil {
		return nil, err
	}

	t := model.NewTask(req.Owner, params)
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	tasksCreatedTotal.Inc()
	s.logger.Info("task created", "task_id", t.ID, "owner", t.Owner)
	s.emit(ctx, events.TypeCreated, t.ID, t.Owner, t.Status)
	return &CreateTaskResponse{ID: t.ID}, nil
}

// GenerateImage submits an anonymous task for a bare prompt.
func (s *Service) GenerateImage(ctx context.Context, req *GenerateImageRequest) (*GenerateImageResponse, error) {
	resp, err := s.CreateTask(ctx, &CreateTaskRequest{Params: model.PromptParams(req.Prompt)})
	if err != nil {
		return nil, err
	}
	return &GenerateImageResponse{ID: resp.ID}, nil
}

// GetTask returns the task with the given id.
func (s *Service) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	t, err := s.store.GetTask(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &GetTaskResponse{Task: t}, nil
}

// ListTasks returns the tasks of one owner, newest first.
func (s *Service) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	tasks, err := s.store.ListTasksForOwner(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return &ListTasksResponse{Tasks: tasks}, nil
}

// GetTaskToRun claims the oldest waiting task for the calling worker. The
// response carries no task when the queue is empty.
func (s *Service) GetTaskToRun(ctx context.Context, req *GetTaskToRunRequest) (*GetTaskToRunResponse, error) {
	t, err := s.store.ClaimNextTask(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		emptyPollsTotal.Inc()
		return &GetTaskToRunResponse{}, nil
	}

	tasksClaimedTotal.Inc()
	s.logger.Info("task claimed", "task_id", t.ID, "worker_id", req.WorkerID)
	s.broker.Publish(t.ID, t.Status)
	s.emit(ctx, events.TypeClaimed, t.ID, t.Owner, t.Status)
	return &GetTaskToRunResponse{TaskToRun: &TaskToRun{ID: t.ID, Params: t.Params}}, nil
}

// UpdateTaskStatus applies one status report from a worker.
func (s *Service) UpdateTaskStatus(ctx context.Context, req *UpdateTaskStatusRequest) (*UpdateTaskStatusResponse, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	if req.variants() != 1 {
		return nil, fmt.Errorf("%w: exactly one of in_progress, finished, failed must be set", ErrInvalidArgument)
	}

	var (
		st        model.Status
		eventType string
		err       error
	)
	switch {
	case req.InProgress != nil:
		p := req.InProgress
		st, eventType = model.InProgress(p.CurrentStep, p.TotalSteps), events.TypeProgress
		err = s.store.ReportProgress(ctx, req.ID, req.WorkerID, p.CurrentStep, p.TotalSteps)
	case req.Finished != nil:
		st, eventType = model.Finished(req.Finished.Result), events.TypeFinished
		err = s.store.ReportFinished(ctx, req.ID, req.WorkerID, req.Finished.Result)
	case req.Failed != nil:
		st, eventType = model.Failed(req.Failed.Reason), events.TypeFailed
		err = s.store.ReportFailed(ctx, req.ID, req.WorkerID, req.Failed.Reason)
	}
	if errors.Is(err, store.ErrAlreadyReported) {
		s.logger.Debug("duplicate terminal report ignored", "task_id", req.ID, "worker_id", req.WorkerID, "state", st.State)
		return &UpdateTaskStatusResponse{}, nil
	}
	if err != nil {
		s.logger.Warn("status update rejected",
			"task_id", req.ID,
			"worker_id", req.WorkerID,
			"state", st.State,
			"error", err,
		)
		return nil, err
	}

	if model.IsTerminal(st.State) {
		tasksCompletedTotal.WithLabelValues(st.State).Inc()
		s.logger.Info("task completed", "task_id", req.ID, "worker_id", req.WorkerID, "state", st.State)
	}
	s.broker.Publish(req.ID, st)
	s.emit(ctx, eventType, req.ID, s.ownerOf(ctx, req.ID), st)
	return &UpdateTaskStatusResponse{}, nil
}

// ReclaimExpired returns tasks with expired leases to the queue and reports
// how many were reclaimed.
func (s *Service) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ReclaimExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	for _, id := range ids {
		tasksReclaimedTotal.Inc()
		s.logger.Warn("task lease expired, requeued", "task_id", id)
		st := model.NewStatus()
		s.broker.Publish(id, st)
		s.emit(ctx, events.TypeReclaimed, id, s.ownerOf(ctx, id), st)
	}
	return len(ids), nil
}

// RunReaper calls ReclaimExpired every interval until ctx is cancelled.
// Storage failures are logged and retried on the next tick.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := s.ReclaimExpired(ctx, now.UTC()); err != nil {
				s.logger.Error("reaper failed", "error", err)
			}
		}
	}
}

func (s *Service) validateParams(p model.Params) error {
	if p.ImageGeneration == nil {
		return fmt.Errorf("%w: params.image_generation is required", ErrInvalidArgument)
	}
	if err := s.validate.Struct(p.ImageGeneration); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Field() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, ", ")
}

// ownerOf returns the owner of a task for event payloads. It skips the read
// when events are discarded, and a failed read leaves the owner empty.
func (s *Service) ownerOf(ctx context.Context, id string) string {
	if _, ok := s.events.(events.Nop); ok {
		return ""
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.logger.Warn("look up task owner", "task_id", id, "error", err)
		return ""
	}
	return t.Owner
}

// emit publishes a lifecycle event. Failures are logged only.
func (s *Service) emit(ctx context.Context, typ, taskID, owner string, st model.Status) {
	e := events.Event{
		Type:        typ,
		TaskID:      taskID,
		Owner:       owner,
		State:       st.State,
		CurrentStep: st.CurrentStep,
		TotalSteps:  st.TotalSteps,
		Reason:      st.Reason,
		At:          time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("publish event failed", "type", typ, "task_id", taskID, "error", err)
	}
}
