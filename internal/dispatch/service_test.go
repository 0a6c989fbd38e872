package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/sandbox/internal/events"
	"github.com/seantiz/sandbox/internal/model"
	"github.com/seantiz/sandbox/internal/store"
)

// recorder is an events.Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) Close() error { return nil }

func (r *recorder) owners() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.events))
	for _, e := range r.events {
		out[e.Type] = e.Owner
	}
	return out
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTestService(t *testing.T, opts ...store.Option) (*Service, store.Store, *recorder) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rec := &recorder{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewService(s, NewBroker(), rec, logger), s, rec
}

func TestCreateTaskAppliesDefaults(t *testing.T) {
	svc, st, rec := newTestService(t)
	ctx := context.Background()

	resp, err := svc.CreateTask(ctx, &CreateTaskRequest{
		Params: model.PromptParams("a cat"),
		Owner:  "alice",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := st.GetTask(ctx, resp.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Owner != "alice" || got.Prompt != "a cat" {
		t.Errorf("task = %q/%q, want alice/a cat", got.Owner, got.Prompt)
	}
	if got.Params.ImageGeneration.Iterations != model.DefaultIterations {
		t.Errorf("Iterations = %d, want %d", got.Params.ImageGeneration.Iterations, model.DefaultIterations)
	}
	if types := rec.types(); len(types) != 1 || types[0] != events.TypeCreated {
		t.Errorf("events = %v, want [task.created]", types)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params model.Params
		field  string
	}{
		{"missing variant", model.Params{}, "image_generation"},
		{"empty prompt", model.PromptParams(""), "prompt"},
		{"long prompt", model.PromptParams(strings.Repeat("x", 2001)), "prompt"},
		{"too many iterations", model.Params{ImageGeneration: &model.ImageGenerationParams{Prompt: "x", Iterations: 501}}, "iterations"},
		{"too many images", model.Params{ImageGeneration: &model.ImageGenerationParams{Prompt: "x", NumberOfImages: 17}}, "number_of_images"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTask(ctx, &CreateTaskRequest{Params: tt.params})
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("CreateTask error = %v, want ErrInvalidArgument", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err, tt.field)
			}
		})
	}
}

func TestGenerateImageIsAnonymous(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.GenerateImage(ctx, &GenerateImageRequest{Prompt: "sunset over mountains"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	got, err := svc.GetTask(ctx, &GetTaskRequest{ID: resp.ID})
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Task.Owner != "" {
		t.Errorf("Owner = %q, want anonymous", got.Task.Owner)
	}
	if got.Task.Status.State != model.StateNew {
		t.Errorf("State = %q, want new", got.Task.Status.State)
	}
}

func TestGetTaskErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetTask(ctx, &GetTaskRequest{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("GetTask(empty) = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.GetTask(ctx, &GetTaskRequest{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestListTasks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ListTasks(ctx, &ListTasksRequest{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ListTasks(no owner) = %v, want ErrInvalidArgument", err)
	}

	resp, err := svc.ListTasks(ctx, &ListTasksRequest{Owner: "nobody"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if resp.Tasks == nil || len(resp.Tasks) != 0 {
		t.Errorf("Tasks = %v, want empty non-nil slice", resp.Tasks)
	}

	for _, p := range []string{"one", "two"} {
		if _, err := svc.CreateTask(ctx, &CreateTaskRequest{Params: model.PromptParams(p), Owner: "alice"}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	resp, err = svc.ListTasks(ctx, &ListTasksRequest{Owner: "alice"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Errorf("len(Tasks) = %d, want 2", len(resp.Tasks))
	}
}

func TestWorkerFlowPublishesStatus(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	created, err := svc.GenerateImage(ctx, &GenerateImageRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	updates, unsub := svc.Broker().Subscribe(created.ID)
	defer unsub()

	run, err := svc.GetTaskToRun(ctx, &GetTaskToRunRequest{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	if run.TaskToRun == nil || run.TaskToRun.ID != created.ID {
		t.Fatalf("TaskToRun = %+v, want %s", run.TaskToRun, created.ID)
	}
	if run.TaskToRun.Params.Prompt() != "a cat" {
		t.Errorf("Prompt = %q, want a cat", run.TaskToRun.Params.Prompt())
	}

	if _, err := svc.UpdateTaskStatus(ctx, ProgressStatus(created.ID, "w1", 1, 20)); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := svc.UpdateTaskStatus(ctx, FinishedStatus(created.ID, "w1", []byte("png"))); err != nil {
		t.Fatalf("finished: %v", err)
	}

	var states []string
	for st := range updates {
		states = append(states, st.State)
	}
	want := []string{model.StateInProgress, model.StateInProgress, model.StateFinished}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Errorf("broker states = %v, want %v", states, want)
	}

	wantEvents := []string{events.TypeCreated, events.TypeClaimed, events.TypeProgress, events.TypeFinished}
	if got := rec.types(); strings.Join(got, ",") != strings.Join(wantEvents, ",") {
		t.Errorf("events = %v, want %v", got, wantEvents)
	}

	empty, err := svc.GetTaskToRun(ctx, &GetTaskToRunRequest{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	if empty.TaskToRun != nil {
		t.Errorf("TaskToRun = %+v, want none", empty.TaskToRun)
	}
}

func TestRepeatedTerminalReportHasNoSideEffects(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	created, err := svc.GenerateImage(ctx, &GenerateImageRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if _, err := svc.GetTaskToRun(ctx, &GetTaskToRunRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	finished := FinishedStatus(created.ID, "w1", []byte("png"))
	if _, err := svc.UpdateTaskStatus(ctx, finished); err != nil {
		t.Fatalf("finished: %v", err)
	}

	completed := testutil.ToFloat64(tasksCompletedTotal.WithLabelValues(model.StateFinished))
	emitted := len(rec.types())
	updates, unsub := svc.Broker().Subscribe(created.ID)
	defer unsub()

	if _, err := svc.UpdateTaskStatus(ctx, finished); err != nil {
		t.Fatalf("repeated finished = %v, want nil", err)
	}

	if got := testutil.ToFloat64(tasksCompletedTotal.WithLabelValues(model.StateFinished)); got != completed {
		t.Errorf("completed counter = %v after repeat, want %v", got, completed)
	}
	if got := len(rec.types()); got != emitted {
		t.Errorf("events = %v, want no event for the repeat", rec.types()[emitted:])
	}
	select {
	case st, ok := <-updates:
		t.Errorf("broker delivered %+v (open=%v) for the repeat", st, ok)
	default:
	}

	// A conflicting outcome is still rejected.
	if _, err := svc.UpdateTaskStatus(ctx, FailedStatus(created.ID, "w1", "late")); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("failed after finished = %v, want ErrInvalidTransition", err)
	}
}

func TestEventsCarryOwner(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, _, rec := newTestService(t,
		store.WithLeaseDuration(time.Minute),
		store.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	first, err := svc.CreateTask(ctx, &CreateTaskRequest{Params: model.PromptParams("a cat"), Owner: "alice"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := svc.GetTaskToRun(ctx, &GetTaskToRunRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	if _, err := svc.UpdateTaskStatus(ctx, ProgressStatus(first.ID, "w1", 1, 20)); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := svc.UpdateTaskStatus(ctx, FinishedStatus(first.ID, "w1", []byte("png"))); err != nil {
		t.Fatalf("finished: %v", err)
	}

	second, err := svc.CreateTask(ctx, &CreateTaskRequest{Params: model.PromptParams("a dog"), Owner: "alice"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := svc.GetTaskToRun(ctx, &GetTaskToRunRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	if _, err := svc.UpdateTaskStatus(ctx, FailedStatus(second.ID, "w1", "out of memory")); err != nil {
		t.Fatalf("failed: %v", err)
	}

	third, err := svc.CreateTask(ctx, &CreateTaskRequest{Params: model.PromptParams("a fox"), Owner: "alice"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := svc.GetTaskToRun(ctx, &GetTaskToRunRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}
	if n, err := svc.ReclaimExpired(ctx, now.Add(2*time.Minute)); err != nil || n != 1 {
		t.Fatalf("ReclaimExpired = %d, %v; want 1 (%s)", n, err, third.ID)
	}

	owners := rec.owners()
	for _, typ := range []string{
		events.TypeCreated, events.TypeClaimed, events.TypeProgress,
		events.TypeFinished, events.TypeFailed, events.TypeReclaimed,
	} {
		owner, ok := owners[typ]
		if !ok {
			t.Errorf("no %s event", typ)
			continue
		}
		if owner != "alice" {
			t.Errorf("%s event owner = %q, want alice", typ, owner)
		}
	}
}

func TestUpdateTaskStatusRequiresOneVariant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	none := &UpdateTaskStatusRequest{ID: "x"}
	if _, err := svc.UpdateTaskStatus(ctx, none); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("no variant = %v, want ErrInvalidArgument", err)
	}

	two := FinishedStatus("x", "w1", nil)
	two.Failed = &FailedUpdate{Reason: "boom"}
	if _, err := svc.UpdateTaskStatus(ctx, two); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("two variants = %v, want ErrInvalidArgument", err)
	}

	if _, err := svc.UpdateTaskStatus(ctx, ProgressStatus("", "w1", 1, 2)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("missing id = %v, want ErrInvalidArgument", err)
	}
}

func TestPublishFailureDoesNotFailCall(t *testing.T) {
	svc, _, rec := newTestService(t)
	rec.err = errors.New("bus down")

	if _, err := svc.GenerateImage(context.Background(), &GenerateImageRequest{Prompt: "a cat"}); err != nil {
		t.Errorf("GenerateImage with failing publisher = %v, want nil", err)
	}
}

func TestReclaimExpiredRequeues(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, st, rec := newTestService(t,
		store.WithLeaseDuration(time.Minute),
		store.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	created, err := svc.GenerateImage(ctx, &GenerateImageRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if _, err := svc.GetTaskToRun(ctx, &GetTaskToRunRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("GetTaskToRun: %v", err)
	}

	n, err := svc.ReclaimExpired(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed %d, want 1", n)
	}

	got, err := st.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status.State != model.StateNew {
		t.Errorf("State = %q, want new", got.Status.State)
	}
	types := rec.types()
	if types[len(types)-1] != events.TypeReclaimed {
		t.Errorf("last event = %q, want %q", types[len(types)-1], events.TypeReclaimed)
	}

	_, err = svc.UpdateTaskStatus(ctx, ProgressStatus(created.ID, "w1", 1, 20))
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("report after reclaim = %v, want ErrInvalidTransition", err)
	}
}
