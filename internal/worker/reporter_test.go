package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/seantiz/sandbox/internal/dispatch"
)

type sentLog struct {
	mu   sync.Mutex
	reqs []*dispatch.UpdateTaskStatusRequest
}

func (l *sentLog) add(req *dispatch.UpdateTaskStatusRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
}

func (l *sentLog) steps() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint32
	for _, r := range l.reqs {
		if r.InProgress != nil {
			out = append(out, r.InProgress.CurrentStep)
		}
	}
	return out
}

func TestReporterDeliversInOrder(t *testing.T) {
	var log sentLog
	send := func(_ context.Context, req *dispatch.UpdateTaskStatusRequest) error {
		log.add(req)
		return nil
	}

	r := NewReporter(context.Background(), "t1", "w1", send, 64)
	for i := uint32(1); i <= 20; i++ {
		r.Step(i, 20)
	}
	r.Close()
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got := log.steps()
	if len(got) != 20 {
		t.Fatalf("sent %d updates, want 20", len(got))
	}
	for i, step := range got {
		if step != uint32(i+1) {
			t.Fatalf("update %d has step %d, want %d", i, step, i+1)
		}
	}
	if log.reqs[0].ID != "t1" || log.reqs[0].WorkerID != "w1" {
		t.Errorf("request = %+v, want task t1 from w1", log.reqs[0])
	}
}

func TestReporterCoalescesWhenFull(t *testing.T) {
	var log sentLog
	release := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once
	send := func(_ context.Context, req *dispatch.UpdateTaskStatusRequest) error {
		once.Do(func() {
			close(first)
			<-release
		})
		log.add(req)
		return nil
	}

	coalescedBefore := testutil.ToFloat64(progressCoalescedTotal)
	r := NewReporter(context.Background(), "t1", "w1", send, 4)
	r.Step(1, 100)
	<-first

	// The drain is blocked on step 1; the queue holds at most 4 entries.
	for i := uint32(2); i <= 100; i++ {
		r.Step(i, 100)
	}
	close(release)
	r.Close()
	if err := r.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got := log.steps()
	want := []uint32{1, 2, 3, 4, 100}
	if len(got) != len(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("steps = %v, want %v", got, want)
		}
	}
	// Steps 2-5 fill the queue; 6-100 each replace the tail.
	if n := testutil.ToFloat64(progressCoalescedTotal) - coalescedBefore; n != 95 {
		t.Errorf("coalesced = %v, want 95", n)
	}
}

func TestReporterStopsOnError(t *testing.T) {
	rejected := status.Error(codes.FailedPrecondition, "task is finished")
	calls := 0
	send := func(context.Context, *dispatch.UpdateTaskStatusRequest) error {
		calls++
		return rejected
	}

	r := NewReporter(context.Background(), "t1", "w1", send, 8)
	r.Step(1, 3)
	r.Step(2, 3)
	r.Step(3, 3)
	r.Close()

	if err := r.Wait(); !errors.Is(err, rejected) {
		t.Errorf("Wait = %v, want %v", err, rejected)
	}
	if calls != 1 {
		t.Errorf("send called %d times, want 1", calls)
	}
}

func TestReporterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReporter(ctx, "t1", "w1", func(context.Context, *dispatch.UpdateTaskStatusRequest) error {
		return nil
	}, 8)
	cancel()

	if err := r.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}
