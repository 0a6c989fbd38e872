package worker

import (
	"context"
	"sync"

	"github.com/seantiz/sandbox/internal/dispatch"
)

// DefaultQueueSize is the default capacity of the progress queue.
const DefaultQueueSize = 256

// ProgressSink receives progress from a running model. Step must not block.
type ProgressSink interface {
	Step(current, total uint32)
}

// Progress is one progress observation.
type Progress struct {
	Current uint32
	Total   uint32
}

// sendFunc delivers one status update, retrying transient failures. It
// returns an error only when the update cannot be delivered.
type sendFunc func(ctx context.Context, req *dispatch.UpdateTaskStatusRequest) error

// Reporter forwards progress to the dispatcher from a single goroutine, so
// updates arrive in the order the model produced them.
//
// The queue is bounded. When it is full the newest update replaces the last
// queued one, which keeps steps non-decreasing while the model never waits
// on the network.
type Reporter struct {
	taskID   string
	workerID string
	send     sendFunc
	size     int

	mu     sync.Mutex
	queue  []Progress
	closed bool
	failed bool
	err    error

	wake chan struct{}
	done chan struct{}
}

// NewReporter starts the drain goroutine. It stops when Close has been called
// and the queue is empty, when ctx is cancelled, or after the first failed send.
func NewReporter(ctx context.Context, taskID, workerID string, send sendFunc, size int) *Reporter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	r := &Reporter{
		taskID:   taskID,
		workerID: workerID,
		send:     send,
		size:     size,
		queue:    make([]Progress, 0, size),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go r.drain(ctx)
	return r
}

// Step enqueues a progress update without blocking.
func (r *Reporter) Step(current, total uint32) {
	r.mu.Lock()
	if r.closed || r.failed {
		r.mu.Unlock()
		return
	}
	p := Progress{Current: current, Total: total}
	if len(r.queue) == r.size {
		r.queue[len(r.queue)-1] = p
		progressCoalescedTotal.Inc()
	} else {
		r.queue = append(r.queue, p)
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close marks the end of progress. Queued updates are still delivered.
func (r *Reporter) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the drain goroutine exits and returns the error that
// stopped it, if any.
func (r *Reporter) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reporter) drain(ctx context.Context) {
	defer close(r.done)

	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			p := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()

			req := dispatch.ProgressStatus(r.taskID, r.workerID, p.Current, p.Total)
			if err := r.send(ctx, req); err != nil {
				r.mu.Lock()
				r.failed = true
				r.err = err
				r.queue = nil
				r.mu.Unlock()
				return
			}
			continue
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-ctx.Done():
			r.mu.Lock()
			if r.err == nil {
				r.err = ctx.Err()
			}
			r.mu.Unlock()
			return
		}
	}
}
