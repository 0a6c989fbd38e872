package dispatch

import (
	"sync"

	"github.com/seantiz/sandbox/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans out task status changes to in-process subscribers, such as
// the HTTP event stream. It is safe for concurrent use.
//
// A topic exists only while it has subscribers. Subscribers that miss the
// terminal update (a dropped send, or a task that finished before they
// subscribed) re-read the task from the store when their channel closes.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*statusTopic
}

type statusTopic struct {
	subs   map[int]chan model.Status
	nextID int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*statusTopic)}
}

// Subscribe returns a channel receiving status changes of taskID and an
// unsubscribe function. The channel is closed when the task reaches a
// terminal state.
func (b *Broker) Subscribe(taskID string) (<-chan model.Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan model.Status)}
		b.topics[taskID] = t
	}

	id := t.nextID
	t.nextID++
	ch := make(chan model.Status, subscriberBufferSize)
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends st to every subscriber of taskID. Terminal statuses close the
// topic after delivery.
func (b *Broker) Publish(taskID string, st model.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- st:
		default:
			// Drop the update for slow subscribers.
		}
	}

	if model.IsTerminal(st.State) {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, taskID)
	}
}

// Subscribers returns the number of live subscribers of taskID.
func (b *Broker) Subscribers(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[taskID]; ok {
		return len(t.subs)
	}
	return 0
}
