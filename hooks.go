package conduit

import (
	"context"
	"sync"
)

// Event subjects published to hooks.
const (
	SubjectRequestCompleted = "conduit.request.completed"
	SubjectRequestFailed    = "conduit.request.failed"
)

// EventHookFunc receives fire-and-forget gateway events.
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// event is one queued hook invocation.
type event struct {
	subject string
	data    map[string]interface{}
}

// hookQueue feeds registered hooks from a single worker goroutine.
// Publish never blocks and never fails the request; the queue is
// unbounded.
type hookQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []event
	fns    []EventHookFunc
	closed bool
	done   chan struct{}
}

func newHookQueue() *hookQueue {
	q := &hookQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *hookQueue) add(fn EventHookFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fns = append(q.fns, fn)
}

func (q *hookQueue) publish(subject string, data map[string]interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, event{subject: subject, data: data})
	q.cond.Signal()
}

func (q *hookQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.events) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.events) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.events
		q.events = nil
		fns := q.fns
		q.mu.Unlock()

		for _, e := range batch {
			for _, fn := range fns {
				fn(context.Background(), e.subject, e.data)
			}
		}
	}
}

// close drains remaining events then stops the worker.
func (q *hookQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}
