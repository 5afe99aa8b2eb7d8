package scheduler

import "context"

// queue is a bounded FIFO. A slot is taken on push and given back only when
// the worker is done with the task, so capacity covers queued and in-flight work.
type queue struct {
	items chan *Task
	slots chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		items: make(chan *Task, capacity),
		slots: make(chan struct{}, capacity),
	}
}

// TryPush never blocks. It reports false when every slot is taken.
func (q *queue) TryPush(t *Task) bool {
	select {
	case q.slots <- struct{}{}:
	default:
		return false
	}
	// len(items) <= len(slots) <= cap(items), so this send cannot block.
	q.items <- t
	return true
}

// Pop blocks until a task is available or ctx is done.
func (q *queue) Pop(ctx context.Context) (*Task, bool) {
	// A canceled context wins over queued work.
	if ctx.Err() != nil {
		return nil, false
	}
	select {
	case <-ctx.Done():
		return nil, false
	case t := <-q.items:
		return t, true
	}
}

// Drain removes every queued task without blocking. The slots stay taken
// until the caller releases them.
func (q *queue) Drain() []*Task {
	var out []*Task
	for {
		select {
		case t := <-q.items:
			out = append(out, t)
		default:
			return out
		}
	}
}

// Release gives back the slot held by a popped task.
func (q *queue) Release() {
	select {
	case <-q.slots:
	default:
	}
}

func (q *queue) Len() int { return len(q.items) }
func (q *queue) Cap() int { return cap(q.slots) }

func (q *queue) InFlight() int {
	n := len(q.slots) - len(q.items)
	if n < 0 {
		return 0
	}
	return n
}
