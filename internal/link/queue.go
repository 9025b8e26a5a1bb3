package link

import (
	"bytes"
	"sync"

	"github.com/juju/errors"
)

const DefaultQueueLimit = 32

var (
	ErrQueueFull    = errors.New("link queue full")
	ErrEmptyMessage = errors.New("link empty message")
	ErrNulInMessage = errors.New("link message contains NUL byte")
)

// Queue is bounded FIFO of whole messages.
// Mutex is held only for push/pop, never during message processing.
type Queue struct {
	mu    sync.Mutex
	limit int
	items [][]byte
}

func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue{limit: limit, items: make([][]byte, 0, limit)}
}

// Push stores copy of b.
func (q *Queue) Push(b []byte) error {
	if len(b) == 0 {
		return ErrEmptyMessage
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return ErrNulInMessage
	}
	own := append([]byte(nil), b...)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, own)
	return nil
}

func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return b, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.mu.Unlock()
}
