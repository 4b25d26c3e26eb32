package session

import (
	"context"
	"sync"
)

// job is one unit of work on a session's executor: a control operation
// (res non-nil) or a signaling callback.
type job struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) error
	res  chan error
}

func (j *job) finish(err error) {
	if j.res != nil {
		j.res <- err
	}
}

// mailbox is an unbounded FIFO so the signal pump never blocks on a busy
// session. Once closed it refuses new jobs.
type mailbox struct {
	mu     sync.Mutex
	items  []*job
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(j *job) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, j)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []*job {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// close refuses further jobs and returns the ones still queued.
func (m *mailbox) close() []*job {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	items := m.items
	m.items = nil
	return items
}
