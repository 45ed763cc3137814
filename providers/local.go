package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// defaultVisibility is how long a received message stays in flight
// before an unacked delivery goes back on the queue.
const defaultVisibility = 30 * time.Second

// MemoryQueue is an in-process Queue for single-node mode and tests.
// Delivery is at-least-once: a received message stays in flight until
// acked; once its visibility window lapses it is redelivered, so a
// consumer that crashed mid-run picks the work back up.
type MemoryQueue struct {
	mu        sync.Mutex
	pending   []*Message
	inflight  map[string]*Message
	deadlines map[string]time.Time
	next      int

	// Visibility is the redelivery window for unacked messages.
	Visibility time.Duration

	now func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight:   make(map[string]*Message),
		deadlines:  make(map[string]time.Time),
		Visibility: defaultVisibility,
		now:        time.Now,
	}
}

// Send enqueues a message.
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.next++
	id := strconv.Itoa(q.next)
	q.pending = append(q.pending, &Message{
		ID:      id,
		Body:    append([]byte(nil), body...),
		Receipt: id,
	})
	return nil
}

// Receive pops the oldest message, or returns nil when empty. Unacked
// messages whose visibility window has lapsed are requeued first.
func (q *MemoryQueue) Receive(ctx context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.requeueExpired()

	if len(q.pending) == 0 {
		return nil, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight[msg.Receipt] = msg
	q.deadlines[msg.Receipt] = q.now().Add(q.Visibility)
	return msg, nil
}

// Ack removes an in-flight message for good.
func (q *MemoryQueue) Ack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, receipt)
	delete(q.deadlines, receipt)
	return nil
}

// requeueExpired moves lapsed in-flight messages back to the head of
// the queue. Caller holds the lock.
func (q *MemoryQueue) requeueExpired() {
	now := q.now()
	for receipt, deadline := range q.deadlines {
		if now.Before(deadline) {
			continue
		}
		q.pending = append([]*Message{q.inflight[receipt]}, q.pending...)
		delete(q.inflight, receipt)
		delete(q.deadlines, receipt)
	}
}

// Redeliver expires every in-flight message immediately. Tests use it
// instead of waiting out the visibility window.
func (q *MemoryQueue) Redeliver() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for receipt, msg := range q.inflight {
		q.pending = append([]*Message{msg}, q.pending...)
		delete(q.inflight, receipt)
		delete(q.deadlines, receipt)
	}
}

// FileReportStore archives reports to the local filesystem in
// single-node mode.
type FileReportStore struct {
	Dir string
}

// Put writes the report under dir/key and returns its path.
func (s *FileReportStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
