package leadsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// TaskQueue buffers persistence submissions between the synchronous merge
// pass and the background workers. Backends must deliver tasks in FIFO order
// per queue and tolerate concurrent producers and consumers.
type TaskQueue interface {
	TryEnqueue(task PersistTask) bool
	Enqueue(ctx context.Context, task PersistTask) bool
	Dequeue(ctx context.Context) (PersistTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryTaskQueue struct {
	ch chan PersistTask
}

func NewInMemoryTaskQueue(capacity int) TaskQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryTaskQueue{ch: make(chan PersistTask, capacity)}
}

func (q *inMemoryTaskQueue) TryEnqueue(task PersistTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

func (q *inMemoryTaskQueue) Enqueue(ctx context.Context, task PersistTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryTaskQueue) Dequeue(ctx context.Context) (PersistTask, bool) {
	if q == nil {
		return PersistTask{}, false
	}
	select {
	case task := <-q.ch:
		return task, true
	case <-ctx.Done():
		return PersistTask{}, false
	}
}

func (q *inMemoryTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryTaskQueue) Close() error {
	return nil
}

// BuildTaskQueueFromDSN selects a queue backend by DSN scheme. An empty DSN
// yields the in-memory queue.
func BuildTaskQueueFromDSN(dsn string, capacity int) (TaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryTaskQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileTaskQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryTaskQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresTaskQueue(dsn, capacity)
	case "redis", "rediss":
		return NewRedisTaskQueue(dsn, capacity)
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: task queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported task queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
