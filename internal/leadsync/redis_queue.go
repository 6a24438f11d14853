package leadsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisTaskQueueKey     = "leadsync:persist_queue"
	redisOperationTimeout = 5 * time.Second
	redisBlockInterval    = 250 * time.Millisecond
)

// redisTaskQueue keeps pending tasks in a Redis list so multiple service
// instances can share one submission backlog.
type redisTaskQueue struct {
	client   *redis.Client
	key      string
	capacity int
}

func NewRedisTaskQueue(dsn string, capacity int) (TaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &redisTaskQueue{
		client:   redis.NewClient(opts),
		key:      redisTaskQueueKey,
		capacity: capacity,
	}, nil
}

func (q *redisTaskQueue) TryEnqueue(task PersistTask) bool {
	if q == nil || strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()

	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil || int(depth) >= q.capacity {
		return false
	}
	return q.client.RPush(ctx, q.key, payload).Err() == nil
}

func (q *redisTaskQueue) Enqueue(ctx context.Context, task PersistTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(redisBlockInterval):
		}
	}
}

func (q *redisTaskQueue) Dequeue(ctx context.Context) (PersistTask, bool) {
	for {
		values, err := q.client.BLPop(ctx, redisBlockInterval, q.key).Result()
		if err == nil && len(values) == 2 {
			var task PersistTask
			if unmarshalErr := json.Unmarshal([]byte(values[1]), &task); unmarshalErr == nil {
				return task, true
			}
			continue
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return PersistTask{}, false
			case <-time.After(redisBlockInterval):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return PersistTask{}, false
		default:
		}
	}
}

func (q *redisTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *redisTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *redisTaskQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
