package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTimeout = errors.New("queue timeout")

const (
	JobDomainReconcile = "domain_reconcile"
)

// Job identifies work on one record. Two jobs with the same type and record
// are the same queue member, so a record is never queued twice.
type Job struct {
	Type       string    `json:"type"`
	RecordID   string    `json:"record_id"`
	EnqueuedAt time.Time `json:"-"`
}

type RedisQueue struct {
	client    *redis.Client
	queueName string
}

func NewRedisQueue(client *redis.Client, queueName string) *RedisQueue {
	if queueName == "" {
		queueName = "certiroute:jobs"
	}
	return &RedisQueue{
		client:    client,
		queueName: queueName,
	}
}

// Push adds job scored by enqueue time, oldest first. It reports false when
// the job was already waiting.
func (q *RedisQueue) Push(ctx context.Context, job *Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	added, err := q.client.ZAddNX(ctx, q.queueName, redis.Z{
		Score:  float64(job.EnqueuedAt.UnixMilli()),
		Member: data,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to push job: %w", err)
	}

	return added == 1, nil
}

// Pop blocks up to timeout for the oldest job.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BZPopMin(ctx, timeout, q.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	member, ok := result.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member type %T", result.Member)
	}

	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.EnqueuedAt = time.UnixMilli(int64(result.Score))

	return &job, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueName).Result()
}
