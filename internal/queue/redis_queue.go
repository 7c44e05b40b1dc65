package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"document-pipeline/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
// Task bookkeeping lives in a hash per task so its status can be queried by id.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskPrefix     string
	visibilityTTL  time.Duration
	resultTTL      time.Duration
	dlqKey         string
	maxAttempts    int
	now            func() time.Time
}

// NewRedisQueue builds a queue on client using the queue settings from cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	resultTTL := cfg.ResultTTL
	if resultTTL == 0 {
		resultTTL = time.Hour
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		taskPrefix:     "queue:task:",
		visibilityTTL:  visibility,
		resultTTL:      resultTTL,
		dlqKey:         dlq,
		maxAttempts:    maxAttempts,
		now:            time.Now,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) taskKey(id string) string {
	return q.taskPrefix + id
}

func (q *RedisQueue) priorityOf(ctx context.Context, id string) string {
	priority, err := q.client.HGet(ctx, q.taskKey(id), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

// Enqueue records a new task and places it on the ready queue (or the scheduled
// set when RunAt is in the future). It returns the task id.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	if opts.Priority == "" {
		opts.Priority = "default"
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = q.maxAttempts
	}
	id := opts.TaskID
	if id == "" {
		id = uuid.New().String()
	}
	now := q.now().UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(id), map[string]any{
		"name":         name,
		"payload":      string(raw),
		"priority":     opts.Priority,
		"status":       string(StatusPending),
		"attempts":     0,
		"max_attempts": opts.MaxAttempts,
		"enqueued_at":  now.Format(time.RFC3339Nano),
		"updated_at":   now.Format(time.RFC3339Nano),
	})
	if opts.RunAt.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(opts.RunAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey(opts.Priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return id, nil
}

// Get loads a task's bookkeeping.
func (q *RedisQueue) Get(ctx context.Context, id string) (Task, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Task{}, ErrTaskNotFound
	}
	task := Task{
		ID:        id,
		Name:      fields["name"],
		Payload:   json.RawMessage(fields["payload"]),
		Priority:  fields["priority"],
		Status:    Status(fields["status"]),
		LastError: fields["last_error"],
	}
	task.Attempts, _ = strconv.Atoi(fields["attempts"])
	task.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	task.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return task, nil
}

// Status reports a task's queue status. Unknown ids report pending: a task whose
// bookkeeping was lost is indistinguishable from one that never started.
func (q *RedisQueue) Status(ctx context.Context, id string) (Status, error) {
	status, err := q.client.HGet(ctx, q.taskKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("task status %s: %w", id, err)
	}
	return Status(status), nil
}

func (q *RedisQueue) setStatus(ctx context.Context, pipe redis.Pipeliner, id string, status Status, lastErr string) {
	fields := map[string]any{
		"status":     string(status),
		"updated_at": q.now().UTC().Format(time.RFC3339Nano),
	}
	if lastErr != "" {
		fields["last_error"] = lastErr
	}
	pipe.HSet(ctx, q.taskKey(id), fields)
	if status.Terminal() {
		pipe.Expire(ctx, q.taskKey(id), q.resultTTL)
	}
}

// MarkStarted flags a leased task as running and counts the attempt.
func (q *RedisQueue) MarkStarted(ctx context.Context, id string) (int, error) {
	pipe := q.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, q.taskKey(id), "attempts", 1)
	q.setStatus(ctx, pipe, id, StatusStarted, "")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// Complete acknowledges a task and records success.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	q.setStatus(ctx, pipe, id, StatusSuccess, "")
	_, err := pipe.Exec(ctx)
	return err
}

// Retry acknowledges the current delivery and schedules the task to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, id string, runAt time.Time, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	q.setStatus(ctx, pipe, id, StatusRetry, errString(cause))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail acknowledges the task, records failure and pushes it to the dead-letter queue.
func (q *RedisQueue) Fail(ctx context.Context, id string, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.RPush(ctx, q.dlqKey, id)
	q.setStatus(ctx, pipe, id, StatusFailure, errString(cause))
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a task from ready queues (priority order) and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them with status retry.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
		q.setStatus(ctx, pipe, id, StatusRetry, "lease expired")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Revoke removes a task from ready, scheduled, and in-flight sets and marks it revoked.
func (q *RedisQueue) Revoke(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	q.setStatus(ctx, pipe, id, StatusRevoked, "revoked")
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the latest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
