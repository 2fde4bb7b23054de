package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
)

// Redis coordinates ready, in-flight, scheduled and dead-letter stages
// in Redis. Message payloads live under their own keys; the stages hold
// message IDs, except the DLQ which keeps whole payloads so a drained
// broker still explains what it dropped.
type Redis struct {
	client       *redis.Client
	readyKey     string
	inflightKey  string
	scheduledKey string
	msgPrefix    string
	dlqKey       string
	visibility   time.Duration
	maxSize      int
}

// NewRedis builds a broker adapter from config.
func NewRedis(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ns := cfg.Queue.Namespace
	if ns == "" {
		ns = "jobs"
	}
	return &Redis{
		client:       client,
		readyKey:     ns + ":ready",
		inflightKey:  ns + ":inflight",
		scheduledKey: ns + ":scheduled",
		msgPrefix:    ns + ":msg:",
		dlqKey:       ns + ":dlq",
		visibility:   cfg.Queue.VisibilityTimeout,
		maxSize:      cfg.Queue.MaxMessageSize,
	}
}

func (q *Redis) msgKey(messageID string) string {
	return q.msgPrefix + messageID
}

// Enqueue validates and publishes one encoded envelope to the ready
// queue. Size and envelope violations are terminal; transport failures
// are retryable.
func (q *Redis) Enqueue(ctx context.Context, payload []byte) (models.EnqueueResult, error) {
	if q.maxSize > 0 && len(payload) > q.maxSize {
		return models.EnqueueResult{}, &MessageTooLargeError{Size: len(payload), Limit: q.maxSize}
	}
	msg, err := models.DecodeMessage(payload)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		return models.EnqueueResult{}, &InvalidMessageError{Reason: err}
	}

	messageID := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(messageID), payload, 0)
	pipe.RPush(ctx, q.readyKey, messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.EnqueueResult{}, &QueueUnavailableError{Op: "enqueue", Err: err}
	}
	return models.EnqueueResult{MessageID: messageID, VisibleAt: time.Now().UTC()}, nil
}

// Dequeue pops the next ready message and leases it until the
// visibility timeout. Returns nil when the ready queue is empty.
func (q *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		deadline, q.msgPrefix,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &QueueUnavailableError{Op: "dequeue", Err: err}
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, &QueueUnavailableError{Op: "dequeue", Err: fmt.Errorf("unexpected script reply %T", res)}
	}
	messageID, _ := pair[0].(string)
	payload, _ := pair[1].(string)
	if messageID == "" {
		return nil, &QueueUnavailableError{Op: "dequeue", Err: fmt.Errorf("script returned empty message id")}
	}
	return &Delivery{MessageID: messageID, Payload: []byte(payload)}, nil
}

// Ack retires a leased message and drops its payload.
func (q *Redis) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return &QueueUnavailableError{Op: "ack", Err: err}
	}
	return nil
}

// Nack releases a leased message into the scheduled stage so it comes
// back after the visibility timeout rather than immediately.
func (q *Redis) Nack(ctx context.Context, messageID string) error {
	visibleAt := time.Now().Add(q.visibility).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, messageID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(visibleAt), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return &QueueUnavailableError{Op: "nack", Err: err}
	}
	return nil
}

// DeadLetter retires a leased message into the DLQ with its raw payload.
func (q *Redis) DeadLetter(ctx context.Context, messageID string, payload []byte) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, payload)
	pipe.ZRem(ctx, q.inflightKey, messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return &QueueUnavailableError{Op: "dead_letter", Err: err}
	}
	return nil
}

// PromoteScheduled moves due scheduled messages back to ready. Returns
// how many were promoted.
func (q *Redis) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, &QueueUnavailableError{Op: "promote_scheduled", Err: err}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, &QueueUnavailableError{Op: "promote_scheduled", Err: err}
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose visibility deadline passed and
// re-enqueues them for another consumer.
func (q *Redis) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, &QueueUnavailableError{Op: "requeue_expired", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &QueueUnavailableError{Op: "requeue_expired", Err: err}
	}
	return ids, nil
}

// Depth reports per-stage message counts.
func (q *Redis) Depth(ctx context.Context) (Depths, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	dlq := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depths{}, &QueueUnavailableError{Op: "depth", Err: err}
	}
	return Depths{
		Ready:      ready.Val(),
		InFlight:   inflight.Val(),
		Scheduled:  scheduled.Val(),
		DeadLetter: dlq.Val(),
	}, nil
}

// DLQPeek reads the oldest dead-lettered payloads without consuming.
func (q *Redis) DLQPeek(ctx context.Context, count int64) ([][]byte, error) {
	vals, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, &QueueUnavailableError{Op: "dlq_peek", Err: err}
	}
	payloads := make([][]byte, len(vals))
	for i, v := range vals {
		payloads[i] = []byte(v)
	}
	return payloads, nil
}

// Ping verifies the broker is reachable.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (q *Redis) Close() error {
	return q.client.Close()
}

// dequeueScript atomically pops a ready message ID, leases it in the
// in-flight set, and loads its payload. An ID whose payload vanished is
// dropped rather than delivered empty.
var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local payload = redis.call('GET', ARGV[2] .. id)
if not payload then
  redis.call('ZREM', KEYS[2], id)
  return nil
end
return {id, payload}
`)
