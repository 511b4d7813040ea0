package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/ids"
	"github.com/lalithlochan/smsrelay/internal/queue"
)

// The ready set doubles as the lease table: an entry's score is the unix ms
// at which it becomes visible. Claiming pushes the score out by the
// visibility timeout, acking deletes the entry. A consumer that dies simply
// lets its lease run out.

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local body = redis.call('HGET', KEYS[2], id)
if not body then
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[3], id)
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], id)
local count = redis.call('HINCRBY', KEYS[3], id, 1)
return {id, body, count, ARGV[2]}
`)

// Only the holder of the current lease may ack; a consumer whose lease
// expired and was re-claimed gets 0 back.
var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// ErrLeaseLost means the delivery's visibility timeout ran out before Ack and
// another consumer may now own the job.
var ErrLeaseLost = errors.New("lease lost")

// QueueConfig controls the Redis dispatch queue.
type QueueConfig struct {
	Prefix            string
	VisibilityTimeout time.Duration
	// WaitTime bounds how long Receive polls before returning empty.
	WaitTime     time.Duration
	PollInterval time.Duration
}

// Queue is a queue.Queue on a single Redis instance.
type Queue struct {
	client *Client
	logger *zap.Logger
	cfg    QueueConfig
	now    func() time.Time
	closed atomic.Bool

	readyKey    string
	jobsKey     string
	receivesKey string
}

var _ queue.Queue = (*Queue)(nil)

func NewQueue(client *Client, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "smsrelay:dispatch"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Queue{
		client:      client,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		readyKey:    cfg.Prefix + ":ready",
		jobsKey:     cfg.Prefix + ":jobs",
		receivesKey: cfg.Prefix + ":receives",
	}
}

// Enqueue stores job under a fresh entry id and schedules it delay from now.
func (q *Queue) Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}

	now := q.now()
	job.Stamp(now)
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	entryID := ids.NewULID(now).String()
	visibleAt := now.Add(delay).UnixMilli()

	_, err = q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, entryID, body)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: float64(visibleAt), Member: entryID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("entry_id", entryID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// Receive polls for a visible entry until WaitTime passes or ctx ends.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	deadline := time.Now().Add(q.cfg.WaitTime)
	for {
		if q.closed.Load() {
			return nil, queue.ErrClosed
		}

		d, err := q.claim(ctx)
		if err != nil || d != nil {
			return d, err
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) claim(ctx context.Context) (*queue.Delivery, error) {
	now := q.now()
	leaseUntil := now.Add(q.cfg.VisibilityTimeout).UnixMilli()
	res, err := claimScript.Run(ctx, q.client.rdb,
		[]string{q.readyKey, q.jobsKey, q.receivesKey},
		now.UnixMilli(), leaseUntil,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis claim failed: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("redis claim: unexpected reply length %d", len(res))
	}

	entryID, _ := res[0].(string)
	body, _ := res[1].(string)
	count, _ := res[2].(int64)
	deadline, _ := res[3].(string)

	var job queue.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		// Poison entry: drop it rather than redeliver it forever
		q.logger.Error("dropping undecodable job", zap.String("entry_id", entryID), zap.Error(err))
		_ = q.remove(ctx, entryID)
		return nil, nil
	}

	return &queue.Delivery{
		Job:          &job,
		Receipt:      entryID + "|" + deadline,
		ReceiveCount: int(count),
	}, nil
}

// Ack deletes the delivery's entry if its lease is still held.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	entryID, deadline, ok := strings.Cut(d.Receipt, "|")
	if !ok {
		return fmt.Errorf("malformed receipt %q", d.Receipt)
	}
	if _, err := strconv.ParseInt(deadline, 10, 64); err != nil {
		return fmt.Errorf("malformed receipt %q", d.Receipt)
	}

	n, err := ackScript.Run(ctx, q.client.rdb,
		[]string{q.readyKey, q.jobsKey, q.receivesKey},
		entryID, deadline,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, entryID string) error {
	_, err := q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.readyKey, entryID)
		pipe.HDel(ctx, q.jobsKey, entryID)
		pipe.HDel(ctx, q.receivesKey, entryID)
		return nil
	})
	return err
}

// Depth returns the number of entries not yet acked, leased or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.rdb.ZCard(ctx, q.readyKey).Result()
}

// Close stops further Enqueue and Receive calls. The shared client is closed
// by its owner.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
