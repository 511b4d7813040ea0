package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed ingestion result is replayed for
	// a repeated Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while the first request is in flight.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is still in
// flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in use")

// IngestResult is the cached response of an accepted ingestion request.
type IngestResult struct {
	EventID         string `json:"event_id"`
	TriggersMatched int    `json:"triggers_matched"`
	StatusCode      int    `json:"status_code"`
	CreatedAt       int64  `json:"created_at"`
}

// IdempotencyService deduplicates ingestion requests per tenant and key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(tenantID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, idempotencyKey)
}

// Check returns the cached result for key, (nil, nil) if there is none, or
// ErrDuplicateRequest while the first request holds the lock.
func (s *IdempotencyService) Check(ctx context.Context, tenantID, idempotencyKey string) (*IngestResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(tenantID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IngestResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", result.EventID),
	)
	return &result, nil
}

// Reserve takes the in-flight lock with SET NX. It returns false if the key
// is already held or completed.
func (s *IdempotencyService) Reserve(ctx context.Context, tenantID, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(tenantID, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns a cached result, or reserves the key and returns
// (nil, nil) so the caller proceeds.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, tenantID, idempotencyKey string) (*IngestResult, error) {
	result, err := s.Check(ctx, tenantID, idempotencyKey)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, tenantID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		// lost the race between Check and Reserve; the winner may have finished
		if result, err := s.Check(ctx, tenantID, idempotencyKey); err != nil || result != nil {
			return result, err
		}
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

// Store replaces the lock with the final result.
func (s *IdempotencyService) Store(ctx context.Context, tenantID, idempotencyKey string, result *IngestResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(tenantID, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops the lock after a failed request so the client can retry.
func (s *IdempotencyService) Release(ctx context.Context, tenantID, idempotencyKey string) error {
	key := s.buildKey(tenantID, idempotencyKey)
	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
