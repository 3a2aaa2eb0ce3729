package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a processed event's key is remembered.
	// Webhook retries from the media server arrive within minutes.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while an event is being processed.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an event with the same key is still being
// processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached outcome of a processed event.
type IdempotencyResult struct {
	ItemID     string `json:"item_id"`
	Outcome    string `json:"outcome"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService remembers processed inbound events by key so a
// redelivered webhook is answered from cache instead of processed twice.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(source, idempotencyKey string) string {
	return fmt.Sprintf("jellycast:idempotency:%s:%s", source, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, source, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(source, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("source", source),
		zap.String("item_id", result.ItemID),
	)

	return &result, nil
}

// Store saves the result of a successfully processed event.
func (s *IdempotencyService) Store(ctx context.Context, source, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	key := s.buildKey(source, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, source, idempotencyKey string) (bool, error) {
	key := s.buildKey(source, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a reservation whose processing failed, so the sender's
// retry is processed again. A stored result is left alone.
func (s *IdempotencyService) Release(ctx context.Context, source, idempotencyKey string) error {
	key := s.buildKey(source, idempotencyKey)

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

// CheckOrReserve atomically checks for an existing result or reserves the key.
// Returns cached result if found, nil if reserved successfully, or error.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, source, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, source, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, source, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
