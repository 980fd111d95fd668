package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"otp-relay/internal/bucketing"
	"otp-relay/internal/client"
	"otp-relay/internal/model"
)

const (
	historyKeyPrefix = "otp_history"
	redisOpTimeout   = 5 * time.Second
)

// RedisStore keeps each fingerprint's records as a JSON list in one field of
// a bucketed hash, "otp_history:{bucket}".
type RedisStore struct {
	client  *client.RedisClient
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
	clock   func() time.Time
	closed  atomic.Bool
}

func NewRedisStore(rc *client.RedisClient, buckets *bucketing.BucketingManager, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: rc, buckets: buckets, logger: logger, clock: time.Now}
}

func (s *RedisStore) AlreadySent(ctx context.Context, fingerprint, fullText string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	records, err := s.load(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Message == fullText {
			return true, nil
		}
	}
	return false, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, fingerprint, otp, fullText string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	records, err := s.load(ctx, fingerprint)
	if err != nil {
		return err
	}
	records = append(records, model.HistoryRecord{
		OTP:     otp,
		Message: fullText,
		SentAt:  s.clock().UTC(),
	})

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal history records: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := s.buckets.Key(historyKeyPrefix, fingerprint)
	if err := s.client.HSet(ctx, key, fingerprint, string(data)); err != nil {
		s.logger.Error("failed to persist history record",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to persist history record: %w", err)
	}
	s.logger.Debug("history record persisted",
		zap.String("key", key),
		zap.Int("records", len(records)))
	return nil
}

// Len counts fingerprints across all buckets.
func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	var total int64
	for _, key := range s.buckets.Keys(historyKeyPrefix) {
		n, err := s.client.HLen(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", key, err)
		}
		total += n
	}
	return total, nil
}

// Close marks the store closed. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *RedisStore) load(ctx context.Context, fingerprint string) ([]model.HistoryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := s.buckets.Key(historyKeyPrefix, fingerprint)
	raw, err := s.client.HGet(ctx, key, fingerprint)
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history record: %w", err)
	}

	var records []model.HistoryRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("failed to decode history record %s: %w", fingerprint, err)
	}
	return records, nil
}

var _ Store = (*RedisStore)(nil)
