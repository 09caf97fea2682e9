package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketday/api/internal/platform/config"
)

const (
	defaultRedisPrefix   = "marketday:idempotency:"
	redisWatchRetryLimit = 3
)

// RedisStore implements Store on Redis strings. Expiry is delegated to key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClient builds a client for cfg and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("idempotency: redis ping: %w", err)
	}
	return client, nil
}

// NewRedisStore constructs a RedisStore. An empty prefix selects the default namespace.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + documentID(key)
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = normaliseTTL(ttl)
	rkey := s.redisKey(key)

	record := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, err
	}

	created, err := s.client.SetNX(ctx, rkey, payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: redis reserve: %w", err)
	}
	if created {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	existing, found, err := s.load(ctx, rkey)
	if err != nil {
		return Reservation{}, err
	}
	if !found {
		// Expired between SETNX and GET; the next attempt will reserve it.
		return Reservation{State: ReservationStatePending, Record: record}, nil
	}
	res, _, err := resolveReservation(existing, fingerprint, now)
	return res, err
}

// SaveResponse implements Store. The write is guarded with WATCH so a concurrent owner change aborts it.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = normaliseTTL(ttl)
	rkey := s.redisKey(key)

	txf := func(tx *redis.Tx) error {
		record := Record{Key: key, Fingerprint: fingerprint}
		raw, err := tx.Get(ctx, rkey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &record); err != nil {
				return fmt.Errorf("idempotency: decode redis record: %w", err)
			}
			if record.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		}

		payload, err := json.Marshal(completeRecord(record, resp, now, ttl))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < redisWatchRetryLimit; attempt++ {
		err = s.client.Watch(ctx, txf, rkey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrFingerprintMismatch) {
		return fmt.Errorf("idempotency: redis save: %w", err)
	}
	return err
}

// Release implements Store. Only the reservation created for fingerprint is removed.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	rkey := s.redisKey(key)
	existing, found, err := s.load(ctx, rkey)
	if err != nil || !found {
		return err
	}
	if existing.Fingerprint != fingerprint {
		return nil
	}
	if err := s.client.Del(ctx, rkey).Err(); err != nil {
		return fmt.Errorf("idempotency: redis release: %w", err)
	}
	return nil
}

// CleanupExpired implements Store. Redis expires keys on its own so there is nothing to sweep.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, rkey string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode redis record: %w", err)
	}
	return record, true, nil
}
