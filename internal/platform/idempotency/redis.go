package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "idempotency:"

// RedisOption customises the RedisStore behaviour.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the prefix applied to every idempotency key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(store *RedisStore) {
		if prefix != "" {
			store.prefix = prefix
		}
	}
}

// WithRedisMaxAttempts configures the optimistic transaction retry attempts.
func WithRedisMaxAttempts(attempts int) RedisOption {
	return func(store *RedisStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// RedisStore implements Store backed by Redis. Record expiry is enforced twice:
// logically via the embedded ExpiresAt timestamp and physically via key TTLs.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
}

// NewRedisStore constructs a Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:      client,
		prefix:      defaultKeyPrefix,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Reserve ensures the key is uniquely associated with the fingerprint and returns any stored response.
func (s *RedisStore) Reserve(ctx context.Context, record Record, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fullKey := s.prefix + recordID(record.Key)

	fresh := seedReservation(record, now, ttl)
	payload, err := json.Marshal(redisRecordFrom(fresh))
	if err != nil {
		return Reservation{}, err
	}

	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var result Reservation
	for attempt := 0; attempt < attempts; attempt++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, fullKey).Bytes()
			if errors.Is(err, redis.Nil) {
				if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, fullKey, payload, ttl)
					return nil
				}); err != nil {
					return err
				}
				result = Reservation{State: ReservationStateNew, Record: fresh}
				return nil
			}
			if err != nil {
				return err
			}

			var stored redisRecord
			if err := json.Unmarshal(raw, &stored); err != nil {
				return err
			}
			if stored.Fingerprint != record.Fingerprint {
				result = Reservation{Record: stored.toRecord()}
				return ErrFingerprintMismatch
			}

			if !stored.ExpiresAt.IsZero() && !now.Before(stored.ExpiresAt) {
				// Logically expired records are re-reserved regardless of the key TTL.
				if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, fullKey, payload, ttl)
					return nil
				}); err != nil {
					return err
				}
				result = Reservation{State: ReservationStateNew, Record: fresh}
				return nil
			}

			if stored.Status == string(StatusCompleted) {
				result = Reservation{State: ReservationStateCompleted, Record: stored.toRecord()}
				return nil
			}

			result = Reservation{State: ReservationStatePending, Record: stored.toRecord()}
			return nil
		}, fullKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}

	return Reservation{}, err
}

// SaveResponse persists the completed HTTP response associated with the key.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fullKey := s.prefix + recordID(key)

	headers := persistableHeaders(resp.Headers)
	var bodyCopy []byte
	if len(resp.Body) > 0 {
		bodyCopy = append([]byte(nil), resp.Body...)
	}

	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, getErr := tx.Get(ctx, fullKey).Bytes()

			var record redisRecord
			switch {
			case errors.Is(getErr, redis.Nil):
				record = redisRecord{Key: key, Fingerprint: fingerprint, CreatedAt: now}
			case getErr != nil:
				return getErr
			default:
				if err := json.Unmarshal(raw, &record); err != nil {
					return err
				}
				if record.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				if record.CreatedAt.IsZero() {
					record.CreatedAt = now
				}
			}

			record.Status = string(StatusCompleted)
			record.ResponseStatus = resp.Status
			record.ResponseHeaders = headers
			record.ResponseBody = bodyCopy
			record.UpdatedAt = now
			record.ExpiresAt = now.Add(ttl)

			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, fullKey, payload, ttl)
				return nil
			})
			return err
		}, fullKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return err
}

// CleanupExpired is a no-op for Redis; key TTLs evict expired records natively.
func (s *RedisStore) CleanupExpired(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, nil
}

// Release removes the reservation to allow callers to retry.
func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	return s.client.Del(ctx, s.prefix+recordID(key)).Err()
}

type redisRecord struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	RequestMethod   string              `json:"request_method,omitempty"`
	RequestPath     string              `json:"request_path,omitempty"`
	Status          string              `json:"status"`
	ResponseStatus  int                 `json:"response_status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

func redisRecordFrom(record Record) redisRecord {
	return redisRecord{
		Key:             record.Key,
		Fingerprint:     record.Fingerprint,
		RequestMethod:   record.RequestMethod,
		RequestPath:     record.RequestPath,
		Status:          string(record.Status),
		ResponseStatus:  record.ResponseStatus,
		ResponseHeaders: record.ResponseHeaders,
		ResponseBody:    record.ResponseBody,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
		ExpiresAt:       record.ExpiresAt,
	}
}

func (r redisRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		RequestMethod:   r.RequestMethod,
		RequestPath:     r.RequestPath,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
