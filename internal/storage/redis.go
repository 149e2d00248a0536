package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgellow/authredirect/internal/crypto"
	"github.com/dgellow/authredirect/internal/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "authredirect:"

	// maxWatchRetries bounds optimistic transaction retries on contended sessions
	maxWatchRetries = 5
)

// RedisStorage keeps sessions in Redis. Each session is a JSON string key
// with a TTL matching its expiry; each value is its own key sharing that
// TTL, so Redis expires both together and TakeValue is a single GETDEL.
type RedisStorage struct {
	client    *redis.Client
	encryptor crypto.Encryptor
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage connects to Redis and verifies the connection
func NewRedisStorage(ctx context.Context, addr, password string, encryptor crypto.Encryptor) (*RedisStorage, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	log.LogInfoWithFields("redis", "Connected to Redis", map[string]any{
		"addr": addr,
	})

	return NewRedisStorageFromClient(client, encryptor), nil
}

// NewRedisStorageFromClient wraps an existing client
func NewRedisStorageFromClient(client *redis.Client, encryptor crypto.Encryptor) *RedisStorage {
	return &RedisStorage{client: client, encryptor: encryptor}
}

// Client returns the underlying client so other components can share the
// connection pool
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

func sessionKey(sessionID string) string {
	return redisKeyPrefix + "session:" + sessionID
}

func valueKey(sessionID, key string) string {
	return redisKeyPrefix + "value:" + sessionID + ":" + key
}

func valuePattern(sessionID string) string {
	return redisKeyPrefix + "value:" + sessionID + ":*"
}

// ttlUntil converts an expiry into a positive Redis TTL
func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func (s *RedisStorage) CreateSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, sessionKey(session.ID), data, ttlUntil(session.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func decodeSession(data string) (*Session, error) {
	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *RedisStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(data)
}

// updateSession applies fn to the stored session under WATCH
func (s *RedisStorage) updateSession(ctx context.Context, sessionID string, fn func(*Session) time.Duration) (*Session, error) {
	key := sessionKey(sessionID)
	var updated *Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		session, err := decodeSession(data)
		if err != nil {
			return err
		}

		ttl := fn(session)
		encoded, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err == nil {
			updated = session
		}
		return err
	}

	if err := s.watch(ctx, "update session", txf, key); err != nil {
		return nil, err
	}
	return updated, nil
}

// watch runs txf under WATCH on keys, retrying when another writer got
// there first. Storage sentinels from txf are returned unwrapped.
func (s *RedisStorage) watch(ctx context.Context, op string, txf func(*redis.Tx) error, keys ...string) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExists) {
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
		return nil
	}
	return fmt.Errorf("failed to %s: too much contention", op)
}

func (s *RedisStorage) SetAuthenticated(ctx context.Context, sessionID string, authenticated bool, email string) (*Session, error) {
	return s.updateSession(ctx, sessionID, func(session *Session) time.Duration {
		session.Authenticated = authenticated
		if authenticated {
			session.Email = email
		} else {
			session.Email = ""
		}
		session.LastSeen = time.Now()
		return redis.KeepTTL
	})
}

func (s *RedisStorage) TouchSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	_, err := s.updateSession(ctx, sessionID, func(session *Session) time.Duration {
		now := time.Now()
		session.LastSeen = now
		session.ExpiresAt = now.Add(ttl)
		return ttl
	})
	if err != nil {
		return err
	}

	keys, err := s.scanValueKeys(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to extend session values: %w", err)
	}
	return nil
}

// RotateSession copies the session and its values to newID and deletes
// the old keys in one transaction. The value keys are watched once
// scanned, so a value written or taken meanwhile restarts the rotation.
func (s *RedisStorage) RotateSession(ctx context.Context, oldID, newID, email string) (*Session, error) {
	oldKey, newKey := sessionKey(oldID), sessionKey(newID)
	var rotated *Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, oldKey).Result()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		taken, err := tx.Exists(ctx, newKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return ErrSessionExists
		}

		session, err := decodeSession(data)
		if err != nil {
			return err
		}

		valueKeys, err := s.scanValueKeys(ctx, oldID)
		if err != nil {
			return err
		}
		var values []any
		if len(valueKeys) > 0 {
			if err := tx.Watch(ctx, valueKeys...).Err(); err != nil {
				return err
			}
			if values, err = tx.MGet(ctx, valueKeys...).Result(); err != nil {
				return err
			}
		}

		session.ID = newID
		session.Authenticated = true
		session.Email = email
		session.LastSeen = time.Now()
		encoded, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		ttl := ttlUntil(session.ExpiresAt)
		oldValuePrefix := strings.TrimSuffix(valuePattern(oldID), "*")

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, newKey, encoded, ttl)
			for i, k := range valueKeys {
				value, ok := values[i].(string)
				if !ok {
					continue
				}
				pipe.Set(ctx, valueKey(newID, strings.TrimPrefix(k, oldValuePrefix)), value, ttl)
			}
			pipe.Del(ctx, append(valueKeys, oldKey)...)
			return nil
		})
		if err == nil {
			rotated = session
		}
		return err
	}

	if err := s.watch(ctx, "rotate session", txf, oldKey, newKey); err != nil {
		return nil, err
	}
	return rotated, nil
}

func (s *RedisStorage) scanValueKeys(ctx context.Context, sessionID string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, valuePattern(sessionID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan session values: %w", err)
	}
	return keys, nil
}

func (s *RedisStorage) DeleteSession(ctx context.Context, sessionID string) error {
	keys, err := s.scanValueKeys(ctx, sessionID)
	if err != nil {
		return err
	}
	keys = append(keys, sessionKey(sessionID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// missing tells a missing value apart from a missing session
func (s *RedisStorage) missing(ctx context.Context, sessionID string) error {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return ErrValueNotFound
}

func (s *RedisStorage) decrypt(key, encrypted string) (string, error) {
	value, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value %q: %w", key, err)
	}
	return value, nil
}

func (s *RedisStorage) GetValue(ctx context.Context, sessionID, key string) (string, error) {
	encrypted, err := s.client.Get(ctx, valueKey(sessionID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", s.missing(ctx, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get value: %w", err)
	}
	return s.decrypt(key, encrypted)
}

func (s *RedisStorage) SetValue(ctx context.Context, sessionID, key, value string) error {
	ttl, err := s.client.PTTL(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read session ttl: %w", err)
	}
	// -2 means the key does not exist, -1 that it has no expiry
	if ttl == -2 {
		return ErrSessionNotFound
	}
	if ttl < 0 {
		ttl = 0
	}

	encrypted, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value %q: %w", key, err)
	}
	if err := s.client.Set(ctx, valueKey(sessionID, key), encrypted, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}
	return nil
}

func (s *RedisStorage) RemoveValue(ctx context.Context, sessionID, key string) error {
	if err := s.client.Del(ctx, valueKey(sessionID, key)).Err(); err != nil {
		return fmt.Errorf("failed to remove value: %w", err)
	}
	return nil
}

func (s *RedisStorage) TakeValue(ctx context.Context, sessionID, key string) (string, error) {
	encrypted, err := s.client.GetDel(ctx, valueKey(sessionID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", s.missing(ctx, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to take value: %w", err)
	}
	return s.decrypt(key, encrypted)
}

// CleanupExpiredSessions is a no-op: Redis expires sessions and values by TTL
func (s *RedisStorage) CleanupExpiredSessions(_ context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
