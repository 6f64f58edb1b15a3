package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rdprelay:session:"

// closedSessionTTL keeps finished sessions visible to tooling for a while
// without growing the keyspace forever.
const closedSessionTTL = 24 * time.Hour

// RedisStore keeps the registry in Redis so it survives relay restarts and
// is visible to external tooling.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies it is reachable.
func NewRedisStore(ctx context.Context, addr, username, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func redisKey(id uuid.UUID) string {
	return redisKeyPrefix + id.String()
}

// Put inserts or replaces a session record. Closed sessions get a TTL.
func (s *RedisStore) Put(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	var ttl time.Duration
	if session.State == StateClosed {
		ttl = closedSessionTTL
	}

	if err := s.client.Set(ctx, redisKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	return nil
}

// Get returns one session record.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	data, err := s.client.Get(ctx, redisKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	session := &Session{}
	if err := json.Unmarshal([]byte(data), session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}

	return session, nil
}

// List scans the registry keyspace.
func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var out []*Session

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // expired between scan and get
		}

		session := &Session{}
		if err := json.Unmarshal([]byte(data), session); err != nil {
			continue
		}

		out = append(out, session)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}

	return out, nil
}

// Delete removes a session record.
func (s *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
