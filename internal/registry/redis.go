package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key the machine list is stored under.
const DefaultRedisKey = "wakeproxy:machines"

// RedisStore persists machines as one JSON document in Redis.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a RedisStore. An empty key uses DefaultRedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		client: client,
		key:    key,
	}
}

func (s *RedisStore) updatedAtKey() string {
	return s.key + ":updated_at"
}

func (s *RedisStore) Load(ctx context.Context) ([]Machine, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []Machine{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.key, err)
	}

	var machines []Machine
	if err := json.Unmarshal(data, &machines); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.key, err)
	}
	if machines == nil {
		machines = []Machine{}
	}
	return machines, nil
}

func (s *RedisStore) Save(ctx context.Context, machines []Machine) error {
	if machines == nil {
		machines = []Machine{}
	}
	data, err := json.Marshal(machines)
	if err != nil {
		return fmt.Errorf("encoding machines: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, data, 0)
		pipe.Set(ctx, s.updatedAtKey(), time.Now().UTC().Format(time.RFC3339), 0)
		return nil
	})
	return err
}

// UpdatedAt returns when the machine list was last saved, or the zero time
// if it never was.
func (s *RedisStore) UpdatedAt(ctx context.Context) (time.Time, error) {
	v, err := s.client.Get(ctx, s.updatedAtKey()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}
