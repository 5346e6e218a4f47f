package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/ordersaga-go/saga"
)

const (
	instanceKeyPrefix = "saga:instance:"
	instanceIndexKey  = "saga:instances"
)

// saveScript commits an instance only if its version succeeds the
// stored one, making concurrent writers for the same id resolve
// first-committer-wins on the Redis side.
var saveScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'version')
local version = tonumber(ARGV[1])
if not stored then
	if version ~= 1 then return 0 end
elseif tonumber(stored) ~= version - 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'status', ARGV[2], 'data', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// RedisStore persists instances as Redis hashes with an id index set.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store on an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Save persists the instance, enforcing the version check atomically.
func (s *RedisStore) Save(ctx context.Context, instance *saga.Instance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", instance.ID, err)
	}

	committed, err := saveScript.Run(ctx, s.client,
		[]string{instanceKey(instance.ID), instanceIndexKey},
		instance.Version, string(instance.Status), data, instance.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("save instance %s: %w", instance.ID, err)
	}
	if committed == 0 {
		return saga.ErrVersionConflict
	}
	return nil
}

// Load returns the instance for id.
func (s *RedisStore) Load(ctx context.Context, id string) (*saga.Instance, error) {
	data, err := s.client.HGet(ctx, instanceKey(id), "data").Result()
	if err == redis.Nil {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}

	var instance saga.Instance
	if err := json.Unmarshal([]byte(data), &instance); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &instance, nil
}

// LoadActive returns every non-terminal instance.
func (s *RedisStore) LoadActive(ctx context.Context) ([]*saga.Instance, error) {
	ids, err := s.client.SMembers(ctx, instanceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var active []*saga.Instance
	for _, id := range ids {
		instance, err := s.Load(ctx, id)
		if err == saga.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !instance.Status.Terminal() {
			active = append(active, instance)
		}
	}
	return active, nil
}

// CountByStatus returns instance counts per status.
func (s *RedisStore) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
	ids, err := s.client.SMembers(ctx, instanceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	counts := make(map[saga.Status]int64)
	for _, id := range ids {
		status, err := s.client.HGet(ctx, instanceKey(id), "status").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read status for %s: %w", id, err)
		}
		counts[saga.Status(status)]++
	}
	return counts, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func instanceKey(id string) string {
	return instanceKeyPrefix + id
}
