package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rand/asc/pkg/models"
)

const redisKeyPrefix = "asc:playbook:"

// RedisStorage keeps each agent's playbook as a JSON string under asc:playbook:<agent>
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage connects to addr and verifies the connection
func NewRedisStorage(ctx context.Context, addr string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return &RedisStorage{client: client}, nil
}

func (r *RedisStorage) Load(ctx context.Context, agent string) (*models.PlaybookRecord, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+agent).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook: %w", err)
	}
	return decodeRecord(data)
}

func (r *RedisStorage) Save(ctx context.Context, rec *models.PlaybookRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal playbook: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+rec.AgentName, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set playbook: %w", err)
	}
	return nil
}

// Close releases the client's connections
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
