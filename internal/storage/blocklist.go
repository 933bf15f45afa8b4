package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Blocklist stores the drivers each rider refuses to ride with.
type Blocklist interface {
	GetBlocked(ctx context.Context, riderID string) (models.IDSet, error)
	Block(ctx context.Context, riderID, driverID string) error
	Unblock(ctx context.Context, riderID, driverID string) error
}

type MemoryBlocklist struct {
	mu      sync.RWMutex
	blocked map[string]models.IDSet
}

func NewMemoryBlocklist() *MemoryBlocklist {
	return &MemoryBlocklist{blocked: make(map[string]models.IDSet)}
}

// GetBlocked returns a copy that callers may keep.
func (m *MemoryBlocklist) GetBlocked(_ context.Context, riderID string) (models.IDSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocked[riderID].Union(), nil
}

func (m *MemoryBlocklist) Block(_ context.Context, riderID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.blocked[riderID]
	if !ok {
		set = models.NewIDSet()
		m.blocked[riderID] = set
	}
	set.Add(driverID)
	return nil
}

func (m *MemoryBlocklist) Unblock(_ context.Context, riderID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked[riderID], driverID)
	return nil
}

// RedisBlocklist keeps one set per rider at rider:blocked:<id>.
type RedisBlocklist struct {
	client *redis.Client
}

func NewRedisBlocklist(client *redis.Client) *RedisBlocklist { return &RedisBlocklist{client: client} }

func blockKey(riderID string) string { return "rider:blocked:" + riderID }

func (r *RedisBlocklist) GetBlocked(ctx context.Context, riderID string) (models.IDSet, error) {
	ids, err := r.client.SMembers(ctx, blockKey(riderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", riderID, err)
	}
	return models.NewIDSet(ids...), nil
}

func (r *RedisBlocklist) Block(ctx context.Context, riderID, driverID string) error {
	return r.client.SAdd(ctx, blockKey(riderID), driverID).Err()
}

func (r *RedisBlocklist) Unblock(ctx context.Context, riderID, driverID string) error {
	return r.client.SRem(ctx, blockKey(riderID), driverID).Err()
}
