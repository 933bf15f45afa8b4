package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geofence"
)

const allEventsKey = "geofence:events"

// MemoryHistory keeps the last limit events in a ring.
type MemoryHistory struct {
	mu     sync.RWMutex
	events []geofence.Event
	next   int
	full   bool
}

func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = 500
	}
	return &MemoryHistory{events: make([]geofence.Event, limit)}
}

func (h *MemoryHistory) Publish(_ context.Context, events []geofence.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		h.events[h.next] = ev
		h.next = (h.next + 1) % len(h.events)
		if h.next == 0 {
			h.full = true
		}
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty entityID
// matches every entity.
func (h *MemoryHistory) Recent(_ context.Context, entityID string, limit int) ([]geofence.Event, error) {
	if limit <= 0 {
		return []geofence.Event{}, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.next
	if h.full {
		n = len(h.events)
	}
	out := make([]geofence.Event, 0, min(limit, n))
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (h.next - 1 - i + len(h.events)) % len(h.events)
		ev := h.events[idx]
		if entityID == "" || ev.EntityID == entityID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RedisHistory keeps capped lists of encoded events, one global and one per
// entity. LPUSH keeps the newest at the head.
type RedisHistory struct {
	client *redis.Client
	limit  int64
}

func NewRedisHistory(client *redis.Client, limit int) *RedisHistory {
	if limit <= 0 {
		limit = 500
	}
	return &RedisHistory{client: client, limit: int64(limit)}
}

func entityEventsKey(entityID string) string { return allEventsKey + ":" + entityID }

func (h *RedisHistory) Publish(ctx context.Context, events []geofence.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := h.client.TxPipeline()
	touched := map[string]struct{}{allEventsKey: {}}
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode geofence event %s: %w", ev.ID, err)
		}
		key := entityEventsKey(ev.EntityID)
		pipe.LPush(ctx, allEventsKey, b)
		pipe.LPush(ctx, key, b)
		touched[key] = struct{}{}
	}
	for key := range touched {
		pipe.LTrim(ctx, key, 0, h.limit-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (h *RedisHistory) Recent(ctx context.Context, entityID string, limit int) ([]geofence.Event, error) {
	key := allEventsKey
	if entityID != "" {
		key = entityEventsKey(entityID)
	}
	if limit <= 0 {
		return []geofence.Event{}, nil
	}
	raw, err := h.client.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([]geofence.Event, 0, len(raw))
	for _, s := range raw {
		var ev geofence.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("decode geofence event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
