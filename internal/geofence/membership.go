package geofence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const shardCount = 32

// State is the cached view of one entity: where it was last seen and which
// zones it is inside, with the time of the last transition per zone.
type State struct {
	EntityType EntityType           `json:"entity_type"`
	Location   models.GeoPoint      `json:"location"`
	UpdatedAt  time.Time            `json:"updated_at"`
	Inside     map[string]time.Time `json:"inside"`
}

func (s State) clone() State {
	cp := s
	cp.Inside = make(map[string]time.Time, len(s.Inside))
	for k, v := range s.Inside {
		cp.Inside[k] = v
	}
	return cp
}

// MembershipStore holds entity state. Update must give fn exclusive access
// to one entity's state for the duration of the call; every process that
// evaluates the same entities has to share one store. fn may run more than
// once when a store retries a conflicting write.
type MembershipStore interface {
	Update(ctx context.Context, entityID string, fn func(st *State) error) error
	Get(ctx context.Context, entityID string) (State, bool, error)
	Forget(ctx context.Context, entityID string) error
}

type shard struct {
	mu       sync.Mutex
	entities map[string]*State
}

// MemoryMembership is partitioned by entity id. Each shard has its own lock
// so entities on different shards never contend.
type MemoryMembership struct {
	shards [shardCount]shard
}

func NewMemoryMembership() *MemoryMembership {
	c := &MemoryMembership{}
	for i := range c.shards {
		c.shards[i].entities = make(map[string]*State)
	}
	return c
}

func shardIndex(entityID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(n))
}

// Update runs fn holding the entity's shard lock. The state is created empty
// on first observation and is left untouched when fn fails.
func (c *MemoryMembership) Update(_ context.Context, entityID string, fn func(st *State) error) error {
	sh := &c.shards[shardIndex(entityID, shardCount)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := State{Inside: make(map[string]time.Time)}
	if cur, ok := sh.entities[entityID]; ok {
		st = cur.clone()
	}
	if err := fn(&st); err != nil {
		return err
	}
	sh.entities[entityID] = &st
	return nil
}

func (c *MemoryMembership) Get(_ context.Context, entityID string) (State, bool, error) {
	sh := &c.shards[shardIndex(entityID, shardCount)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.entities[entityID]
	if !ok {
		return State{}, false, nil
	}
	return st.clone(), true, nil
}

func (c *MemoryMembership) Forget(_ context.Context, entityID string) error {
	sh := &c.shards[shardIndex(entityID, shardCount)]
	sh.mu.Lock()
	delete(sh.entities, entityID)
	sh.mu.Unlock()
	return nil
}
