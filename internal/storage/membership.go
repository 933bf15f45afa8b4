package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geofence"
)

const (
	membershipPrefix    = "geofence:membership:"
	membershipTxRetries = 8
)

// RedisMembership keeps each entity's geofence state as one JSON value so the
// API server and the location consumer evaluate against the same membership.
// Updates run under WATCH on the entity key; a concurrent writer makes the
// transaction fail and the update is retried on the fresh value.
type RedisMembership struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMembership expires idle entities after ttl. Zero keeps them until
// Forget.
func NewRedisMembership(client *redis.Client, ttl time.Duration) *RedisMembership {
	return &RedisMembership{client: client, ttl: ttl}
}

func MembershipKey(entityID string) string { return membershipPrefix + entityID }

func (m *RedisMembership) Update(ctx context.Context, entityID string, fn func(st *geofence.State) error) error {
	key := MembershipKey(entityID)
	txf := func(tx *redis.Tx) error {
		st, _, err := readMembership(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
		b, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode membership %s: %w", entityID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, m.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < membershipTxRetries; i++ {
		err := m.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update membership %s: %w", entityID, redis.TxFailedErr)
}

func (m *RedisMembership) Get(ctx context.Context, entityID string) (geofence.State, bool, error) {
	return readMembership(ctx, m.client, MembershipKey(entityID))
}

func (m *RedisMembership) Forget(ctx context.Context, entityID string) error {
	return m.client.Del(ctx, MembershipKey(entityID)).Err()
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readMembership(ctx context.Context, c stringGetter, key string) (geofence.State, bool, error) {
	st := geofence.State{Inside: make(map[string]time.Time)}
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if st.Inside == nil {
		st.Inside = make(map[string]time.Time)
	}
	return st, true, nil
}
