// Package redisstore implements the ephemeral memory store on Redis:
// per-item JSON values with native TTLs plus sorted-set indexes for
// session membership, ITM access recency, and STM expiry scans. It
// also hosts the short-lived reflection log consumed by distillation.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cognimesh/memtier/memory"
)

// ReflectionTTL bounds how long raw reflections stay queryable. The
// distillation job only ever looks back 24 hours, so three days leaves
// ample slack for retried runs.
const ReflectionTTL = 72 * time.Hour

// Store is the Redis-backed memory.EphemeralStore.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// New wraps an existing Redis client. logger may be nil.
func New(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger, now: time.Now}
}

// Key layout. All keys are owner-scoped; the owners set exists so the
// sweep can enumerate without KEYS.
func itemKey(tier memory.Tier, owner, id string) string {
	return fmt.Sprintf("mem:%s:%s:%s", tier, owner, id)
}
func sessionKey(owner, session string) string { return "sess:" + owner + ":" + session }
func itmIndexKey(owner string) string         { return "itmidx:" + owner }
func stmIndexKey(owner string) string         { return "stmidx:" + owner }
func reflectionKey(owner string) string       { return "refl:" + owner }

const (
	ownersKey           = "mem:owners"
	reflectionOwnersKey = "refl:owners"
)

// Put writes the item and its index entries in one pipeline.
func (s *Store) Put(ctx context.Context, item *memory.Item, ttl time.Duration) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, itemKey(item.Tier, item.Owner, item.ID), payload, ttl)
	pipe.SAdd(ctx, ownersKey, item.Owner)

	switch item.Tier {
	case memory.TierSTM:
		if item.SessionID != "" {
			sk := sessionKey(item.Owner, item.SessionID)
			pipe.ZAdd(ctx, sk, redis.Z{Score: float64(item.CreatedAt.UnixNano()), Member: item.ID})
			pipe.Expire(ctx, sk, ttl)
		}
		pipe.ZAdd(ctx, stmIndexKey(item.Owner), redis.Z{
			Score:  float64(item.ExpiresAt.Unix()),
			Member: item.ID,
		})
	case memory.TierITM:
		pipe.ZAdd(ctx, itmIndexKey(item.Owner), redis.Z{
			Score:  float64(item.LastAccessedAt.Unix()),
			Member: item.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return memory.Transient("redis put", err)
	}
	return nil
}

// Get fetches one live item. Redis expiry plus an explicit ExpiresAt
// check guarantee an expired entry is never returned.
func (s *Store) Get(ctx context.Context, owner string, tier memory.Tier, id string) (*memory.Item, error) {
	raw, err := s.client.Get(ctx, itemKey(tier, owner, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, memory.Transient("redis get", err)
	}

	var item memory.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item %s: %w", id, err)
	}
	if item.Expired(s.now()) {
		return nil, memory.ErrNotFound
	}
	return &item, nil
}

// Update rewrites the item preserving its remaining TTL and refreshes
// the ITM recency index when the access time moved.
func (s *Store) Update(ctx context.Context, item *memory.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, itemKey(item.Tier, item.Owner, item.ID), payload, redis.KeepTTL)
	if item.Tier == memory.TierITM {
		pipe.ZAdd(ctx, itmIndexKey(item.Owner), redis.Z{
			Score:  float64(item.LastAccessedAt.Unix()),
			Member: item.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return memory.Transient("redis update", err)
	}
	return nil
}

// Delete removes the item and its index entries.
func (s *Store) Delete(ctx context.Context, owner string, tier memory.Tier, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, itemKey(tier, owner, id))
	switch tier {
	case memory.TierSTM:
		pipe.ZRem(ctx, stmIndexKey(owner), id)
	case memory.TierITM:
		pipe.ZRem(ctx, itmIndexKey(owner), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return memory.Transient("redis delete", err)
	}
	return nil
}

// SessionItems lists a session's live STM items, newest first.
func (s *Store) SessionItems(ctx context.Context, owner, sessionID string, limit int) ([]*memory.Item, error) {
	if sessionID == "" {
		return nil, nil
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, sessionKey(owner, sessionID), 0, stop).Result()
	if err != nil {
		return nil, memory.Transient("redis session range", err)
	}
	return s.fetchLive(ctx, owner, memory.TierSTM, ids)
}

// SessionActive reports whether the session index key still exists.
func (s *Store) SessionActive(ctx context.Context, owner, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKey(owner, sessionID)).Result()
	if err != nil {
		return false, memory.Transient("redis exists", err)
	}
	return n > 0, nil
}

// RecentSTM lists live STM items, newest first. The index is scored by
// expiry time, which orders by creation under the uniform STM TTL.
// limit <= 0 lists everything.
func (s *Store) RecentSTM(ctx context.Context, owner string, limit int) ([]*memory.Item, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, stmIndexKey(owner), 0, stop).Result()
	if err != nil {
		return nil, memory.Transient("redis stm range", err)
	}
	return s.fetchLive(ctx, owner, memory.TierSTM, ids)
}

// RecentITM lists ITM items by most recent access. limit <= 0 lists
// everything, as the sweep does.
func (s *Store) RecentITM(ctx context.Context, owner string, limit int) ([]*memory.Item, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, itmIndexKey(owner), 0, stop).Result()
	if err != nil {
		return nil, memory.Transient("redis itm range", err)
	}
	return s.fetchLive(ctx, owner, memory.TierITM, ids)
}

// ExpiringSTM lists STM items whose expiry falls inside the window.
func (s *Store) ExpiringSTM(ctx context.Context, owner string, within time.Duration) ([]*memory.Item, error) {
	now := s.now()
	ids, err := s.client.ZRangeByScore(ctx, stmIndexKey(owner), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Unix()),
		Max: fmt.Sprintf("%d", now.Add(within).Unix()),
	}).Result()
	if err != nil {
		return nil, memory.Transient("redis stm range", err)
	}
	return s.fetchLive(ctx, owner, memory.TierSTM, ids)
}

// fetchLive resolves index ids into items, silently skipping entries
// whose backing key has already expired.
func (s *Store) fetchLive(ctx context.Context, owner string, tier memory.Tier, ids []string) ([]*memory.Item, error) {
	items := make([]*memory.Item, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, owner, tier, id)
		if errors.Is(err, memory.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Owners enumerates owners that have written any ephemeral state.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	owners, err := s.client.SMembers(ctx, ownersKey).Result()
	if err != nil {
		return nil, memory.Transient("redis owners", err)
	}
	return owners, nil
}

// CountTier counts live entries via the tier index, purging dangling
// references as a side effect of the count being index-based.
func (s *Store) CountTier(ctx context.Context, owner string, tier memory.Tier) (int64, error) {
	var key string
	switch tier {
	case memory.TierSTM:
		key = stmIndexKey(owner)
	case memory.TierITM:
		key = itmIndexKey(owner)
	default:
		return 0, memory.ErrInvalidTier
	}

	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, memory.Transient("redis count", err)
	}
	var live int64
	for _, id := range ids {
		n, err := s.client.Exists(ctx, itemKey(tier, owner, id)).Result()
		if err != nil {
			return 0, memory.Transient("redis count", err)
		}
		live += n
	}
	return live, nil
}

// PurgeExpired reconciles the indexes: any index member whose backing
// item key has expired is removed. Returns how many were dropped.
func (s *Store) PurgeExpired(ctx context.Context, owner string) (int, error) {
	purged := 0
	for _, pair := range []struct {
		key  string
		tier memory.Tier
	}{
		{stmIndexKey(owner), memory.TierSTM},
		{itmIndexKey(owner), memory.TierITM},
	} {
		ids, err := s.client.ZRange(ctx, pair.key, 0, -1).Result()
		if err != nil {
			return purged, memory.Transient("redis purge", err)
		}
		for _, id := range ids {
			n, err := s.client.Exists(ctx, itemKey(pair.tier, owner, id)).Result()
			if err != nil {
				return purged, memory.Transient("redis purge", err)
			}
			if n == 0 {
				if err := s.client.ZRem(ctx, pair.key, id).Err(); err != nil {
					return purged, memory.Transient("redis purge", err)
				}
				purged++
			}
		}
	}
	return purged, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return memory.Transient("redis ping", err)
	}
	return nil
}

// AppendReflection records a reflection from the reflection
// collaborator into the owner's short-lived log.
func (s *Store) AppendReflection(ctx context.Context, rec *memory.ReflectionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal reflection: %w", err)
	}

	pipe := s.client.TxPipeline()
	key := reflectionKey(rec.Owner)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(rec.CreatedAt.Unix()), Member: payload})
	pipe.Expire(ctx, key, ReflectionTTL)
	pipe.SAdd(ctx, reflectionOwnersKey, rec.Owner)
	if _, err := pipe.Exec(ctx); err != nil {
		return memory.Transient("redis reflection append", err)
	}
	return nil
}

// Recent returns all reflections created at or after since, across
// every owner. Implements the distillation job's ReflectionSource.
func (s *Store) Recent(ctx context.Context, since time.Time) ([]memory.ReflectionRecord, error) {
	owners, err := s.client.SMembers(ctx, reflectionOwnersKey).Result()
	if err != nil {
		return nil, memory.Transient("redis reflection owners", err)
	}

	var records []memory.ReflectionRecord
	for _, owner := range owners {
		raws, err := s.client.ZRangeByScore(ctx, reflectionKey(owner), &redis.ZRangeBy{
			Min: fmt.Sprintf("%d", since.Unix()),
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, memory.Transient("redis reflection range", err)
		}
		for _, raw := range raws {
			var rec memory.ReflectionRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				s.logger.Warn("skipping malformed reflection", zap.String("owner", owner), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
	}
	return records, nil
}
