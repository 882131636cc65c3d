// Package denimstore implements the Buffer Store contract (spec.md §4.5):
// an ordered, durable, associative byte-queue backed by Redis, grounded on
// the original server's storage/redis.rs command sequence — ZADD NX for
// strictly-increasing entry ids, HINCRBY for idempotent field_guid
// resolution, and a lock key that blocks reads while a persister drains the
// queue to durable storage.
package denimstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PageSize bounds a single GetValues call, mirroring the original's
// PAGE_SIZE constant.
const PageSize = 100

// Retention is how long an idle queue's Redis keys survive before expiring,
// mirroring the original's 2678400-second (31 day) EXPIRE call.
const Retention = 31 * 24 * time.Hour

// ErrNotLocked is returned by Unlock when the lock key was already absent.
var ErrNotLocked = errors.New("denimstore: lock not held")

// Entry is one stored value plus the strictly-increasing id it was assigned
// at insertion time.
type Entry struct {
	ID      uint64
	Payload []byte
}

// QueueKeys names the three Redis keys a single logical queue is split
// across: the sorted set of values, the field_guid-to-id metadata hash, and
// the shared index of all live queues (for operational sweeps).
type QueueKeys struct {
	Queue         string
	Metadata      string
	TotalIndex    string
}

// Store is the Buffer Store capability the rest of DenIM is built on.
type Store interface {
	// Insert appends value under field_guid, returning the entry id it was
	// assigned. A second Insert with the same field_guid against the same
	// queue is a no-op that returns the original id (idempotent insert,
	// spec.md P6).
	Insert(ctx context.Context, keys QueueKeys, fieldGUID string, value []byte) (uint64, error)

	// Remove deletes the entries named by fieldGUIDs and returns their
	// payloads in the order the guids were given. A guid with no matching
	// entry is silently skipped. When the queue becomes empty, its keys are
	// deleted entirely (spec.md P7, reverse lookup consistency).
	Remove(ctx context.Context, keys QueueKeys, fieldGUIDs []string) ([]Entry, error)

	// RemoveByID deletes the single entry at id directly, without going
	// through the field_guid metadata hash. It's for callers (the server's
	// per-destination outbound drain) that only ever learn an entry's
	// numeric id from GetValues and never had a field_guid to begin with;
	// the original's server-side outbound path left this case as a TODO.
	RemoveByID(ctx context.Context, keys QueueKeys, id uint64) error

	// GetValues returns up to PageSize entries with id > afterID, in id
	// order. While lockKey is held it returns an empty, nil-error result
	// instead of touching the queue (spec.md P7, persist-lock visibility).
	GetValues(ctx context.Context, queueKey, lockKey string, afterID int64) ([]Entry, error)

	// Lock acquires the named lock for ttl, failing if already held.
	Lock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)

	// Unlock releases a lock previously acquired with Lock.
	Unlock(ctx context.Context, lockKey string) error
}

// RedisStore is the default Store, backed by a single *redis.Client (or a
// miniredis-backed one in tests).
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func encodeValue(id uint64, payload []byte) string {
	return fmt.Sprintf("%d:%s", id, base64.StdEncoding.EncodeToString(payload))
}

func decodeValue(raw string) (Entry, error) {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return Entry{}, fmt.Errorf("denimstore: malformed value %q", raw)
	}
	id, err := strconv.ParseUint(raw[:idx], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("denimstore: malformed entry id: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(raw[idx+1:])
	if err != nil {
		return Entry{}, fmt.Errorf("denimstore: malformed base64 payload: %w", err)
	}
	return Entry{ID: id, Payload: payload}, nil
}

func (s *RedisStore) Insert(ctx context.Context, keys QueueKeys, fieldGUID string, value []byte) (uint64, error) {
	exists, err := s.rdb.HExists(ctx, keys.Metadata, fieldGUID).Result()
	if err != nil {
		return 0, fmt.Errorf("denimstore: HEXISTS: %w", err)
	}
	if exists {
		existing, err := s.rdb.HGet(ctx, keys.Metadata, fieldGUID).Result()
		if err != nil {
			return 0, fmt.Errorf("denimstore: HGET: %w", err)
		}
		id, err := strconv.ParseUint(existing, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("denimstore: parsing existing entry id: %w", err)
		}
		return id, nil
	}

	id, err := s.rdb.HIncrBy(ctx, keys.Metadata, "counter", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("denimstore: HINCRBY: %w", err)
	}
	entryID := uint64(id)

	added, err := s.rdb.ZAddNX(ctx, keys.Queue, redis.Z{
		Score:  float64(entryID),
		Member: encodeValue(entryID, value),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("denimstore: ZADD NX: %w", err)
	}
	_ = added

	if err := s.rdb.HSet(ctx, keys.Metadata, fieldGUID, entryID).Err(); err != nil {
		return 0, fmt.Errorf("denimstore: HSET: %w", err)
	}

	if err := s.rdb.Expire(ctx, keys.Queue, Retention).Err(); err != nil {
		return 0, fmt.Errorf("denimstore: EXPIRE queue: %w", err)
	}
	if err := s.rdb.Expire(ctx, keys.Metadata, Retention).Err(); err != nil {
		return 0, fmt.Errorf("denimstore: EXPIRE metadata: %w", err)
	}

	if keys.TotalIndex != "" {
		if err := s.rdb.ZAddNX(ctx, keys.TotalIndex, redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: keys.Queue,
		}).Err(); err != nil {
			return 0, fmt.Errorf("denimstore: ZADD total index: %w", err)
		}
	}

	return entryID, nil
}

func (s *RedisStore) Remove(ctx context.Context, keys QueueKeys, fieldGUIDs []string) ([]Entry, error) {
	removed := make([]Entry, 0, len(fieldGUIDs))

	for _, guid := range fieldGUIDs {
		idStr, err := s.rdb.HGet(ctx, keys.Metadata, guid).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("denimstore: HGET: %w", err)
		}

		values, err := s.rdb.ZRangeByScore(ctx, keys.Queue, &redis.ZRangeBy{
			Min: idStr, Max: idStr,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("denimstore: ZRANGE BYSCORE: %w", err)
		}

		if err := s.rdb.ZRemRangeByScore(ctx, keys.Queue, idStr, idStr).Err(); err != nil {
			return nil, fmt.Errorf("denimstore: ZREMRANGEBYSCORE: %w", err)
		}
		if err := s.rdb.HDel(ctx, keys.Metadata, guid).Err(); err != nil {
			return nil, fmt.Errorf("denimstore: HDEL: %w", err)
		}

		for _, raw := range values {
			entry, err := decodeValue(raw)
			if err != nil {
				return nil, err
			}
			removed = append(removed, entry)
		}
	}

	card, err := s.rdb.ZCard(ctx, keys.Queue).Result()
	if err != nil {
		return nil, fmt.Errorf("denimstore: ZCARD: %w", err)
	}
	if card == 0 {
		if err := s.rdb.Del(ctx, keys.Queue, keys.Metadata).Err(); err != nil {
			return nil, fmt.Errorf("denimstore: DEL: %w", err)
		}
		if keys.TotalIndex != "" {
			if err := s.rdb.ZRem(ctx, keys.TotalIndex, keys.Queue).Err(); err != nil {
				return nil, fmt.Errorf("denimstore: ZREM total index: %w", err)
			}
		}
	}

	return removed, nil
}

func (s *RedisStore) RemoveByID(ctx context.Context, keys QueueKeys, id uint64) error {
	idStr := strconv.FormatUint(id, 10)

	if err := s.rdb.ZRemRangeByScore(ctx, keys.Queue, idStr, idStr).Err(); err != nil {
		return fmt.Errorf("denimstore: ZREMRANGEBYSCORE: %w", err)
	}

	card, err := s.rdb.ZCard(ctx, keys.Queue).Result()
	if err != nil {
		return fmt.Errorf("denimstore: ZCARD: %w", err)
	}
	if card == 0 {
		if err := s.rdb.Del(ctx, keys.Queue, keys.Metadata).Err(); err != nil {
			return fmt.Errorf("denimstore: DEL: %w", err)
		}
		if keys.TotalIndex != "" {
			if err := s.rdb.ZRem(ctx, keys.TotalIndex, keys.Queue).Err(); err != nil {
				return fmt.Errorf("denimstore: ZREM total index: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisStore) GetValues(ctx context.Context, queueKey, lockKey string, afterID int64) ([]Entry, error) {
	locked, err := s.rdb.Exists(ctx, lockKey).Result()
	if err != nil {
		return nil, fmt.Errorf("denimstore: checking lock: %w", err)
	}
	if locked > 0 {
		return nil, nil
	}

	min := fmt.Sprintf("(%d", afterID)
	raws, err := s.rdb.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:    min,
		Max:    "+inf",
		Offset: 0,
		Count:  PageSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("denimstore: ZRANGE BYSCORE: %w", err)
	}

	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		entry, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Lock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("denimstore: SETNX: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Unlock(ctx context.Context, lockKey string) error {
	n, err := s.rdb.Del(ctx, lockKey).Result()
	if err != nil {
		return fmt.Errorf("denimstore: DEL lock: %w", err)
	}
	if n == 0 {
		return ErrNotLocked
	}
	return nil
}
