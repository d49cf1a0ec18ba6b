package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

// DefaultRedisPrefix namespaces the keys written by RedisStore.
const DefaultRedisPrefix = "approvals"

// RedisStore keeps each approval id group as one JSON value and uses
// WATCH/MULTI to make the version check and the write atomic. A set of
// known approval ids backs Scan.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger
}

func NewRedisStore(client redis.UniversalClient, prefix string, log *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, log: log}
}

func (s *RedisStore) groupKey(approvalID int64) string {
	return fmt.Sprintf("%s:group:%d", s.prefix, approvalID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":groups"
}

func (s *RedisStore) Get(ctx context.Context, approvalID int64) (*interfaces.RecordSet, error) {
	data, err := s.client.Get(ctx, s.groupKey(approvalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &interfaces.RecordSet{}, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	g, err := decodeGroup(data)
	if err != nil {
		return nil, unavailable(err)
	}
	return g.set(), nil
}

func (s *RedisStore) Put(ctx context.Context, record *interfaces.ApprovalRecord, expectedVersion uint64) error {
	return s.update(ctx, record.ApprovalID, func(g *recordGroup) error {
		if g.Version != expectedVersion {
			return conflict(record.ApprovalID, expectedVersion, g.Version)
		}
		g.upsert(record)
		return nil
	})
}

func (s *RedisStore) Delete(ctx context.Context, recordID string) error {
	approvalID, err := interfaces.ApprovalIDFromRecordID(recordID)
	if err != nil {
		return interfaces.ErrRecordNotFound
	}
	return s.update(ctx, approvalID, func(g *recordGroup) error {
		if !g.remove(recordID) {
			return interfaces.ErrRecordNotFound
		}
		return nil
	})
}

// update reads the group under WATCH and writes it back in a MULTI block.
// A concurrent write to the key aborts the transaction, which is reported
// as a version conflict.
func (s *RedisStore) update(ctx context.Context, approvalID int64, fn func(g *recordGroup) error) error {
	key := s.groupKey(approvalID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		g := &recordGroup{}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return unavailable(err)
		default:
			if g, err = decodeGroup(data); err != nil {
				return unavailable(err)
			}
		}

		if err := fn(g); err != nil {
			return err
		}
		encoded, err := encodeGroup(g)
		if err != nil {
			return unavailable(err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, s.indexKey(), strconv.FormatInt(approvalID, 10))
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: approval %d changed concurrently", interfaces.ErrVersionConflict, approvalID)
	case errors.Is(err, interfaces.ErrVersionConflict),
		errors.Is(err, interfaces.ErrRecordNotFound),
		errors.Is(err, interfaces.ErrStoreUnavailable):
		return err
	default:
		s.log.Error("Redis transaction failed", "err", err, slog.Int64("approvalID", approvalID))
		return unavailable(err)
	}
}

func (s *RedisStore) Scan(ctx context.Context, filter interfaces.Filter, offset, limit int) ([]*interfaces.ApprovalRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []*interfaces.ApprovalRecord{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.prefix+":group:"+id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	var all []*interfaces.ApprovalRecord
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		g, err := decodeGroup([]byte(str))
		if err != nil {
			s.log.Warn("Skipping undecodable approval group", "err", err, slog.String("key", keys[i]))
			continue
		}
		all = append(all, g.Records...)
	}
	return scanRecords(all, filter, offset, limit), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
