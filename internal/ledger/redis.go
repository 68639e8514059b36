package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with one Redis hash per path holding the
// fields "data" and "version". Conditional writes use WATCH/MULTI so a
// concurrent modification aborts the transaction.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a Redis-backed store. Keys are namespaced so several
// ledgers can share one database.
func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "ledger"
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStore) Read(ctx context.Context, path string) (Node, error) {
	vals, err := s.rdb.HMGet(ctx, s.nodeKey(path), "data", "version").Result()
	if err != nil {
		return Node{}, fmt.Errorf("read %s: %w", path, err)
	}
	return decodeHash(path, vals)
}

func (s *RedisStore) Write(ctx context.Context, path string, data []byte) (int64, error) {
	key := s.nodeKey(path)
	if data == nil {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return 0, fmt.Errorf("delete %s: %w", path, err)
		}
		return 0, nil
	}

	version, err := s.rdb.Incr(ctx, s.versionKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("write %s: next version: %w", path, err)
	}
	if err := s.rdb.HSet(ctx, key, "data", data, "version", version).Err(); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return version, nil
}

func (s *RedisStore) ConditionalWrite(ctx context.Context, path string, expected int64, data []byte) (int64, error) {
	key := s.nodeKey(path)
	var version int64

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != expected {
			return ErrVersionConflict
		}

		if data == nil {
			version = 0
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}

		// INCR runs outside MULTI; a gap in the sequence after an aborted
		// transaction is harmless.
		version, err = tx.Incr(ctx, s.versionKey()).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data, "version", version)
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	switch {
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return 0, ErrVersionConflict
	case err != nil:
		return 0, fmt.Errorf("conditional write %s: %w", path, err)
	}
	return version, nil
}

func (s *RedisStore) Append(ctx context.Context, prefix string, data []byte) (string, error) {
	id := uuid.NewString()
	if _, err := s.ConditionalWrite(ctx, childPrefix(prefix)+id, 0, data); err != nil {
		return "", fmt.Errorf("append %s: %w", prefix, err)
	}
	return id, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	match := s.nodeKey(escapeGlob(childPrefix(prefix))) + "*"
	base := s.nodeKey("")

	var keys []string
	iter := s.rdb.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		path := strings.TrimPrefix(key, base)
		vals, err := s.rdb.HMGet(ctx, key, "data", "version").Result()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		n, err := decodeHash(path, vals)
		if errors.Is(err, ErrNotFound) {
			// Deleted between SCAN and HMGET.
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Path: path, Node: n})
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// --- Key helpers ---

func (s *RedisStore) nodeKey(path string) string { return s.namespace + ":node:" + path }

func (s *RedisStore) versionKey() string { return s.namespace + ":version" }

func decodeHash(path string, vals []any) (Node, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Node{}, ErrNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return Node{}, fmt.Errorf("read %s: unexpected data type %T", path, vals[0])
	}
	raw, ok := vals[1].(string)
	if !ok {
		return Node{}, fmt.Errorf("read %s: unexpected version type %T", path, vals[1])
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Node{}, fmt.Errorf("read %s: bad version %q: %w", path, raw, err)
	}
	return Node{Data: []byte(data), Version: version}, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
