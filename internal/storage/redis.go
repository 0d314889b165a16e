package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps the four per-room keys in Redis:
//
//	<prefix>room:<id>:doc          document snapshot bytes
//	<prefix>room:<id>:doc_at       snapshot timestamp (unix ms)
//	<prefix>room:<id>:key:player   pinned player key hash
//	<prefix>room:<id>:key:spectator pinned spectator key hash
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects a client; it does not dial until first use.
func NewRedisStore(opts RedisOptions) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	}), opts.KeyPrefix)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(roomID, suffix string) string {
	return r.prefix + "room:" + roomID + ":" + suffix
}

func (r *RedisStore) keys(roomID string) []string {
	return []string{
		r.key(roomID, "doc"),
		r.key(roomID, "doc_at"),
		r.key(roomID, "key:"+RolePlayer),
		r.key(roomID, "key:"+RoleSpectator),
	}
}

func (r *RedisStore) Load(ctx context.Context, roomID string) (Snapshot, error) {
	keys := r.keys(roomID)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("loading room %s: %w", roomID, err)
	}

	var s Snapshot
	if b, err := cmds[0].Bytes(); err == nil {
		s.Document = b
	}
	if v, err := cmds[1].Result(); err == nil {
		ms, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return Snapshot{}, fmt.Errorf("parsing snapshot timestamp %q: %w", v, perr)
		}
		s.SavedAt = time.UnixMilli(ms)
	}
	for i, role := range []string{RolePlayer, RoleSpectator} {
		if h, err := cmds[2+i].Result(); err == nil {
			if s.KeyHashes == nil {
				s.KeyHashes = make(map[string]string, 2)
			}
			s.KeyHashes[role] = h
		}
	}
	return s, nil
}

func (r *RedisStore) SaveDocument(ctx context.Context, roomID string, doc []byte, at time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(roomID, "doc"), doc, 0)
		pipe.Set(ctx, r.key(roomID, "doc_at"), strconv.FormatInt(at.UnixMilli(), 10), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving snapshot for room %s: %w", roomID, err)
	}
	return nil
}

func (r *RedisStore) SaveKeyHash(ctx context.Context, roomID, role, hash string) error {
	if !validRole(role) {
		return fmt.Errorf("saving key hash for %q: %w", role, ErrUnknownRole)
	}
	if err := r.client.Set(ctx, r.key(roomID, "key:"+role), hash, 0).Err(); err != nil {
		return fmt.Errorf("saving %s key hash for room %s: %w", role, roomID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, r.keys(roomID)...).Err(); err != nil {
		return fmt.Errorf("deleting room %s: %w", roomID, err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
