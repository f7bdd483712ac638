package snapshot

import (
	"context"
	"errors"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const defaultRedisPrefix = "openpower:snapshot"

// RedisStorage keeps each save in a Redis string key. A set indexes the save names, and the
// replaced image is copied to a backup key in the same transaction that writes the new one.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

var _ Storage = (*RedisStorage)(nil)

type RedisStorageOptions struct {
	Address string
	Prefix  string // Key prefix, defaults to "openpower:snapshot"

	// Client overrides Address when set. The storage does not close clients it didn't create.
	Client *redis.Client
}

// NewRedisStorage connects to Redis and checks the connection with a ping.
func NewRedisStorage(ctx context.Context, opts RedisStorageOptions) (*RedisStorage, error) {
	if opts.Client == nil && opts.Address == "" {
		return nil, eris.New("redis address cannot be empty")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: "", // no password set
			DB:       0,  // use default DB
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrapf(err, "failed to ping redis at %s", client.Options().Addr)
	}
	return &RedisStorage{client: client, prefix: prefix}, nil
}

func (r *RedisStorage) key(name string) string {
	return r.prefix + ":" + name
}

func (r *RedisStorage) backupKey(name string) string {
	return r.key(name) + backupExt
}

func (r *RedisStorage) indexKey() string {
	return r.prefix + ":index"
}

func (r *RedisStorage) Store(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	key := r.key(name)

	// Optimistic transaction: a concurrent store of the same name aborts this one.
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return eris.Wrap(err, "failed to read previous snapshot")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				pipe.Set(ctx, r.backupKey(name), prev, 0)
			}
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, r.indexKey(), name)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return eris.Wrapf(err, "failed to store snapshot %q", name)
	}
	return nil
}

func (r *RedisStorage) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return r.get(ctx, r.key(name), name)
}

// LoadBackup retrieves the save that name replaced most recently.
func (r *RedisStorage) LoadBackup(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return r.get(ctx, r.backupKey(name), name)
}

func (r *RedisStorage) get(ctx context.Context, key, name string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, eris.Wrapf(ErrSnapshotNotFound, "no snapshot at %q", key)
		}
		return nil, eris.Wrapf(err, "failed to get snapshot %q", name)
	}
	return data, nil
}

func (r *RedisStorage) List(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, eris.Wrap(err, "failed to list snapshots")
	}
	slices.Sort(names)
	return names, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(name), r.backupKey(name))
		pipe.SRem(ctx, r.indexKey(), name)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to delete snapshot %q", name)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
