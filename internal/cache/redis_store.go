package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	redisFieldMeta = "meta"
	redisFieldBody = "body"
)

// RedisOptions 描述 redis 后端的连接参数。
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	MaxEntryBytes int64
	DialTimeout   time.Duration
}

// NewRedisStore 连接 redis 并返回共享缓存后端。多个中继实例指向同一 redis 时共享缓存条目。
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return newRedisStoreWithClient(client, opts), nil
}

func newRedisStoreWithClient(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	return &RedisStore{
		client:        client,
		prefix:        opts.KeyPrefix,
		maxEntryBytes: opts.MaxEntryBytes,
		now:           time.Now,
	}
}

// RedisStore 将条目保存为一个 hash：meta 字段存放 JSON 元数据，body 字段存放正文。
// 过期完全交给 redis 的 key TTL。
type RedisStore struct {
	client        redis.UniversalClient
	prefix        string
	maxEntryBytes int64
	now           func() time.Time
}

func (s *RedisStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	values, err := s.client.HMGet(ctx, s.redisKey(key), redisFieldMeta, redisFieldBody).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return nil, ErrNotFound
	}
	rawMeta, okMeta := values[0].(string)
	rawBody, okBody := values[1].(string)
	if !okMeta || !okBody {
		return nil, ErrNotFound
	}

	var entry Entry
	if err := sonic.UnmarshalString(rawMeta, &entry); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if entry.Key != key || entry.Expired(s.now()) || int64(len(rawBody)) != entry.SizeBytes {
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry:  entry,
		Reader: io.NopCloser(bytes.NewReader([]byte(rawBody))),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	if key == "" {
		return nil, errors.New("cache key required")
	}
	data, err := readLimited(ctx, body, s.maxEntryBytes)
	if err != nil {
		return nil, err
	}

	entry := newEntry(key, opts, int64(len(data)), s.now())
	meta, err := sonic.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode cache meta: %w", err)
	}

	redisKey := s.redisKey(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.HSet(ctx, redisKey, redisFieldMeta, meta, redisFieldBody, data)
		if opts.TTL > 0 {
			pipe.Expire(ctx, redisKey, opts.TTL)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis put: %w", err)
	}
	return &entry, nil
}

// Remove 删除条目，条目不存在时不报错。
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close 关闭底层连接池。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	if s.prefix == "" {
		return "entry:" + hex.EncodeToString(sum[:])
	}
	return s.prefix + ":entry:" + hex.EncodeToString(sum[:])
}
