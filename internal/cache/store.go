package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责缓存条目的读写。实现必须支持并发读写，且不得原地修改已有条目：
// 每次 Put 都是以新快照整体替换。条目只随 TTL 失效，接口不提供主动删除。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Put 将响应正文写入缓存，header/status/TTL 由 opts 提供。
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error)
}

// Sweeper 由需要主动清理过期条目的后端实现（disk、memory）。
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Status int
	Header http.Header
	TTL    time.Duration
}

// Entry 描述缓存中的一个响应快照。
type Entry struct {
	Key       string      `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired 判断条目在 now 时刻是否已经超过 TTL；ExpiresAt 为零值表示永不过期。
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

var (
	// ErrNotFound 表示缓存不存在或已过期。
	ErrNotFound = errors.New("cache entry not found")
	// ErrEntryTooLarge 表示正文超过后端允许的单条目上限。
	ErrEntryTooLarge = errors.New("cache entry too large")
)

func newEntry(key string, opts PutOptions, size int64, now time.Time) Entry {
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}
	entry := Entry{
		Key:       key,
		Status:    status,
		Header:    opts.Header.Clone(),
		SizeBytes: size,
		StoredAt:  now.UTC(),
	}
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	if opts.TTL > 0 {
		entry.ExpiresAt = entry.StoredAt.Add(opts.TTL)
	}
	return entry
}
