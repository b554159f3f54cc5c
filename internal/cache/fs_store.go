package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
	tempPrefix = ".cache-"

	// 超过该时长仍未被 rename 的临时文件视为中断写入的残留。
	staleTempAge = time.Hour
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}, nil
}

// fileStore 将每个条目拆分为 <hash>.body 与 <hash>.meta 两个文件，
// 通过 entryLock 串行化同一 key 的写入。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return nil, err
	}

	entry, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// sha256 冲突或损坏的元数据，按未命中处理。
		return nil, ErrNotFound
	}
	if entry.Expired(s.now()) {
		_ = s.Remove(ctx, key)
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() || info.Size() != entry.SizeBytes {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{Entry: entry, Reader: f}, nil
}

func (s *fileStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(bodyPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	bodyTemp, written, err := writeTemp(dir, func(w io.Writer) (int64, error) {
		return copyWithContext(ctx, w, body)
	})
	if err != nil {
		return nil, err
	}

	entry := newEntry(key, opts, written, s.now())
	meta, err := sonic.Marshal(entry)
	if err != nil {
		os.Remove(bodyTemp)
		return nil, fmt.Errorf("encode cache meta: %w", err)
	}
	metaTemp, _, err := writeTemp(dir, func(w io.Writer) (int64, error) {
		n, err := w.Write(meta)
		return int64(n), err
	})
	if err != nil {
		os.Remove(bodyTemp)
		return nil, err
	}

	if err := os.Rename(bodyTemp, bodyPath); err != nil {
		os.Remove(bodyTemp)
		os.Remove(metaTemp)
		return nil, err
	}
	if err := os.Rename(metaTemp, metaPath); err != nil {
		os.Remove(metaTemp)
		return nil, err
	}
	return &entry, nil
}

// Remove 删除条目，条目不存在时不报错；仅供过期读取与清理使用。
func (s *fileStore) Remove(ctx context.Context, key string) error {
	unlock := s.lockEntry(key)
	defer unlock()

	bodyPath, metaPath, err := s.entryPaths(key)
	if err != nil {
		return err
	}
	// 先删 meta，避免读者看到孤立的 meta 指向已删除的正文。
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep 删除过期条目以及中断写入遗留的临时文件，返回删除的条目数。
func (s *fileStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	now := s.now()
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasPrefix(name, tempPrefix):
			if info, err := d.Info(); err == nil && now.Sub(info.ModTime()) > staleTempAge {
				_ = os.Remove(p)
			}
		case strings.HasSuffix(name, metaSuffix):
			entry, err := readMeta(p)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				// 无法解析的 meta 连同正文一起清理。
				_ = os.Remove(p)
				_ = os.Remove(strings.TrimSuffix(p, metaSuffix) + bodySuffix)
				removed++
				return nil
			}
			if entry.Expired(now) {
				if err := s.Remove(ctx, entry.Key); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPaths 将任意 key 映射为 <base>/<aa>/<sha256>.{body,meta}，key 本身不会出现在路径中。
func (s *fileStore) entryPaths(key string) (string, string, error) {
	if key == "" {
		return "", "", errors.New("cache key required")
	}
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	stem := filepath.Join(s.basePath, name[:2], name)
	return stem + bodySuffix, stem + metaSuffix, nil
}

func readMeta(metaPath string) (Entry, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var entry Entry
	if err := sonic.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode cache meta: %w", err)
	}
	return entry, nil
}

func writeTemp(dir string, fill func(io.Writer) (int64, error)) (string, int64, error) {
	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", 0, err
	}
	tempName := tempFile.Name()

	written, err := fill(tempFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", 0, err
	}
	return tempName, written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
