package cache

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// NewMemoryStore 创建容量受限的进程内 LRU 缓存。maxEntries<=0 表示不限条数，
// maxEntryBytes<=0 表示不限单条大小。
func NewMemoryStore(maxEntries int, maxEntryBytes int64) Store {
	return &memoryStore{
		maxEntries:    maxEntries,
		maxEntryBytes: maxEntryBytes,
		items:         make(map[string]*list.Element),
		order:         list.New(),
		now:           time.Now,
	}
}

type memoryStore struct {
	maxEntries    int
	maxEntryBytes int64
	now           func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
}

type memoryItem struct {
	entry Entry
	body  []byte
}

func (s *memoryStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	item := elem.Value.(*memoryItem)
	if item.entry.Expired(s.now()) {
		s.removeElement(elem)
		return nil, ErrNotFound
	}
	s.order.MoveToFront(elem)

	entry := item.entry
	entry.Header = entry.Header.Clone()
	return &ReadResult{
		Entry:  entry,
		Reader: io.NopCloser(bytes.NewReader(item.body)),
	}, nil
}

func (s *memoryStore) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	if key == "" {
		return nil, errors.New("cache key required")
	}

	data, err := readLimited(ctx, body, s.maxEntryBytes)
	if err != nil {
		return nil, err
	}
	entry := newEntry(key, opts, int64(len(data)), s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		elem.Value = &memoryItem{entry: entry, body: data}
		s.order.MoveToFront(elem)
	} else {
		s.items[key] = s.order.PushFront(&memoryItem{entry: entry, body: data})
	}
	for s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		s.removeElement(s.order.Back())
	}

	result := entry
	result.Header = entry.Header.Clone()
	return &result, nil
}

func (s *memoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for elem := s.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryItem).entry.Expired(now) {
			s.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed, nil
}

// Len 返回当前条目数。
func (s *memoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *memoryStore) removeElement(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	delete(s.items, item.entry.Key)
	s.order.Remove(elem)
}

// readLimited 读取完整正文；超过 limit 时返回 ErrEntryTooLarge。
func readLimited(ctx context.Context, body io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	reader := body
	if limit > 0 {
		reader = io.LimitReader(body, limit+1)
	}
	if _, err := copyWithContext(ctx, &buf, reader); err != nil {
		return nil, fmt.Errorf("read cache body: %w", err)
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, ErrEntryTooLarge
	}
	return buf.Bytes(), nil
}
