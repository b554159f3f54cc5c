package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zyling-ai/install-relay/internal/logging"
)

var (
	// ErrPopulatorClosed 表示 Populator 已停止接收新任务。
	ErrPopulatorClosed = errors.New("cache populator closed")
	// ErrQueueFull 表示后台队列已满，本次写入被丢弃。
	ErrQueueFull = errors.New("cache populator queue full")
)

// Job 描述一次后台缓存写入。Open 在 worker 中调用以获取正文；
// Release 无论写入成功与否都会执行恰好一次，用于清理临时文件。
type Job struct {
	Key     string
	Options PutOptions
	Open    func() (io.ReadCloser, error)
	Release func()
}

func (j Job) release() {
	if j.Release != nil {
		j.Release()
	}
}

// PopulatorOptions 控制后台 worker 数量、队列长度与单次写入超时。
type PopulatorOptions struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
	// Observe 在每个任务结束后回调，err 为 nil 表示写入成功，供指标统计使用。
	Observe func(job Job, err error)
}

// Populator 将缓存写入从响应生命周期中剥离：handler 提交任务后立即返回，
// worker 在后台完成写入；Close 会等待已入队任务全部完成。
type Populator struct {
	store   Store
	logger  *logrus.Logger
	backend string
	opts    PopulatorOptions

	jobs chan Job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPopulator 创建并启动后台 worker。
func NewPopulator(store Store, backend string, logger *logrus.Logger, opts PopulatorOptions) *Populator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Minute
	}

	p := &Populator{
		store:   store,
		logger:  logger,
		backend: backend,
		opts:    opts,
		jobs:    make(chan Job, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit 将任务放入队列，不会阻塞调用方。失败时任务的 Release 会被立即执行。
func (p *Populator) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		job.release()
		return ErrPopulatorClosed
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		job.release()
		p.logger.WithFields(logging.CacheFields("cache_put", p.backend, job.Key)).
			Warn("cache_populate_dropped")
		p.observe(job, ErrQueueFull)
		return ErrQueueFull
	}
}

// Close 停止接收新任务并等待队列排空；ctx 到期时返回 ctx.Err()。
func (p *Populator) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Populator) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Populator) run(job Job) {
	defer job.release()

	started := time.Now()
	fields := logging.CacheFields("cache_put", p.backend, job.Key)

	err := p.put(job)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	p.observe(job, err)
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Warn("cache_populate_failed")
		return
	}
	p.logger.WithFields(fields).Debug("cache_populated")
}

func (p *Populator) put(job Job) error {
	if job.Open == nil {
		return errors.New("cache job has no body")
	}
	body, err := job.Open()
	if err != nil {
		return err
	}
	defer body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.WriteTimeout)
	defer cancel()
	_, err = p.store.Put(ctx, job.Key, body, job.Options)
	return err
}

func (p *Populator) observe(job Job, err error) {
	if p.opts.Observe != nil {
		p.opts.Observe(job, err)
	}
}

// BytesJob 构造正文已在内存中的写入任务。
func BytesJob(key string, body []byte, opts PutOptions) Job {
	return Job{
		Key:     key,
		Options: opts,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		},
	}
}
