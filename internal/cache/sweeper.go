package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ExpirySweeper 按固定间隔调用 Sweeper.Sweep 清理过期条目。
type ExpirySweeper struct {
	target  Sweeper
	logger  *logrus.Logger
	backend string
	cron    *cron.Cron
	timeout time.Duration
}

// NewExpirySweeper 注册 "@every interval" 任务；调用 Start 后才开始运行。
func NewExpirySweeper(target Sweeper, backend string, interval time.Duration, logger *logrus.Logger) (*ExpirySweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid sweep interval: %s", interval)
	}
	s := &ExpirySweeper{
		target:  target,
		logger:  logger,
		backend: backend,
		timeout: interval,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(logger)),
			cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
		)),
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

// Start 启动调度器。
func (s *ExpirySweeper) Start() {
	s.cron.Start()
}

// Stop 停止调度并等待正在执行的清理结束。
func (s *ExpirySweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce 同步执行一次清理。
func (s *ExpirySweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	removed, err := s.target.Sweep(ctx)
	fields := logrus.Fields{
		"action":     "cache_sweep",
		"backend":    s.backend,
		"removed":    removed,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("cache_sweep_failed")
		return
	}
	s.logger.WithFields(fields).Debug("cache_sweep_complete")
}
