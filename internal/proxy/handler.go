package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/zyling-ai/install-relay/internal/cache"
	"github.com/zyling-ai/install-relay/internal/config"
	"github.com/zyling-ai/install-relay/internal/logging"
	"github.com/zyling-ai/install-relay/internal/metrics"
	"github.com/zyling-ai/install-relay/internal/server"
)

// 响应头中的缓存状态取值。
const (
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
	cacheBypass = "BYPASS"
)

// Options 汇总 Handler 依赖，全部在启动阶段构造一次。
type Options struct {
	Client    *http.Client
	Logger    *logrus.Logger
	Store     cache.Store
	Populator *cache.Populator
	Upstream  config.UpstreamConfig
	Cache     config.CacheConfig
	// Metrics 可为空，测试中通常不注入。
	Metrics *metrics.Metrics
}

// Handler 负责 orchestrate “缓存命中 → 回源 → 后台写缓存” 的全流程，
// 对外暴露三个 Fiber handler，内部复用共享 http.Client 与缓存后端。
type Handler struct {
	client    *http.Client
	logger    *logrus.Logger
	store     cache.Store
	populator *cache.Populator
	upstream  config.UpstreamConfig
	cache     config.CacheConfig
	metrics   *metrics.Metrics
}

// NewHandler constructs a relay handler with shared HTTP client/logger/store.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Populator == nil {
		return nil, errors.New("cache populator is required")
	}
	return &Handler{
		client:    opts.Client,
		logger:    opts.Logger,
		store:     opts.Store,
		populator: opts.Populator,
		upstream:  opts.Upstream,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
	}, nil
}

var _ server.RelayHandler = (*Handler)(nil)

// lookup 查询缓存；除 ErrNotFound 外的读错误只记录日志并按未命中处理。
func (h *Handler) lookup(ctx context.Context, route, key string) *cache.ReadResult {
	result, err := h.store.Get(ctx, key)
	switch {
	case err == nil:
		h.observeLookup(route, "hit")
		return result
	case errors.Is(err, cache.ErrNotFound):
		h.observeLookup(route, "miss")
	default:
		h.observeLookup(route, "error")
		h.logger.WithError(err).
			WithFields(logrus.Fields{"route": route, "key": key}).
			Warn("cache_get_failed")
	}
	return nil
}

// serveCached 原样回放缓存的状态码与响应头；Content-Length 由正文长度决定。
func (h *Handler) serveCached(c fiber.Ctx, result *cache.ReadResult, overrides map[string]string) error {
	for key, values := range result.Entry.Header {
		if key == fiber.HeaderContentLength || server.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Append(key, value)
		}
	}
	for key, value := range overrides {
		c.Set(key, value)
	}
	c.Status(result.Entry.Status)
	return c.SendStream(result.Reader, int(result.Entry.SizeBytes))
}

// newUpstreamRequest 构造 GET 请求；User-Agent 由共享 client 统一注入。
func (h *Handler) newUpstreamRequest(c fiber.Ctx, target string) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
}

// fetch 执行上游请求并记录延迟与状态码指标，传输错误记为状态 0。
func (h *Handler) fetch(route string, req *http.Request) (*http.Response, error) {
	started := time.Now()
	resp, err := h.client.Do(req)
	if h.metrics != nil {
		h.metrics.UpstreamDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		status := 0
		if err == nil {
			status = resp.StatusCode
		}
		h.metrics.UpstreamResponses.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request %s: %w", req.URL.Redacted(), err)
	}
	return resp, nil
}

// populate 将写缓存任务交给后台队列，失败只记录日志，不影响当前响应。
func (h *Handler) populate(route string, job cache.Job) {
	if err := h.populator.Submit(job); err != nil {
		h.logger.WithError(err).
			WithFields(logrus.Fields{"route": route, "key": job.Key}).
			Warn("cache_populate_rejected")
	}
}

func (h *Handler) observeLookup(route, result string) {
	if h.metrics != nil {
		h.metrics.CacheLookups.WithLabelValues(route, result).Inc()
	}
}

func (h *Handler) sendText(c fiber.Ctx, status int, body string) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(status).SendString(body)
}

func (h *Handler) logResult(
	c fiber.Ctx,
	route string,
	upstream string,
	status int,
	cacheStatus string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route, cacheStatus, server.RequestID(c))
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
