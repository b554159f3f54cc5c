package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v3"

	"github.com/zyling-ai/install-relay/internal/cache"
	"github.com/zyling-ai/install-relay/internal/metrics"
)

// maxReleasePayload 限制元数据 API 响应的读取量，release 附带大量资产时也远小于此值。
const maxReleasePayload = 8 << 20

// errInvalidPayload 表示上游返回的正文不是合法 JSON。
var errInvalidPayload = errors.New("release payload is not valid JSON")

// VersionDescriptor 是 /latest 的响应体。Version 缺失时整个字段省略，
// PublishedAt 缺失时输出 null。
type VersionDescriptor struct {
	Version     *string `json:"version,omitempty"`
	PublishedAt *string `json:"published_at"`
}

// upstreamError 是 /latest 的失败响应体，字段顺序固定。
type upstreamError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// LatestCacheKey 返回版本查询结果的合成缓存键，不会与任何真实 URL 冲突。
func LatestCacheKey(repository string) string {
	return "relay://latest/" + repository
}

// DecodeRelease 从 release 元数据中提取 tag_name 与 published_at。
// 字段缺失或类型不符按缺失处理；正文不是 JSON 时返回 errInvalidPayload。
func DecodeRelease(raw []byte) (VersionDescriptor, error) {
	var payload interface{}
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return VersionDescriptor{}, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	var descriptor VersionDescriptor
	object, ok := payload.(map[string]interface{})
	if !ok {
		return descriptor, nil
	}
	if tag, ok := object["tag_name"].(string); ok {
		descriptor.Version = &tag
	}
	if published, ok := object["published_at"].(string); ok {
		descriptor.PublishedAt = &published
	}
	return descriptor, nil
}

// Latest 返回最新 release 的版本号，结果按 LatestTTL 缓存。
func (h *Handler) Latest(c fiber.Ctx) error {
	started := time.Now()
	target := h.upstream.LatestReleaseURL()
	key := LatestCacheKey(h.upstream.Repository)

	if cached := h.lookup(c.Context(), metrics.RouteLatest, key); cached != nil {
		h.logResult(c, metrics.RouteLatest, target, cached.Entry.Status, cacheHit, started, nil)
		return h.serveCached(c, cached, nil)
	}

	req, err := h.newUpstreamRequest(c, target)
	if err != nil {
		h.logResult(c, metrics.RouteLatest, target, 0, cacheMiss, started, err)
		return h.latestFailure(c, "GitHub API error", 0)
	}
	req.Header.Set(fiber.HeaderAccept, "application/vnd.github.v3+json")

	resp, err := h.fetch(metrics.RouteLatest, req)
	if err != nil {
		h.logResult(c, metrics.RouteLatest, target, 0, cacheMiss, started, err)
		return h.latestFailure(c, "GitHub API error", 0)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		h.logResult(c, metrics.RouteLatest, target, resp.StatusCode, cacheMiss, started,
			fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		return h.latestFailure(c, "GitHub API error", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReleasePayload))
	if err != nil {
		h.logResult(c, metrics.RouteLatest, target, resp.StatusCode, cacheMiss, started, err)
		return h.latestFailure(c, "GitHub API error", resp.StatusCode)
	}
	descriptor, err := DecodeRelease(raw)
	if err != nil {
		h.logResult(c, metrics.RouteLatest, target, resp.StatusCode, cacheMiss, started, err)
		return h.latestFailure(c, "GitHub API payload invalid", resp.StatusCode)
	}
	body, err := sonic.Marshal(descriptor)
	if err != nil {
		h.logResult(c, metrics.RouteLatest, target, resp.StatusCode, cacheMiss, started, err)
		return h.latestFailure(c, "GitHub API payload invalid", resp.StatusCode)
	}

	header := http.Header{}
	header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	header.Set(fiber.HeaderCacheControl, "public, max-age="+strconv.FormatInt(h.cache.LatestTTL.Seconds(), 10))
	header.Set(fiber.HeaderAccessControlAllowOrigin, "*")

	h.populate(metrics.RouteLatest, cache.BytesJob(key, body, cache.PutOptions{
		Status: fiber.StatusOK,
		Header: header,
		TTL:    h.cache.LatestTTL.DurationValue(),
	}))

	for name := range header {
		c.Set(name, header.Get(name))
	}
	h.logResult(c, metrics.RouteLatest, target, resp.StatusCode, cacheMiss, started, nil)
	return c.Status(fiber.StatusOK).Send(body)
}

func (h *Handler) latestFailure(c fiber.Ctx, message string, status int) error {
	body, err := sonic.Marshal(upstreamError{Error: message, Status: status})
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(fiber.StatusBadGateway).Send(body)
}
