package proxy

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/zyling-ai/install-relay/internal/metrics"
)

// Script 透传安装脚本。脚本始终实时回源，不进入缓存。
func (h *Handler) Script(c fiber.Ctx) error {
	started := time.Now()
	target := h.upstream.ScriptURL()

	req, err := h.newUpstreamRequest(c, target)
	if err != nil {
		h.logResult(c, metrics.RouteScript, target, 0, cacheBypass, started, err)
		return h.sendText(c, fiber.StatusBadGateway, scriptFailureBody(0))
	}
	req.Header.Set(fiber.HeaderCacheControl, "no-cache")

	resp, err := h.fetch(metrics.RouteScript, req)
	if err != nil {
		h.logResult(c, metrics.RouteScript, target, 0, cacheBypass, started, err)
		return h.sendText(c, fiber.StatusBadGateway, scriptFailureBody(0))
	}
	if !isSuccess(resp.StatusCode) {
		resp.Body.Close()
		h.logResult(c, metrics.RouteScript, target, resp.StatusCode, cacheBypass, started,
			fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		return h.sendText(c, fiber.StatusBadGateway, scriptFailureBody(resp.StatusCode))
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Served-By", h.upstream.ServedBy)
	c.Status(fiber.StatusOK)

	h.logResult(c, metrics.RouteScript, target, resp.StatusCode, cacheBypass, started, nil)
	// fasthttp 写完正文后负责关闭 resp.Body。
	return c.SendStream(resp.Body, streamSize(resp.ContentLength))
}

func scriptFailureBody(status int) string {
	return fmt.Sprintf("failed to fetch install script: %d", status)
}

// streamSize 将上游 Content-Length 转换为 SendStream 的长度参数，未知时为 -1。
func streamSize(length int64) int {
	if length < 0 {
		return -1
	}
	return int(length)
}
