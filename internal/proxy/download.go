package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/zyling-ai/install-relay/internal/cache"
	"github.com/zyling-ai/install-relay/internal/config"
	"github.com/zyling-ai/install-relay/internal/metrics"
)

var (
	// ErrBadPathFormat 表示路径不符合 /dl/{version}/{filename}。
	ErrBadPathFormat = errors.New("path must be /dl/{version}/{filename}")
	// ErrIllegalFilename 表示文件名为空或试图跳出 release 目录。
	ErrIllegalFilename = errors.New("illegal filename")
)

// ParseDownloadPath 拆分 /dl/ 之后的原始路径片段。校验同时作用于原始文本与
// 百分号解码后的文本，因此 %2e%2e、%2f 之类的编码穿越同样会被拒绝。
func ParseDownloadPath(suffix string) (version, filename string, err error) {
	slash := strings.IndexByte(suffix, '/')
	if slash < 0 {
		return "", "", ErrBadPathFormat
	}
	version = suffix[:slash]
	filename = suffix[slash+1:]

	if err := checkSegment(version, ErrBadPathFormat); err != nil {
		return "", "", err
	}
	if err := checkSegment(filename, ErrIllegalFilename); err != nil {
		return "", "", err
	}
	return version, filename, nil
}

func checkSegment(segment string, reject error) error {
	if unsafeSegment(segment) {
		return reject
	}
	decoded, err := url.PathUnescape(segment)
	if err != nil || unsafeSegment(decoded) {
		return reject
	}
	return nil
}

func unsafeSegment(segment string) bool {
	return segment == "" ||
		strings.Contains(segment, "..") ||
		strings.ContainsAny(segment, `/\`)
}

// BuildDownloadURL 直接拼接前缀、版本与文件名，不做任何编码或归一化。
func BuildDownloadURL(prefix, version, filename string) string {
	return prefix + "/" + version + "/" + filename
}

// DownloadCacheKey 以 "方法 + 完整上游地址" 作为缓存身份，
// 解析到同一上游地址的不同客户端路径共享一个条目。
func DownloadCacheKey(upstreamURL string) string {
	return http.MethodGet + " " + upstreamURL
}

// Download 代理 release 二进制：命中缓存直接回放，否则回源并边传边落盘，
// 传输完整后由后台队列写入缓存。
func (h *Handler) Download(c fiber.Ctx, suffix string) error {
	started := time.Now()

	version, filename, err := ParseDownloadPath(suffix)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "download_validate",
			"path":   suffix,
			"error":  err.Error(),
		}).Debug("download_path_rejected")
		return h.sendText(c, fiber.StatusBadRequest, "Bad Request: "+err.Error())
	}

	target := BuildDownloadURL(h.upstream.DownloadPrefix(), version, filename)
	key := DownloadCacheKey(target)

	if cached := h.lookup(c.Context(), metrics.RouteDownload, key); cached != nil {
		h.logResult(c, metrics.RouteDownload, target, cached.Entry.Status, cacheHit, started, nil)
		return h.serveCached(c, cached, map[string]string{"X-Cache": cacheHit})
	}

	req, err := h.newUpstreamRequest(c, target)
	if err != nil {
		h.logResult(c, metrics.RouteDownload, target, 0, cacheMiss, started, err)
		return h.sendText(c, fiber.StatusBadGateway, downloadFailureBody(0, target))
	}
	resp, err := h.fetch(metrics.RouteDownload, req)
	if err != nil {
		h.logResult(c, metrics.RouteDownload, target, 0, cacheMiss, started, err)
		return h.sendText(c, fiber.StatusBadGateway, downloadFailureBody(0, target))
	}
	if !isSuccess(resp.StatusCode) {
		resp.Body.Close()
		h.logResult(c, metrics.RouteDownload, target, resp.StatusCode, cacheMiss, started,
			fmt.Errorf("unexpected upstream status %d", resp.StatusCode))
		return h.sendText(c, resp.StatusCode, downloadFailureBody(resp.StatusCode, target))
	}

	header := downloadHeader(filename, target, h.cache.DownloadTTL, resp.ContentLength)
	for name := range header {
		if name == fiber.HeaderContentLength {
			continue
		}
		c.Set(name, header.Get(name))
	}
	c.Status(fiber.StatusOK)

	h.logResult(c, metrics.RouteDownload, target, resp.StatusCode, cacheMiss, started, nil)
	return c.SendStream(h.spoolBody(key, header, resp), streamSize(resp.ContentLength))
}

// downloadHeader 生成二进制响应头；Content-Length 仅在上游提供时出现。
func downloadHeader(filename, target string, ttl config.Duration, contentLength int64) http.Header {
	header := http.Header{}
	header.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	header.Set(fiber.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	header.Set(fiber.HeaderCacheControl, "public, max-age="+strconv.FormatInt(ttl.Seconds(), 10))
	header.Set("X-Cache", cacheMiss)
	header.Set("X-Source-URL", target)
	if contentLength >= 0 {
		header.Set(fiber.HeaderContentLength, strconv.FormatInt(contentLength, 10))
	}
	return header
}

// spoolBody 包装上游正文；无法落盘或正文超过后端上限时直接透传，不写缓存。
func (h *Handler) spoolBody(key string, header http.Header, resp *http.Response) io.ReadCloser {
	if !h.cacheable(resp.ContentLength) {
		return resp.Body
	}

	spool, err := newSpoolReader(h.cache.SpoolPath, resp.Body, resp.ContentLength)
	if err != nil {
		h.logger.WithError(err).
			WithFields(logrus.Fields{"route": metrics.RouteDownload, "key": key}).
			Warn("spool_create_failed")
		return resp.Body
	}

	opts := cache.PutOptions{
		Status: fiber.StatusOK,
		Header: header,
		TTL:    h.cache.DownloadTTL.DurationValue(),
	}
	spool.onComplete = func(path string, size int64) {
		h.populate(metrics.RouteDownload, cache.Job{
			Key:     key,
			Options: opts,
			Open: func() (io.ReadCloser, error) {
				return os.Open(path)
			},
			Release: func() {
				os.Remove(path)
			},
		})
	}
	spool.onDiscard = func(path string, reason error) {
		h.logger.WithError(reason).
			WithFields(logrus.Fields{"route": metrics.RouteDownload, "key": key}).
			Debug("spool_discarded")
	}
	return spool
}

// cacheable 在内存与 redis 后端上提前排除超过 MaxEntryBytes 的正文。
func (h *Handler) cacheable(contentLength int64) bool {
	if h.cache.UsesDisk() || h.cache.MaxEntryBytes <= 0 || contentLength < 0 {
		return true
	}
	return contentLength <= h.cache.MaxEntryBytes
}

func downloadFailureBody(status int, target string) string {
	return fmt.Sprintf("download failed (%d): %s", status, target)
}
