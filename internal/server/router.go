package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/zyling-ai/install-relay/internal/config"
	"github.com/zyling-ai/install-relay/internal/metrics"
)

// DownloadPrefix 是二进制代理路由的固定前缀。
const DownloadPrefix = "/dl/"

// LatestRoute 是版本查询路由。
const LatestRoute = "/latest"

// RelayHandler describes the three upstream-facing handlers. It allows
// injecting fake handlers during tests.
type RelayHandler interface {
	Script(fiber.Ctx) error
	Latest(fiber.Ctx) error
	// Download 接收 /dl/ 之后的原始路径片段（未做百分号解码）。
	Download(c fiber.Ctx, suffix string) error
}

// AppOptions controls how the Fiber application is assembled.
type AppOptions struct {
	Logger      *logrus.Logger
	Relay       RelayHandler
	Upstream    config.UpstreamConfig
	Metrics     *metrics.Metrics
	Diagnostics bool
	Version     string
}

const contextKeyRequestID = "_relay_request_id"

// NewApp builds a Fiber application whose only routing decision is the exact
// string match performed by the relay router.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay handler is required")
	}
	if opts.Upstream.RedirectURL == "" {
		return nil, errors.New("redirect url is required")
	}
	if !strings.HasPrefix(opts.Upstream.ScriptRoute, "/") {
		return nil, errors.New("script route must start with /")
	}
	if opts.Diagnostics && opts.Metrics == nil {
		return nil, errors.New("metrics are required when diagnostics are enabled")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		StrictRouting: true,
		JSONEncoder:   sonic.Marshal,
		JSONDecoder:   sonic.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	if opts.Metrics != nil {
		app.Use(metricsMiddleware(opts.Metrics, opts.Upstream.ScriptRoute))
	}

	if opts.Diagnostics {
		registerDiagnostics(app, opts)
	}

	r := &router{
		logger:      opts.Logger,
		relay:       opts.Relay,
		scriptRoute: opts.Upstream.ScriptRoute,
		redirectURL: opts.Upstream.RedirectURL,
	}
	app.All("/*", r.dispatch)

	return app, nil
}

type router struct {
	logger      *logrus.Logger
	relay       RelayHandler
	scriptRoute string
	redirectURL string
}

// dispatch 只做精确字符串匹配：不折叠尾部斜杠、不忽略大小写、不做路径归一化。
func (r *router) dispatch(c fiber.Ctx) error {
	if c.Method() != fiber.MethodGet {
		return r.notFound(c)
	}

	path := RawPath(c)
	switch {
	case path == "/":
		return c.Redirect().Status(fiber.StatusFound).To(r.redirectURL)
	case path == r.scriptRoute:
		return r.relay.Script(c)
	case path == LatestRoute:
		return r.relay.Latest(c)
	case strings.HasPrefix(path, DownloadPrefix):
		return r.relay.Download(c, strings.TrimPrefix(path, DownloadPrefix))
	default:
		return r.notFound(c)
	}
}

func (r *router) notFound(c fiber.Ctx) error {
	r.logger.WithFields(logrus.Fields{
		"action":     "route",
		"method":     c.Method(),
		"path":       RawPath(c),
		"request_id": RequestID(c),
	}).Debug("route_not_found")
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(fiber.StatusNotFound).SendString("Not Found")
}

// RawPath 返回客户端发送的原始路径（不含查询串），不经过百分号解码与 "." / ".." 折叠。
func RawPath(c fiber.Ctx) string {
	raw := string(c.Request().URI().PathOriginal())
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	if raw == "" {
		return "/"
	}
	return raw
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func metricsMiddleware(m *metrics.Metrics, scriptRoute string) fiber.Handler {
	return func(c fiber.Ctx) error {
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		start := time.Now()
		err := c.Next()

		// 返回 *fiber.Error 时状态码尚未写入响应，由全局错误处理器稍后设置。
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}

		route := metrics.RouteForPath(RawPath(c), scriptRoute)
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		return err
	}
}

func registerDiagnostics(app *fiber.App, opts AppOptions) {
	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": opts.Version,
		})
	})
	app.Get("/-/metrics", adaptor.HTTPHandler(
		promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{}),
	))
}
