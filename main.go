package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zyling-ai/install-relay/internal/cache"
	"github.com/zyling-ai/install-relay/internal/config"
	"github.com/zyling-ai/install-relay/internal/logging"
	"github.com/zyling-ai/install-relay/internal/metrics"
	"github.com/zyling-ai/install-relay/internal/proxy"
	"github.com/zyling-ai/install-relay/internal/server"
	"github.com/zyling-ai/install-relay/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// shutdownTimeout 限制退出阶段等待在途请求与缓存写入的时长。
const shutdownTimeout = 30 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["repository"] = cfg.Upstream.Repository
		fields["cache_backend"] = cfg.Cache.CacheBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("install-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 INSTALL_RELAY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("INSTALL_RELAY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// serve 按 “指标 → 缓存后端 → 后台写入队列 → 过期清理 → Fiber” 顺序装配组件，
// 收到退出信号后逆序关闭，保证排队中的缓存写入在进程退出前落地。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	m := metrics.New()

	store, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("初始化缓存失败: %w", err)
	}
	defer closeStore(store, logger)

	populator := cache.NewPopulator(store, cfg.Cache.CacheBackend, logger, cache.PopulatorOptions{
		Workers:   cfg.Cache.PopulateWorkers,
		QueueSize: cfg.Cache.PopulateQueue,
		Observe:   observeCacheWrite(m),
	})

	var sweeper *cache.ExpirySweeper
	if target, ok := store.(cache.Sweeper); ok {
		sweeper, err = cache.NewExpirySweeper(target, cfg.Cache.CacheBackend, cfg.Cache.SweepInterval.DurationValue(), logger)
		if err != nil {
			return fmt.Errorf("初始化过期清理失败: %w", err)
		}
		sweeper.Start()
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Client:    server.NewUpstreamClient(cfg.Upstream),
		Logger:    logger,
		Store:     store,
		Populator: populator,
		Upstream:  cfg.Upstream,
		Cache:     cfg.Cache,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Relay:       handler,
		Upstream:    cfg.Upstream,
		Metrics:     m,
		Diagnostics: cfg.Global.DiagnosticsEnabled,
		Version:     version.Full(),
	})
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["repository"] = cfg.Upstream.Repository
	fields["cache_backend"] = cfg.Cache.CacheBackend
	fields["diagnostics"] = cfg.Global.DiagnosticsEnabled
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   cfg.Global.ListenPort,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.WithField("action", "shutdown").Info("开始关闭 HTTP 服务")
		return app.ShutdownWithContext(shutdownCtx)
	})
	serveErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sweeper != nil {
		if err := sweeper.Stop(drainCtx); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("sweeper_stop_timeout")
		}
	}
	if err := populator.Close(drainCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("cache_populator_drain_timeout")
	}
	logger.WithField("action", "shutdown").Info("服务已退出")

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// observeCacheWrite 将后台写缓存结果计入 Prometheus 指标。
func observeCacheWrite(m *metrics.Metrics) func(cache.Job, error) {
	return func(_ cache.Job, err error) {
		switch {
		case err == nil:
			m.CacheWrites.WithLabelValues("ok").Inc()
		case errors.Is(err, cache.ErrQueueFull):
			m.CacheWrites.WithLabelValues("dropped").Inc()
		default:
			m.CacheWrites.WithLabelValues("error").Inc()
		}
	}
}

func closeStore(store cache.Store, logger *logrus.Logger) {
	closer, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
	}
}
