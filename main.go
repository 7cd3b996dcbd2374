package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dev-dollar/offline-proxy/internal/cache"
	"github.com/dev-dollar/offline-proxy/internal/config"
	"github.com/dev-dollar/offline-proxy/internal/fetch"
	"github.com/dev-dollar/offline-proxy/internal/logging"
	"github.com/dev-dollar/offline-proxy/internal/proxy"
	"github.com/dev-dollar/offline-proxy/internal/server"
	"github.com/dev-dollar/offline-proxy/internal/server/routes"
	"github.com/dev-dollar/offline-proxy/internal/telemetry"
	"github.com/dev-dollar/offline-proxy/internal/version"
)

const (
	commandServe  = "serve"
	commandCaches = "caches"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	command     string
}

// cliEnv 是 CLI 可读取的环境变量。
type cliEnv struct {
	ConfigPath string `env:"OFFLINE_PROXY_CONFIG"`
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	if opts.command == "" {
		// 仅输出了帮助信息。
		os.Exit(0)
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

	if opts.command == commandCaches {
		if err := printCaches(context.Background(), cfg); err != nil {
			fmt.Fprintf(stdErr, "读取缓存分区失败: %v\n", err)
			return 1
		}
		return 0
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteSummaries(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if err := serve(opts, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → 站点注册表 → 每站点缓存与 worker → Fiber server”顺序启动，
// 收到 SIGINT/SIGTERM 后停止监听并等待后台缓存写入完成。
func serve(opts cliOptions, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCfg, err := telemetry.LoadConfig()
	if err != nil {
		return err
	}
	shutdownTracing, err := telemetry.Setup(ctx, telemetryCfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		return fmt.Errorf("构建站点注册表失败: %w", err)
	}

	network := server.NewNetwork(cfg)
	workers, err := startWorkers(ctx, cfg, registry, network, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := workers.Close(); closeErr != nil {
			logger.WithField("action", "shutdown").WithError(closeErr).Warn("worker_close_failed")
		}
	}()

	forwarder := proxy.NewForwarder(proxy.NewHandler(network, logger), workers, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteSummaries(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["tracing"] = telemetryCfg.Active()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return startHTTPServer(ctx, cfg, registry, workers, forwarder, logger)
}

// startWorkers 为每个站点打开独立的缓存目录并完成 install/activate。
// 安装失败只记录日志，对应站点的请求会一直按放行处理。
func startWorkers(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, network fetch.Network, logger *logrus.Logger) (*proxy.Workers, error) {
	workers := proxy.NewWorkers()
	for _, route := range registry.List() {
		store, err := cache.NewStore(cfg.Global.StorageBackend, siteStoragePath(cfg, route.Config.Name))
		if err != nil {
			_ = workers.Close()
			return nil, fmt.Errorf("初始化站点 %s 缓存失败: %w", route.Config.Name, err)
		}
		w, err := proxy.NewWorker(route, proxy.WorkerDeps{
			Store:   store,
			Network: network,
			Logger:  logger,
			Global:  cfg.Global,
		})
		if err != nil {
			_ = store.Close()
			_ = workers.Close()
			return nil, fmt.Errorf("构建站点 %s worker 失败: %w", route.Config.Name, err)
		}
		workers.Add(w)

		if err := w.Start(ctx); err != nil {
			logger.WithFields(w.Fields()).WithField("action", "lifecycle").WithError(err).Error("worker_start_failed")
		}
	}
	return workers, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.SiteRegistry,
	workers *proxy.Workers,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, workers)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// printCaches 按站点输出当前缓存分区及条目数，不启动服务。
func printCaches(ctx context.Context, cfg *config.Config) error {
	for _, site := range cfg.Sites {
		store, err := cache.NewStore(cfg.Global.StorageBackend, siteStoragePath(cfg, site.Name))
		if err != nil {
			return fmt.Errorf("%s: %w", site.Name, err)
		}
		summaries, err := cache.Snapshot(ctx, store)
		closeErr := store.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", site.Name, err)
		}
		if closeErr != nil {
			return fmt.Errorf("%s: %w", site.Name, closeErr)
		}

		fmt.Fprintf(stdOut, "%s (%s)\n", site.Name, site.Domain)
		if len(summaries) == 0 {
			fmt.Fprintln(stdOut, "  (empty)")
			continue
		}
		for _, summary := range summaries {
			marker := ""
			if summary.Name == site.StaticCacheName() || summary.Name == site.DynamicCacheName() {
				marker = " *"
			}
			fmt.Fprintf(stdOut, "  %s\t%d%s\n", summary.Name, len(summary.Entries), marker)
		}
	}
	return nil
}

func siteStoragePath(cfg *config.Config, site string) string {
	return filepath.Join(cfg.Global.StoragePath, site)
}

// parseCLIFlags 解析 CLI 参数，配置路径优先级为 --config > OFFLINE_PROXY_CONFIG > config.toml。
// 返回的 command 为空表示只输出了帮助信息。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		opts       cliOptions
		configFlag string
	)

	root := &cobra.Command{
		Use:   "offline-proxy",
		Short: "Offline caching reverse proxy for dev-dollar sites",
		Long: `
offline-proxy fronts one or more origin sites and keeps them usable offline:
static assets are precached on startup, navigations fall back to the cached
entry document and successful dynamic responses are kept for later.
`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		Args:              cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.command = commandServe
			return nil
		},
	}
	root.SetOut(stdOut)
	root.SetErr(io.Discard)

	flags := root.PersistentFlags()
	flags.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_PROXY_CONFIG 覆盖）")
	root.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	root.AddCommand(&cobra.Command{
		Use:   commandCaches,
		Short: "List cache partitions per site without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.command = commandCaches
			return nil
		},
	})

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	var envOpts cliEnv
	if err := env.Parse(&envOpts); err != nil {
		return cliOptions{}, fmt.Errorf("解析环境变量失败: %w", err)
	}

	path := envOpts.ConfigPath
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path
	return opts, nil
}
