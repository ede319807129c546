// Command controlplane is the control-plane half of the pipeline (§1): it
// owns the job database, brokers OAuth credential renewal, and dispatches
// work to workers over a local stream socket. It exposes a minimal admin
// HTTP surface for the explicitly out-of-scope web UI/API to stand on.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/copilot-study/gitlab-crawl/internal/admin"
	"github.com/copilot-study/gitlab-crawl/internal/bridge"
	"github.com/copilot-study/gitlab-crawl/internal/config"
	"github.com/copilot-study/gitlab-crawl/internal/conn"
	"github.com/copilot-study/gitlab-crawl/internal/discovery"
	"github.com/copilot-study/gitlab-crawl/internal/jobs"
	"github.com/copilot-study/gitlab-crawl/internal/logging"
	"github.com/copilot-study/gitlab-crawl/internal/oauth"
	"github.com/copilot-study/gitlab-crawl/internal/router"
	"github.com/copilot-study/gitlab-crawl/internal/store"
	"github.com/copilot-study/gitlab-crawl/internal/sweep"
	"github.com/copilot-study/gitlab-crawl/internal/telemetry"
	"github.com/copilot-study/gitlab-crawl/internal/tokens"
	"github.com/copilot-study/gitlab-crawl/internal/webauth"
)

var (
	version = "dev"
	commit  = "none"
)

type cliConfig struct {
	configPath string
	socketPath string
	network    string
	dbDriver   string
	dbDSN      string
	adminAddr  string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "gitlab-crawl-controlplane",
		Short: "gitlab-crawl control plane — job dispatch and lifecycle coordinator",
		Long: `The control plane owns the job database, OAuth credentials, and the
local socket that workers connect to. It fans discovered namespaces out into
per-entity collection jobs and tracks every job through its lifecycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newAccountsCmd(cfg))
	root.AddCommand(newOperatorCmd())

	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("GITLAB_CRAWL_CONFIG", ""), "Path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&cfg.socketPath, "socket-path", envOrDefault("GITLAB_CRAWL_SOCKET_PATH", ""), "Worker socket path or host:port (overrides config file)")
	root.PersistentFlags().StringVar(&cfg.network, "network", envOrDefault("GITLAB_CRAWL_NETWORK", "unix"), "Transport for the worker socket: unix or tcp")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("GITLAB_CRAWL_DB_DRIVER", ""), "Database driver: sqlite or postgres")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("GITLAB_CRAWL_DB_DSN", ""), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("GITLAB_CRAWL_ADMIN_ADDR", ""), "Admin HTTP surface listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GITLAB_CRAWL_LOG_LEVEL", ""), "Log level: debug, info, warn, error")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gitlab-crawl-controlplane %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	cpCfg, err := config.LoadControlPlane(cli.configPath)
	if err != nil {
		return fmt.Errorf("controlplane: load config: %w", err)
	}
	applyCLIOverrides(&cpCfg, cli)

	logger, err := logging.Build(cpCfg.LogLevel)
	if err != nil {
		return fmt.Errorf("controlplane: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gitlab-crawl control plane",
		zap.String("version", version),
		zap.String("socket_path", cpCfg.SocketPath),
		zap.String("network", cli.network),
		zap.String("db_driver", cpCfg.DBDriver),
	)

	// --- 1. Database ---
	gormDB, err := store.Open(store.Config{
		Driver:   cpCfg.DBDriver,
		DSN:      cpCfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cpCfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("controlplane: open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("controlplane: sql.DB: %w", err)
	}
	defer sqlDB.Close()

	jobRepo := store.NewJobRepository(gormDB)
	areaRepo := store.NewAreaRepository(gormDB)
	accountRepo := store.NewAccountRepository(gormDB)

	// --- 2. Admin event bridge ---
	eventBridge := bridge.New()
	go eventBridge.Run(ctx)

	// --- 3. Telemetry ---
	reg := prometheus.NewRegistry()
	metricsBundle := telemetry.NewMetrics(reg)
	_, shutdownTracer, err := telemetry.InitTracer("gitlab-crawl-controlplane")
	if err != nil {
		return fmt.Errorf("controlplane: init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("controlplane: tracer shutdown error", zap.Error(err))
		}
	}()

	// --- 4. Job service, discovery handler, OAuth refresh coordinator ---
	jobSvc := jobs.New(jobRepo, eventBridge, jobs.Config{SendFailedToWorker: cpCfg.SendFailedToWorker}, logger)
	discoveryHandler := discovery.New(jobRepo, areaRepo, eventBridge, logger)

	refreshers := tokenRefreshers(cpCfg)
	tokenCoord := tokenCoordinator(jobRepo, accountRepo, jobSvc, refreshers, logger)

	// Hot-reload: send_failed_to_worker is the one knob the job service can
	// apply mid-flight without re-wiring anything.
	stopWatch, err := config.WatchControlPlane(cli.configPath, logger, func(newCfg config.ControlPlane) {
		jobSvc.SetSendFailedToWorker(newCfg.SendFailedToWorker)
	})
	if err != nil {
		logger.Warn("controlplane: config watch disabled", zap.Error(err))
	} else {
		defer stopWatch()
	}

	// --- 5. Connection pool + router ---
	accounts := &connAccountRegistry{}

	var pool *conn.Pool
	deps := router.Deps{
		Jobs:      jobSvc,
		Discovery: discoveryHandler,
		Tokens:    tokenCoord,
		AccountID: accounts.lookup,
		AccountToken: func(ctx context.Context, accountID string) (string, bool) {
			acct, err := accountRepo.Get(ctx, accountID)
			if err != nil || !acct.HasToken() {
				return "", false
			}
			return acct.AccessToken, true
		},
	}

	r := router.New(poolSender{&pool}, logger)
	router.RegisterBuiltins(r, deps)
	r.Use(bindAccountMiddleware(jobRepo, accounts))
	r.UseAfter(metricsMiddleware(metricsBundle))

	pool = conn.NewPool(conn.PoolConfig{
		MaxConnections:    cpCfg.MaxConnections,
		HeartbeatTimeout:  cpCfg.HeartbeatTimeout,
		ConnectionTimeout: cpCfg.ConnectionTimeout,
		MessageTimeout:    cpCfg.MessageTimeout,
		BufferSize:        cpCfg.BufferSize,
		CleanupInterval:   cpCfg.CleanupInterval,
	}, r, logger)

	go watchRejections(ctx, pool, metricsBundle)

	// --- 6. Stale-job reaper, scheduled via gocron ---
	reaper := sweep.NewReaper(jobRepo, jobSvc, logger)
	reapSched, err := sweep.NewScheduler(reaper, 5*time.Minute, logger)
	if err != nil {
		return fmt.Errorf("controlplane: build reaper scheduler: %w", err)
	}
	reapSched.Start()
	defer func() {
		if err := reapSched.Shutdown(); err != nil {
			logger.Warn("controlplane: reaper scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 7. Worker socket listener ---
	ln, err := listen(cli.network, cpCfg.SocketPath)
	if err != nil {
		return fmt.Errorf("controlplane: listen: %w", err)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pool.Serve(ctx, ln); err != nil {
			logger.Error("controlplane: pool serve error", zap.Error(err))
			cancel()
		}
	}()

	// --- 8. Admin HTTP surface ---
	// Without an operator password hash the surface stays open: no /login,
	// no bearer gate.
	var authMgr *webauth.Manager
	if cpCfg.OperatorPasswordHash != "" {
		authMgr, err = webauth.New("gitlab-crawl-controlplane")
		if err != nil {
			return fmt.Errorf("controlplane: build admin auth manager: %w", err)
		}
	}
	adminRouter := admin.NewRouter(admin.Config{
		Jobs:                 jobRepo,
		Connections:          pool,
		Events:               eventBridge,
		Logger:               logger,
		Auth:                 authMgr,
		OperatorPasswordHash: cpCfg.OperatorPasswordHash,
	})
	httpSrv := &http.Server{
		Addr:         cpCfg.AdminAddr,
		Handler:      adminRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("controlplane: admin http server listening", zap.String("addr", cpCfg.AdminAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("controlplane: admin http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down gitlab-crawl control plane")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	pool.Shutdown("control plane shutting down", time.Now().UTC())
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("controlplane: admin http server graceful shutdown error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("gitlab-crawl control plane stopped")
	return nil
}

func applyCLIOverrides(cfg *config.ControlPlane, cli *cliConfig) {
	if cli.socketPath != "" {
		cfg.SocketPath = cli.socketPath
	}
	if cli.dbDriver != "" {
		cfg.DBDriver = cli.dbDriver
	}
	if cli.dbDSN != "" {
		cfg.DBDSN = cli.dbDSN
	}
	if cli.adminAddr != "" {
		cfg.AdminAddr = cli.adminAddr
	}
	if cli.logLevel != "" {
		cfg.LogLevel = cli.logLevel
	}
}

// listen opens the worker-facing listener. For "unix" it removes a stale
// socket file left behind by an unclean shutdown before binding.
func listen(network, address string) (net.Listener, error) {
	if network == "unix" {
		if _, err := os.Stat(address); err == nil {
			os.Remove(address)
		}
	}
	return net.Listen(network, address)
}

func tokenRefreshers(cfg config.ControlPlane) tokens.Refreshers {
	providerCfg := oauth.ProviderConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		IssuerURL:    cfg.OAuthIssuerURL,
	}
	return tokens.Refreshers{
		store.ProviderGitlabCloud:  oauth.NewGitLabRefresher(providerCfg),
		store.ProviderGitlabOnprem: oauth.NewGitLabOnPremRefresher(providerCfg),
	}
}

func tokenCoordinator(jobRepo store.JobRepository, accountRepo store.AccountRepository, jobSvc *jobs.Service, refreshers tokens.Refreshers, logger *zap.Logger) *tokens.Coordinator {
	return tokens.New(jobRepo, accountRepo, jobSvc, refreshers, logger)
}

func gormLogLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Silent
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
