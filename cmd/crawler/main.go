// Command crawler is the worker half of the pipeline (§1): it connects to
// the control plane over the local socket, pulls queued jobs, pages through
// the GitLab API, anonymizes results, and persists them locally. It has no
// direct database access — every piece of durable job state lives on the
// other side of the socket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/config"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/anonymize"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/client"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/metrics"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/ratelimit"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/storage"
	"github.com/copilot-study/gitlab-crawl/internal/crawler/task"
	"github.com/copilot-study/gitlab-crawl/internal/logging"
	"github.com/copilot-study/gitlab-crawl/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
)

type cliConfig struct {
	configPath string
	socketPath string
	network    string
	dataDir    string
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
		Use:   "gitlab-crawl-worker",
		Short: "gitlab-crawl worker — paginated GitLab collection agent",
		Long: `The worker connects to a gitlab-crawl control plane over a local
stream socket, executes the jobs it is handed, and reports progress back
over the same connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("GITLAB_CRAWL_CONFIG", ""), "Path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&cfg.socketPath, "socket-path", envOrDefault("GITLAB_CRAWL_SOCKET_PATH", ""), "Control-plane socket path or host:port (overrides config file)")
	root.PersistentFlags().StringVar(&cfg.network, "network", envOrDefault("GITLAB_CRAWL_NETWORK", "unix"), "Transport for the control-plane socket: unix or tcp")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("GITLAB_CRAWL_DATA_DIR", ""), "Directory for persisted artifacts (overrides config file)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GITLAB_CRAWL_LOG_LEVEL", ""), "Log level: debug, info, warn, error")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gitlab-crawl-worker %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	crawlerCfg, err := config.LoadCrawler(cli.configPath)
	if err != nil {
		return fmt.Errorf("crawler: load config: %w", err)
	}
	if cli.socketPath != "" {
		crawlerCfg.SocketPath = cli.socketPath
	}
	if cli.dataDir != "" {
		crawlerCfg.DataDir = cli.dataDir
	}
	if cli.logLevel != "" {
		crawlerCfg.LogLevel = cli.logLevel
	}

	logger, err := logging.Build(crawlerCfg.LogLevel)
	if err != nil {
		return fmt.Errorf("crawler: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gitlab-crawl worker",
		zap.String("version", version),
		zap.String("socket_path", crawlerCfg.SocketPath),
		zap.String("network", cli.network),
		zap.String("data_dir", crawlerCfg.DataDir),
	)

	// --- 1. Local collaborators: anonymizer, storage, rate budget ---
	anonymizer := anonymize.New(crawlerCfg.AnonymizationSecret, crawlerCfg.LookupDBPath, crawlerCfg.LookupDBDisableIO, logger)
	defer func() {
		if err := anonymizer.Close(); err != nil {
			logger.Warn("crawler: anonymizer close error", zap.Error(err))
		}
	}()

	artifactStore := storage.New(crawlerCfg.DataDir, logger)

	rlCfg := ratelimit.Config{
		PerMinute: crawlerCfg.MaxRequestsPerMinute,
		PerHour:   crawlerCfg.MaxRequestsPerHour,
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	// --- 2. Client <-> Processor wiring ---
	//
	// client.Client needs a Handler at construction; task.Processor needs an
	// Emitter (which *client.Client satisfies) at construction. Neither can
	// exist before the other, so a small forwarding proxy breaks the cycle:
	// the client is built against the proxy, the processor is built against
	// the real client, and the proxy is pointed at the processor last.
	proxy := &handlerProxy{}

	var proc *task.Processor
	activeJobs := func() int {
		if proc == nil {
			return 0
		}
		return proc.ActiveJobs()
	}

	// totalProcessed has no running counter on the processor today — activeJobs
	// is a deliberate stand-in so the heartbeat field is never left at zero.
	collector := metrics.New(activeJobs, activeJobs, func() protocol.SystemStatus {
		if activeJobs() > 0 {
			return protocol.StatusProcessing
		}
		return protocol.StatusIdle
	})

	sock := client.New(client.Config{
		Network: cli.network,
		Address: crawlerCfg.SocketPath,
	}, proxy, activeJobs, collector.Collect, logger)

	proc = task.New(sock, httpClient, anonymizer, artifactStore, rlCfg, logger)
	proxy.set(proc)

	sock.Run(ctx)
	logger.Info("gitlab-crawl worker stopped")
	return nil
}

// handlerProxy forwards client.Handler calls to whatever task.Processor is
// installed via set, resolving the client/processor construction cycle.
type handlerProxy struct {
	h client.Handler
}

func (p *handlerProxy) set(h client.Handler) { p.h = h }

func (p *handlerProxy) HandleJobResponse(ctx context.Context, data protocol.JobResponseData) {
	if p.h != nil {
		p.h.HandleJobResponse(ctx, data)
	}
}

func (p *handlerProxy) HandleTokenRefreshResponse(ctx context.Context, jobID string, data protocol.TokenRefreshResponseData) {
	if p.h != nil {
		p.h.HandleTokenRefreshResponse(ctx, jobID, data)
	}
}

func (p *handlerProxy) HandleShutdown(ctx context.Context, reason string) {
	if p.h != nil {
		p.h.HandleShutdown(ctx, reason)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
