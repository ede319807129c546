// Package config loads the YAML settings file named in §6's configuration
// surface, applies environment variable overrides on top (the
// envOrDefault pattern from server/cmd/server/main.go), and can watch the
// control-plane file for changes via fsnotify. The control plane applies
// only send_failed_to_worker from a reload; every other value, and the
// worker's whole configuration, takes effect only on restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ControlPlane is the control-plane configuration surface (§6).
type ControlPlane struct {
	SocketPath         string        `yaml:"socket_path"`
	DBDriver           string        `yaml:"db_driver"`
	DBDSN              string        `yaml:"db_dsn"`
	MaxConnections     int           `yaml:"max_connections"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout"`
	MessageTimeout     time.Duration `yaml:"message_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	SendFailedToWorker bool          `yaml:"send_failed_to_worker"`
	AdminAddr          string        `yaml:"admin_addr"`
	LogLevel           string        `yaml:"log_level"`
	OAuthClientID      string        `yaml:"oauth_client_id"`
	OAuthClientSecret  string        `yaml:"oauth_client_secret"`
	OAuthIssuerURL     string        `yaml:"oauth_issuer_url"`
	// OperatorPasswordHash is an accountauth.Hash-formatted "salt:hash" pair
	// for the single local operator account. Empty disables the admin
	// surface's /login endpoint and leaves /jobs and /connections open,
	// since the login flow itself is out of scope.
	OperatorPasswordHash string `yaml:"operator_password_hash"`
}

// Crawler is the worker configuration surface (§6).
type Crawler struct {
	SocketPath           string `yaml:"socket_path"`
	DataDir              string `yaml:"data_dir"`
	AnonymizationSecret  string `yaml:"anonymization_secret"`
	LookupDBPath         string `yaml:"lookup_db_path"`
	LogLevel             string `yaml:"log_level"`
	LookupDBDisableIO    bool   `yaml:"lookup_db_disable_io"`
	MaxRequestsPerMinute int    `yaml:"max_requests_per_minute"`
	MaxRequestsPerHour   int    `yaml:"max_requests_per_hour"`
}

func controlPlaneDefaults() ControlPlane {
	return ControlPlane{
		SocketPath:        "/tmp/gitlab-crawl.sock",
		DBDriver:          "sqlite",
		DBDSN:             "./crawl.db",
		MaxConnections:    100,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		ConnectionTimeout: 120 * time.Second,
		MessageTimeout:    5 * time.Second,
		BufferSize:        1 << 20,
		CleanupInterval:   60 * time.Second,
		AdminAddr:         ":8090",
		LogLevel:          "info",
	}
}

func crawlerDefaults() Crawler {
	return Crawler{
		SocketPath:           "/tmp/gitlab-crawl.sock",
		DataDir:              "./data",
		LookupDBPath:         "./lookup.csv",
		LogLevel:             "info",
		MaxRequestsPerMinute: 300,
		MaxRequestsPerHour:   3000,
	}
}

// LoadControlPlane reads path as YAML into the control-plane defaults, then
// applies env var overrides. A missing path is not an error — defaults plus
// env overrides alone are a valid configuration, matching the teacher's
// flag/env-only style.
func LoadControlPlane(path string) (ControlPlane, error) {
	cfg := controlPlaneDefaults()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	applyControlPlaneEnv(&cfg)
	return cfg, nil
}

// LoadCrawler reads path as YAML into the worker defaults, then applies env
// var overrides.
func LoadCrawler(path string) (Crawler, error) {
	cfg := crawlerDefaults()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	applyCrawlerEnv(&cfg)
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyControlPlaneEnv(cfg *ControlPlane) {
	envString("GITLAB_CRAWL_SOCKET_PATH", &cfg.SocketPath)
	envString("GITLAB_CRAWL_DB_DRIVER", &cfg.DBDriver)
	envString("GITLAB_CRAWL_DB_DSN", &cfg.DBDSN)
	envInt("GITLAB_CRAWL_MAX_CONNECTIONS", &cfg.MaxConnections)
	envDuration("GITLAB_CRAWL_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	envDuration("GITLAB_CRAWL_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout)
	envDuration("GITLAB_CRAWL_CONNECTION_TIMEOUT", &cfg.ConnectionTimeout)
	envDuration("GITLAB_CRAWL_MESSAGE_TIMEOUT", &cfg.MessageTimeout)
	envInt("GITLAB_CRAWL_BUFFER_SIZE", &cfg.BufferSize)
	envDuration("GITLAB_CRAWL_CLEANUP_INTERVAL", &cfg.CleanupInterval)
	envBool("GITLAB_CRAWL_SEND_FAILED_TO_WORKER", &cfg.SendFailedToWorker)
	envString("GITLAB_CRAWL_ADMIN_ADDR", &cfg.AdminAddr)
	envString("GITLAB_CRAWL_LOG_LEVEL", &cfg.LogLevel)
	envString("GITLAB_CRAWL_OAUTH_CLIENT_ID", &cfg.OAuthClientID)
	envString("GITLAB_CRAWL_OAUTH_CLIENT_SECRET", &cfg.OAuthClientSecret)
	envString("GITLAB_CRAWL_OAUTH_ISSUER_URL", &cfg.OAuthIssuerURL)
	envString("GITLAB_CRAWL_OPERATOR_PASSWORD_HASH", &cfg.OperatorPasswordHash)
}

func applyCrawlerEnv(cfg *Crawler) {
	envString("GITLAB_CRAWL_SOCKET_PATH", &cfg.SocketPath)
	envString("GITLAB_CRAWL_DATA_DIR", &cfg.DataDir)
	envString("GITLAB_CRAWL_ANONYMIZATION_SECRET", &cfg.AnonymizationSecret)
	envString("GITLAB_CRAWL_LOOKUP_DB_PATH", &cfg.LookupDBPath)
	envString("GITLAB_CRAWL_LOG_LEVEL", &cfg.LogLevel)
	envBool("LOOKUP_DB_DISABLE_IO", &cfg.LookupDBDisableIO)
	envInt("GITLAB_CRAWL_MAX_REQUESTS_PER_MINUTE", &cfg.MaxRequestsPerMinute)
	envInt("GITLAB_CRAWL_MAX_REQUESTS_PER_HOUR", &cfg.MaxRequestsPerHour)
}

func envString(key string, out *string) {
	if v := os.Getenv(key); v != "" {
		*out = v
	}
}

func envInt(key string, out *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envBool(key string, out *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*out = b
		}
	}
}

func envDuration(key string, out *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*out = d
		}
	}
}

// WatchControlPlane reloads path on every write event and hands the parsed
// result to onChange. Parse errors are logged and otherwise ignored: a bad
// edit must not crash a running process, it just keeps the last good
// configuration (§1 "YAML settings loading with hot-reload"). Returns a
// stop function.
func WatchControlPlane(path string, logger *zap.Logger, onChange func(ControlPlane)) (stop func(), err error) {
	if path == "" {
		return func() {}, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadControlPlane(path)
				if err != nil {
					logger.Warn("config: reload failed, keeping previous configuration", zap.Error(err))
					continue
				}
				logger.Info("config: reloaded", zap.String("path", path))
				onChange(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warn("config: watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		fw.Close()
	}, nil
}
