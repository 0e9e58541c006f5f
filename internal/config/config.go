package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP control-surface settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Config holds all runtime configuration for the daemon.
type Config struct {
	Server ServerConfig
	Log    LogConfig

	StateDir      string
	Mode          string
	PollInterval  time.Duration
	UseUTC        bool
	ShutdownGrace time.Duration
	WebhookURL    string
}

const (
	defaultAddr          = "0.0.0.0:7080"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultMode          = "http"
	defaultPollInterval  = time.Second
	defaultShutdownGrace = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// Parse builds the configuration. Priority: CLI flags > environment
// variables > .env file > defaults.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "govex", ".env"))
	}
	_ = godotenv.Load(envFiles...) // the file is optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("GOVEX_ADDR", defaultAddr),
			AuthToken: getEnvString("GOVEX_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("GOVEX_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("GOVEX_LOG_FORMAT", defaultLogFormat),
		},
		StateDir:      getEnvString("GOVEX_STATE_DIR", ""),
		Mode:          getEnvString("GOVEX_MODE", defaultMode),
		PollInterval:  getEnvDuration("GOVEX_POLL_INTERVAL", defaultPollInterval),
		UseUTC:        getEnvBool("GOVEX_USE_UTC", true),
		ShutdownGrace: getEnvDuration("GOVEX_SHUTDOWN_GRACE", defaultShutdownGrace),
		WebhookURL:    getEnvString("GOVEX_WEBHOOK_URL", ""),
	}

	var addr, logLevel, logFormat, stateDir, mode, webhookURL string
	var pollInterval, shutdownGrace time.Duration
	var useUTC bool

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory holding the entity database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "", "Log format (text or json)")
	flag.StringVar(&mode, "mode", "", "Control surface: http, mcp or both")
	flag.StringVar(&webhookURL, "webhook-url", "", "Webhook notified when executions fail")
	flag.DurationVar(&pollInterval, "poll-interval", 0, "Scheduler tick interval")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	flag.BoolVar(&useUTC, "use-utc", true, "Evaluate cron schedules in UTC instead of local time")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if webhookURL != "" {
		cfg.WebhookURL = webhookURL
	}
	if pollInterval > 0 {
		cfg.PollInterval = pollInterval
	}
	if shutdownGrace > 0 {
		cfg.ShutdownGrace = shutdownGrace
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "use-utc" {
			cfg.UseUTC = useUTC
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (want http, mcp or both)", cfg.Mode)
	}
	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "govex")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
