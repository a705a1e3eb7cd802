package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"espota/pkg/telemetry"
)

// Load reads the configuration from the environment. Flags bound with
// BindFlags override these values.
func Load() (Config, error) {
	cfg := Config{}

	cfg.HTTP.Port = getEnvInt("PORT", 54321)
	requestTimeout, err := getEnvDuration("HTTP_REQUEST_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.RequestTimeout = requestTimeout
	cfg.HTTP.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", 32<<20))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.ToStdout = getEnvBool("LOG_TO_STDOUT", false)
	cfg.Log.Dir = getEnv("LOG_DIR", "logs")

	cfg.Devices.Path = getEnv("CONFIG_DIR", "config.yaml")
	cfg.Devices.Watch = getEnvBool("CONFIG_WATCH", true)
	poll, err := getEnvDuration("CONFIG_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.Devices.PollInterval = poll

	cfg.Store.UploadPath = getEnv("UPLOAD_PATH", "files")
	cfg.Store.AliasMode = strings.ToLower(getEnv("ALIAS_MODE", AliasModeAuto))
	cfg.Store.NormalizeUploadIDs = getEnvBool("NORMALIZE_UPLOAD_IDS", false)
	hashTTL, err := getEnvDuration("HASH_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.Store.HashCacheTTL = hashTTL

	cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	cfg.GitHub.APIURL = os.Getenv("GITHUB_API_URL")
	ghTimeout, err := getEnvDuration("GITHUB_TIMEOUT", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.GitHub.Timeout = ghTimeout

	cfg.TFTP.Enabled = getEnvBool("TFTP_ENABLED", false)
	cfg.TFTP.Address = getEnv("TFTP_ADDRESS", ":69")
	cfg.TFTP.TimeoutSec = getEnvInt("TFTP_TIMEOUT", 5)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, nil
}

// BindFlags registers command-line overrides on cmd. The current values of c
// are the flag defaults.
func (c *Config) BindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&c.Devices.Path, "config", "c", c.Devices.Path, "Device config YAML file or directory")
	flags.StringVarP(&c.GitHub.Token, "github-token", "g", c.GitHub.Token, "GitHub access token")
	flags.StringVarP(&c.Log.Level, "log-level", "l", c.Log.Level, "Log level: debug, info, warn or error")
	flags.BoolVarP(&c.Log.ToStdout, "log-to-stdout", "s", c.Log.ToStdout, "Log to stdout only instead of stderr and a daily file")
	flags.IntVarP(&c.HTTP.Port, "port", "p", c.HTTP.Port, "HTTP listen port")
	flags.StringVarP(&c.Store.UploadPath, "upload-path", "u", c.Store.UploadPath, "Firmware upload root")
	flags.StringVar(&c.Store.AliasMode, "alias-mode", c.Store.AliasMode, "Alias implementation: auto, symlink or table")
	flags.BoolVar(&c.Store.NormalizeUploadIDs, "normalize-upload-ids", c.Store.NormalizeUploadIDs, "Strip ':' from uploaded device ids")
	flags.BoolVar(&c.Devices.Watch, "watch-config", c.Devices.Watch, "Reload the device config when it changes")
	flags.BoolVar(&c.TFTP.Enabled, "tftp", c.TFTP.Enabled, "Serve firmware over TFTP")
}

// Validate checks values that cannot be repaired with a default.
func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("port %d is outside the valid range 1-65535", c.HTTP.Port)
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Store.AliasMode {
	case AliasModeAuto, AliasModeSymlink, AliasModeTable:
	default:
		return fmt.Errorf("invalid ALIAS_MODE %q: want auto, symlink or table", c.Store.AliasMode)
	}
	if strings.TrimSpace(c.Store.UploadPath) == "" {
		return fmt.Errorf("upload path is required")
	}
	if strings.TrimSpace(c.Devices.Path) == "" {
		return fmt.Errorf("device config path is required")
	}
	if c.Devices.Watch && c.Devices.PollInterval <= 0 {
		return fmt.Errorf("CONFIG_POLL_INTERVAL must be positive")
	}
	if c.TFTP.Enabled && c.TFTP.TimeoutSec <= 0 {
		return fmt.Errorf("TFTP_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
