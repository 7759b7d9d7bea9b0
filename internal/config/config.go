// Package config resolves relaydoc-edit settings. Sources are applied in
// order, later ones winning: built-in defaults, a YAML file, a .env file,
// RELAYDOC_* environment variables, then explicitly set command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaydoc/internal/docsync"
)

const (
	DefaultPath    = "relaydoc.yaml"
	DefaultEnvFile = ".env"
	DefaultBaseURL = "http://localhost:8080"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Sync    SyncConfig    `yaml:"sync"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
	// SocketURL defaults to the /ws endpoint of BaseURL. "off" disables
	// live updates.
	SocketURL string `yaml:"socket_url"`
}

type AuthConfig struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

type SyncConfig struct {
	ContentQuiet      Duration `yaml:"content_quiet"`
	TitleQuiet        Duration `yaml:"title_quiet"`
	ReconnectInterval Duration `yaml:"reconnect_interval"`
	SavedDisplay      Duration `yaml:"saved_display"`
	SaveTimeout       Duration `yaml:"save_timeout"`
}

type CacheConfig struct {
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{BaseURL: DefaultBaseURL},
		Sync: SyncConfig{
			ContentQuiet:      Duration(docsync.DefaultContentQuiet),
			TitleQuiet:        Duration(docsync.DefaultTitleQuiet),
			ReconnectInterval: Duration(docsync.DefaultReconnectInterval),
			SavedDisplay:      Duration(docsync.DefaultSavedDisplay),
			SaveTimeout:       Duration(docsync.DefaultSaveTimeout),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

type LoadOptions struct {
	// Path is the YAML file. A missing file is only an error when the path
	// came from a flag (PathSet) or RELAYDOC_CONFIG.
	Path    string
	PathSet bool
	EnvFile string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Load builds the effective configuration from every source except flags.
func Load(opts LoadOptions) (Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Defaults()

	path := ResolvePath(opts.Path, opts.PathSet, getenv)
	explicit := opts.PathSet || getenv("RELAYDOC_CONFIG") != ""
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			if !errors.Is(err, os.ErrNotExist) || explicit {
				return Config{}, err
			}
		}
	}

	lookup := getenv
	if opts.EnvFile != "" {
		dotenv, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", opts.EnvFile, err)
		}
		// process environment wins over .env
		lookup = func(key string) string {
			if v := getenv(key); v != "" {
				return v
			}
			return dotenv[key]
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolvePath picks the config file: an explicit flag wins over
// RELAYDOC_CONFIG, which wins over the default.
func ResolvePath(flagPath string, flagSet bool, getenv func(string) string) string {
	if flagSet {
		return flagPath
	}
	if p := getenv("RELAYDOC_CONFIG"); p != "" {
		return p
	}
	if flagPath != "" {
		return flagPath
	}
	return DefaultPath
}

func loadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"RELAYDOC_BASE_URL", &cfg.Server.BaseURL},
		{"RELAYDOC_SOCKET_URL", &cfg.Server.SocketURL},
		{"RELAYDOC_ACCESS_TOKEN", &cfg.Auth.AccessToken},
		{"RELAYDOC_REFRESH_TOKEN", &cfg.Auth.RefreshToken},
		{"RELAYDOC_CACHE_DSN", &cfg.Cache.DSN},
		{"RELAYDOC_LOG_LEVEL", &cfg.Logging.Level},
		{"RELAYDOC_LOG_FORMAT", &cfg.Logging.Format},
		{"RELAYDOC_METRICS_ADDR", &cfg.Metrics.Addr},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(getenv(s.key)); v != "" {
			*s.dst = v
		}
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"RELAYDOC_CONTENT_QUIET", &cfg.Sync.ContentQuiet},
		{"RELAYDOC_TITLE_QUIET", &cfg.Sync.TitleQuiet},
		{"RELAYDOC_RECONNECT_INTERVAL", &cfg.Sync.ReconnectInterval},
		{"RELAYDOC_SAVED_DISPLAY", &cfg.Sync.SavedDisplay},
		{"RELAYDOC_SAVE_TIMEOUT", &cfg.Sync.SaveTimeout},
	}
	for _, d := range durations {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server.base_url must be an http(s) URL, got %q", c.Server.BaseURL)
	}
	if c.Sync.ContentQuiet <= 0 || c.Sync.TitleQuiet <= 0 {
		return errors.New("sync quiet periods must be positive")
	}
	if c.Sync.ReconnectInterval <= 0 {
		return errors.New("sync.reconnect_interval must be positive")
	}
	return nil
}

// SocketURL returns the sync endpoint, or "" when live updates are off.
func (c Config) SocketURL() string {
	switch s := strings.TrimSpace(c.Server.SocketURL); {
	case strings.EqualFold(s, "off"):
		return ""
	case s != "":
		return s
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}
