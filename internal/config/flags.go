package config

import (
	"github.com/spf13/pflag"
)

// RegisterFlags defines the overridable settings on fs. Values are only
// applied by ApplyFlags when the user set them.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", DefaultPath, "config file path (env RELAYDOC_CONFIG)")
	fs.String("env-file", DefaultEnvFile, ".env file to read")
	fs.String("base-url", "", "document API base URL")
	fs.String("socket-url", "", `sync socket URL ("off" disables live updates)`)
	fs.String("token", "", "access token")
	fs.String("refresh-token", "", "refresh token")
	fs.String("cache", "", "snapshot cache DSN (memory://, file://DIR, postgres://...)")
	fs.String("log-level", "", "debug|info|warn|error")
	fs.String("log-format", "", "text|json")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

// LoadWithFlags loads every source and then applies flags from fs.
func LoadWithFlags(fs *pflag.FlagSet, getenv func(string) string) (Config, error) {
	path, _ := fs.GetString("config")
	envFile, _ := fs.GetString("env-file")
	cfg, err := Load(LoadOptions{
		Path:    path,
		PathSet: fs.Changed("config"),
		EnvFile: envFile,
		Getenv:  getenv,
	})
	if err != nil {
		return Config{}, err
	}
	ApplyFlags(&cfg, fs)
	return cfg, cfg.Validate()
}

func ApplyFlags(cfg *Config, fs *pflag.FlagSet) {
	set := func(name string, dst *string) {
		if !fs.Changed(name) {
			return
		}
		if v, err := fs.GetString(name); err == nil {
			*dst = v
		}
	}
	set("base-url", &cfg.Server.BaseURL)
	set("socket-url", &cfg.Server.SocketURL)
	set("token", &cfg.Auth.AccessToken)
	set("refresh-token", &cfg.Auth.RefreshToken)
	set("cache", &cfg.Cache.DSN)
	set("log-level", &cfg.Logging.Level)
	set("log-format", &cfg.Logging.Format)
	set("metrics-addr", &cfg.Metrics.Addr)
}
