package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/metorial/prankhub/internal/models"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	envPrefix = "PRANKHUB"
)

type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Hub      HubConfig      `mapstructure:"hub"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Presence PresenceConfig `mapstructure:"presence"`
	Health   HealthConfig   `mapstructure:"health"`
	Log      LogConfig      `mapstructure:"log"`
}

type BackendConfig struct {
	Driver       string        `mapstructure:"driver"`
	URL          string        `mapstructure:"url"`
	Key          string        `mapstructure:"key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type HubConfig struct {
	FriendlyName         string        `mapstructure:"friendly_name"`
	Mode                 string        `mapstructure:"mode"`
	Root                 string        `mapstructure:"root"`
	ScriptsDir           string        `mapstructure:"scripts_dir"`
	AssetsDir            string        `mapstructure:"assets_dir"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	DrainTimeout         time.Duration `mapstructure:"drain_timeout"`
}

type ExecutorConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	SuccessWords   []string      `mapstructure:"success_words"`
	ErrorWords     []string      `mapstructure:"error_words"`
	Python         string        `mapstructure:"python"`
	UV             string        `mapstructure:"uv"`
	PowerShell     string        `mapstructure:"powershell"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
}

type PresenceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ConsulAddr string        `mapstructure:"consul_addr"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (or prankhub.yaml in the usual places
// when path is empty) with PRANKHUB_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional variable names used by other tooling.
	if err := v.BindEnv("backend.url", envPrefix+"_BACKEND_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}
	if err := v.BindEnv("presence.consul_addr", envPrefix+"_PRESENCE_CONSUL_ADDR", "CONSUL_HTTP_ADDR"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("prankhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".prankhub"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.applyDerived(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.driver", "")
	v.SetDefault("backend.url", "prankhub.db")
	v.SetDefault("backend.key", "")
	v.SetDefault("backend.poll_interval", 250*time.Millisecond)

	v.SetDefault("hub.friendly_name", "")
	v.SetDefault("hub.mode", models.ModeShared)
	v.SetDefault("hub.root", "")
	v.SetDefault("hub.scripts_dir", "")
	v.SetDefault("hub.assets_dir", "")
	v.SetDefault("hub.heartbeat_interval", 30*time.Second)
	v.SetDefault("hub.max_reconnect_attempts", 10)
	v.SetDefault("hub.max_backoff", 60*time.Second)
	v.SetDefault("hub.drain_timeout", 5*time.Second)

	v.SetDefault("executor.timeout", 30*time.Second)
	v.SetDefault("executor.success_words", []string{"success", "completed", "done"})
	v.SetDefault("executor.error_words", []string{"error", "failed", "exception"})
	v.SetDefault("executor.python", defaultPython())
	v.SetDefault("executor.uv", "uv")
	v.SetDefault("executor.powershell", "powershell")
	v.SetDefault("executor.install_timeout", 120*time.Second)

	v.SetDefault("presence.enabled", false)
	v.SetDefault("presence.consul_addr", "127.0.0.1:8500")
	v.SetDefault("presence.ttl", time.Duration(0))

	v.SetDefault("health.addr", "127.0.0.1:9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func defaultPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func (c *Config) applyDerived() error {
	if c.Backend.Driver == "" {
		c.Backend.Driver = DriverFromURL(c.Backend.URL)
	}

	if c.Hub.FriendlyName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "prank-hub"
		}
		c.Hub.FriendlyName = hostname
	}

	if c.Hub.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		c.Hub.Root = wd
	}
	if c.Hub.ScriptsDir == "" {
		c.Hub.ScriptsDir = filepath.Join(c.Hub.Root, "scripts")
	}
	if c.Hub.AssetsDir == "" {
		c.Hub.AssetsDir = filepath.Join(c.Hub.Root, "assets")
	}

	if c.Presence.TTL <= 0 {
		c.Presence.TTL = 3 * c.Hub.HeartbeatInterval
	}

	return nil
}

// DriverFromURL guesses the backend driver from a connection URL.
func DriverFromURL(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

func (c *Config) Validate() error {
	switch c.Backend.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown backend driver %q", c.Backend.Driver)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if !models.ValidMode(c.Hub.Mode) {
		return fmt.Errorf("unknown hub mode %q", c.Hub.Mode)
	}
	if c.Hub.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Hub.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max reconnect attempts must be at least 1")
	}
	if c.Hub.MaxBackoff <= 0 {
		return fmt.Errorf("max backoff must be positive")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor timeout must be positive")
	}
	if len(c.Executor.SuccessWords) == 0 {
		return fmt.Errorf("at least one success word is required")
	}
	if c.Backend.Driver == DriverSQLite && c.Backend.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}
