// Package config loads warden configuration from config.yaml under the
// warden home directory, with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrel/warden/internal/otel"
)

type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
}

type SchedulerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	// TickSeconds is the safety-net dispatch interval; mutation handlers
	// trigger dispatch directly and the tick covers missed triggers.
	TickSeconds int `yaml:"tick_seconds"`
}

type TasksConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

type SweepConfig struct {
	Cadence       string `yaml:"cadence"` // 5-field cron expression
	WindowMinutes int    `yaml:"window_minutes"`
}

type ZombieConfig struct {
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Zombie    ZombieConfig    `yaml:"zombie"`
	Notify    NotifyConfig    `yaml:"notify"`
	OTel      otel.Config     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18999",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 6,
			TickSeconds:   30,
		},
		Tasks: TasksConfig{
			DefaultTimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
		Sweep: SweepConfig{
			Cadence:       "*/2 * * * *",
			WindowMinutes: 5,
		},
		Zombie: ZombieConfig{
			ScanIntervalSeconds: 60,
		},
		OTel: otel.Config{
			Exporter: "none",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Reload re-reads config.yaml for hot-reloadable settings. The caller decides
// which fields take effect without a restart.
func Reload(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	data, err := os.ReadFile(filepath.Join(homeDir, "config.yaml"))
	if err != nil {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WARDEN_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("WARDEN_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("WARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WARDEN_MAX_CONCURRENT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Scheduler.MaxConcurrent = n
		}
	}
	if raw := os.Getenv("WARDEN_TASK_TIMEOUT_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Tasks.DefaultTimeoutSeconds = n
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
		cfg.Notify.Telegram.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = id
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18999"
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 6
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 30
	}
	if cfg.Tasks.DefaultTimeoutSeconds <= 0 {
		cfg.Tasks.DefaultTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Sweep.Cadence == "" {
		cfg.Sweep.Cadence = "*/2 * * * *"
	}
	if cfg.Sweep.WindowMinutes <= 0 {
		cfg.Sweep.WindowMinutes = 5
	}
	if cfg.Zombie.ScanIntervalSeconds <= 0 {
		cfg.Zombie.ScanIntervalSeconds = 60
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
}
