// Package config loads daemon settings from a YAML file with AGSYS_SYNC_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: AGSYS_SYNC_BACKEND_TOKEN
// overrides backend.token.
const EnvPrefix = "AGSYS_SYNC"

type Controller struct {
	ID string
}

type Backend struct {
	BaseURL      string
	WebSocketURL string
	Token        string
	HTTPTimeout  time.Duration
}

type Database struct {
	Path string
}

type Roster struct {
	Path  string
	Watch bool
}

type Sync struct {
	Interval           time.Duration
	CommandBatch       int
	TelemetryBatch     int
	Retention          time.Duration
	TelemetryRetention time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	DispatchTimeout    time.Duration
	RetryDelay         time.Duration
}

type Network struct {
	Probe    string // http or grpc
	ProbeURL string
	GRPCAddr string
	GRPCTLS  bool
	Interval time.Duration
	Timeout  time.Duration
}

type Metrics struct {
	Listen string
}

type Logging struct {
	Level   string
	File    string
	Console bool
}

type Shutdown struct {
	AdapterTimeout time.Duration
}

// Config is the complete daemon configuration
type Config struct {
	Controller Controller
	Backend    Backend
	Database   Database
	Roster     Roster
	Sync       Sync
	Network    Network
	Metrics    Metrics
	Logging    Logging
	Shutdown   Shutdown
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.http_timeout", 30*time.Second)
	v.SetDefault("database.path", "/var/lib/agsys/sync.db")
	v.SetDefault("roster.path", "/etc/agsys/devices.yaml")
	v.SetDefault("roster.watch", true)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.command_batch", 50)
	v.SetDefault("sync.telemetry_batch", 100)
	v.SetDefault("sync.retention", 7*24*time.Hour)
	v.SetDefault("sync.telemetry_retention", 30*24*time.Hour)
	v.SetDefault("sync.initial_backoff", 30*time.Second)
	v.SetDefault("sync.max_backoff", 15*time.Minute)
	v.SetDefault("sync.dispatch_timeout", 30*time.Second)
	v.SetDefault("sync.retry_delay", time.Duration(0))
	v.SetDefault("network.probe", "http")
	v.SetDefault("network.interval", 10*time.Second)
	v.SetDefault("network.timeout", 5*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("shutdown.adapter_timeout", 5*time.Second)
}

// Load reads path (optional) and the environment
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about
	for _, key := range []string{
		"controller.id", "backend.base_url", "backend.websocket_url", "backend.token",
		"network.probe_url", "network.grpc_addr", "network.grpc_tls",
		"metrics.listen", "logging.file", "logging.console",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Controller: Controller{ID: v.GetString("controller.id")},
		Backend: Backend{
			BaseURL:      v.GetString("backend.base_url"),
			WebSocketURL: v.GetString("backend.websocket_url"),
			Token:        v.GetString("backend.token"),
			HTTPTimeout:  v.GetDuration("backend.http_timeout"),
		},
		Database: Database{Path: v.GetString("database.path")},
		Roster: Roster{
			Path:  v.GetString("roster.path"),
			Watch: v.GetBool("roster.watch"),
		},
		Sync: Sync{
			Interval:           v.GetDuration("sync.interval"),
			CommandBatch:       v.GetInt("sync.command_batch"),
			TelemetryBatch:     v.GetInt("sync.telemetry_batch"),
			Retention:          v.GetDuration("sync.retention"),
			TelemetryRetention: v.GetDuration("sync.telemetry_retention"),
			InitialBackoff:     v.GetDuration("sync.initial_backoff"),
			MaxBackoff:         v.GetDuration("sync.max_backoff"),
			DispatchTimeout:    v.GetDuration("sync.dispatch_timeout"),
			RetryDelay:         v.GetDuration("sync.retry_delay"),
		},
		Network: Network{
			Probe:    strings.ToLower(v.GetString("network.probe")),
			ProbeURL: v.GetString("network.probe_url"),
			GRPCAddr: v.GetString("network.grpc_addr"),
			GRPCTLS:  v.GetBool("network.grpc_tls"),
			Interval: v.GetDuration("network.interval"),
			Timeout:  v.GetDuration("network.timeout"),
		},
		Metrics: Metrics{Listen: v.GetString("metrics.listen")},
		Logging: Logging{
			Level:   v.GetString("logging.level"),
			File:    v.GetString("logging.file"),
			Console: v.GetBool("logging.console"),
		},
		Shutdown: Shutdown{AdapterTimeout: v.GetDuration("shutdown.adapter_timeout")},
	}
	return cfg, nil
}

// Validate checks what the daemon needs to start
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Roster.Path == "" {
		errs = append(errs, errors.New("roster.path is required"))
	}
	switch c.Network.Probe {
	case "http":
		if c.Network.ProbeURL == "" && c.Backend.BaseURL == "" {
			errs = append(errs, errors.New("network.probe_url is required"))
		}
	case "grpc":
		if c.Network.GRPCAddr == "" {
			errs = append(errs, errors.New("network.grpc_addr is required for the grpc probe"))
		}
	default:
		errs = append(errs, fmt.Errorf("network.probe: unknown probe %q", c.Network.Probe))
	}
	if c.Sync.CommandBatch <= 0 || c.Sync.TelemetryBatch <= 0 {
		errs = append(errs, errors.New("sync batch sizes must be positive"))
	}
	return errors.Join(errs...)
}
