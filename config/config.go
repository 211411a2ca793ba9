// Package config loads the container configuration from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mini-soa/protocol"
	"mini-soa/registry"
)

// Environment overrides, applied after the file.
const (
	EnvUseThreadPool  = "SOA_CONTAINER_USETHREADPOOL"
	EnvThreadPoolSize = "SOA_CONTAINER_THREADPOOL_SIZE"
	EnvEtcdEndpoints  = "SOA_ETCD_ENDPOINTS"
	EnvLogLevel       = "SOA_LOG_LEVEL"
)

type Config struct {
	Listen    string          `yaml:"listen"`
	Advertise string          `yaml:"advertise"` // published to etcd; defaults to Listen
	LogLevel  string          `yaml:"log_level"`
	Container ContainerConfig `yaml:"container"`
	Limits    LimitsConfig    `yaml:"limits"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Admin     AdminConfig     `yaml:"admin"`
}

type ContainerConfig struct {
	UseThreadPool  bool          `yaml:"use_thread_pool"`
	ThreadPoolSize int           `yaml:"thread_pool_size"` // 0 means 2 * NumCPU
	MaxFrameSize   int           `yaml:"max_frame_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// LimitsConfig configures the processor middleware. Zero values disable a limit.
type LimitsConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
}

// EtcdConfig enables registration and the live config center when Endpoints is set.
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	RegistryTTL int64    `yaml:"registry_ttl"`
}

type MetricsConfig struct {
	ReportInterval time.Duration `yaml:"report_interval"`
	SQLitePath     string        `yaml:"sqlite_path"` // empty: report to the log
}

type AdminConfig struct {
	Listen string `yaml:"listen"` // empty disables the admin endpoint
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   ":9090",
		LogLevel: "info",
		Container: ContainerConfig{
			UseThreadPool: true,
			MaxFrameSize:  protocol.DefaultMaxFrameSize,
			WriteTimeout:  5 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Etcd: EtcdConfig{
			Prefix:      registry.DefaultPrefix,
			RegistryTTL: 10,
		},
		Metrics: MetricsConfig{ReportInterval: time.Minute},
		Admin:   AdminConfig{Listen: "127.0.0.1:9091"},
	}
}

// Load reads path on top of Default, applies the environment and validates the result.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Advertise == "" {
		cfg.Advertise = cfg.Listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvUseThreadPool); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUseThreadPool, err)
		}
		c.Container.UseThreadPool = b
	}
	if v, ok := lookup(EnvThreadPoolSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvThreadPoolSize, err)
		}
		c.Container.ThreadPoolSize = n
	}
	if v, ok := lookup(EnvEtcdEndpoints); ok {
		c.Etcd.Endpoints = nil
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.Etcd.Endpoints = append(c.Etcd.Endpoints, ep)
			}
		}
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Container.ThreadPoolSize < 0 {
		errs = append(errs, fmt.Errorf("container.thread_pool_size must not be negative, got %d", c.Container.ThreadPoolSize))
	}
	if c.Container.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("container.max_frame_size must not be negative, got %d", c.Container.MaxFrameSize))
	}
	if c.Limits.RateLimit < 0 || c.Limits.RateBurst < 0 {
		errs = append(errs, errors.New("limits.rate_limit and limits.rate_burst must not be negative"))
	}
	if c.Limits.RateLimit > 0 && c.Limits.RateBurst == 0 {
		errs = append(errs, errors.New("limits.rate_burst is required with limits.rate_limit"))
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.Prefix == "" {
		errs = append(errs, errors.New("etcd.prefix is required with etcd.endpoints"))
	}
	if c.Metrics.ReportInterval <= 0 {
		errs = append(errs, errors.New("metrics.report_interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
