package linkring

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// AllowOrigin is echoed in Access-Control-Allow-Origin when set.
		AllowOrigin string `yaml:"allowOrigin"`
	} `yaml:"server"`

	Upstream struct {
		BaseURL string `yaml:"baseURL"`
		Timeout string `yaml:"timeout"`
		MaxBody string `yaml:"maxBody"`
	} `yaml:"upstream"`

	Cache struct {
		TTL string `yaml:"ttl"`
		Max int    `yaml:"max"`
	} `yaml:"cache"`

	Credentials struct {
		Path   string `yaml:"path"`
		APIKey string `yaml:"apiKey"`
	} `yaml:"credentials"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	timeoutDur    time.Duration
	maxBodyBytes  int64
	ttlDur        time.Duration
	statsEveryDur time.Duration
}

// LoadConfig reads path (a missing file means all defaults), applies env
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("LINKRING_API_KEY")); v != "" {
		cfg.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("LINKRING_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("LINKRING_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", cfg.Server.Port)
	}

	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = DefaultBaseURL
	}
	if cfg.Upstream.Timeout != "" {
		d, err := time.ParseDuration(cfg.Upstream.Timeout)
		if err != nil {
			return fmt.Errorf("upstream.timeout: %w", err)
		}
		cfg.timeoutDur = d
	}
	if cfg.Upstream.MaxBody == "" {
		cfg.Upstream.MaxBody = "2mb"
	}
	n, err := parseBytes(cfg.Upstream.MaxBody)
	if err != nil {
		return fmt.Errorf("upstream.maxBody: %w", err)
	}
	cfg.maxBodyBytes = n

	if cfg.Cache.TTL == "" {
		cfg.Cache.TTL = DefaultCacheTTL.String()
	}
	d, err := time.ParseDuration(cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("cache.ttl: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("cache.ttl: must be positive")
	}
	cfg.ttlDur = d
	if cfg.Cache.Max == 0 {
		cfg.Cache.Max = DefaultCacheMax
	}
	if cfg.Cache.Max < 0 {
		return fmt.Errorf("cache.max: must be positive")
	}

	if cfg.Credentials.Path == "" {
		cfg.Credentials.Path = "./data/settings"
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.statsEveryDur = d
	}
	return nil
}

func (cfg Config) ClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.timeoutDur,
		MaxBody: cfg.maxBodyBytes,
	}
}

func (cfg Config) CoordinatorOptions() []Option {
	return []Option{
		WithCache(cfg.ttlDur, cfg.Cache.Max),
		WithStatsEvery(cfg.statsEveryDur),
	}
}
