package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type GRPC struct {
	Addr        string `yaml:"addr"`
	CallTimeout string `yaml:"callTimeout"` // 10s
}

type HTTP struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	RequestTimeout  string   `yaml:"requestTimeout"`  // 30s
	ShutdownTimeout string   `yaml:"shutdownTimeout"` // 10s
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // collab-relay
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type RateLimits struct {
	MessagesPerMinute int `yaml:"messagesPerMinute"`
	CounterPerMinute  int `yaml:"counterPerMinute"`
	TypingPerMinute   int `yaml:"typingPerMinute"`
}

type Relay struct {
	EvictionGrace    string     `yaml:"evictionGrace"` // 5m
	TypingTimeout    string     `yaml:"typingTimeout"` // 3s
	SweepInterval    string     `yaml:"sweepInterval"` // 1m
	PingEvery        string     `yaml:"pingEvery"`     // 15s
	MaxContentLength int        `yaml:"maxContentLength"`
	SendBuffer       int        `yaml:"sendBuffer"`
	ReadLimit        int64      `yaml:"readLimit"`
	RateLimits       RateLimits `yaml:"rateLimits"`
}

type Config struct {
	HTTP    HTTP    `yaml:"http"`
	GRPC    GRPC    `yaml:"grpc"`
	Logging Logging `yaml:"logging"`
	Relay   Relay   `yaml:"relay"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Relay.MaxContentLength < 0 {
		return errors.New("relay.maxContentLength must not be negative")
	}
	for name, v := range map[string]string{
		"relay.evictionGrace":  c.Relay.EvictionGrace,
		"relay.typingTimeout":  c.Relay.TypingTimeout,
		"relay.sweepInterval":  c.Relay.SweepInterval,
		"relay.pingEvery":      c.Relay.PingEvery,
		"http.requestTimeout":  c.HTTP.RequestTimeout,
		"http.shutdownTimeout": c.HTTP.ShutdownTimeout,
		"grpc.callTimeout":     c.GRPC.CallTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}

	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "collab-relay"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Relay.RateLimits == (RateLimits{}) {
		c.Relay.RateLimits = RateLimits{MessagesPerMinute: 10, CounterPerMinute: 30, TypingPerMinute: 60}
	}
	return nil
}

func (r Relay) EvictionGraceOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.EvictionGrace)
}

func (r Relay) TypingTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.TypingTimeout)
}

func (r Relay) SweepIntervalOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.SweepInterval)
}

func (r Relay) PingEveryOr(def time.Duration) time.Duration {
	return parseDurationOr(def, r.PingEvery)
}

func (h HTTP) RequestTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, h.RequestTimeout)
}

func (h HTTP) ShutdownTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, h.ShutdownTimeout)
}

func (g GRPC) CallTimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(def, g.CallTimeout)
}

// helper для парсинга timeout-ов
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
