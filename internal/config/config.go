// Package config loads the client configuration from config.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	// APIBase is the backend root, e.g. "https://tb.example.dev".
	APIBase string `json:"api_base"`
	// UserID addresses the per-user event stream.
	UserID string `json:"user_id"`
	// Token is the bearer credential. TBWATCH_TOKEN overrides it.
	Token string `json:"token"`
	// StreamURL overrides the stream endpoint; defaults to
	// {api_base}/stream?user_id={user_id}. ws:// and wss:// URLs select the
	// websocket transport.
	StreamURL string `json:"stream_url"`
	// RedisURL enables attach discovery of already-running tasks.
	RedisURL string `json:"redis_url"`

	LaunchTimeoutSeconds int `json:"launch_timeout_seconds"`
	ScrollbackLines      int `json:"scrollback_lines"`
	ScrollbackBytes      int `json:"scrollback_bytes"`
	MaxViewersPerTask    int `json:"max_viewers_per_task"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
	RunMaxAgeHours       int `json:"run_max_age_hours"`

	// LogFile receives the client log; empty disables file logging.
	LogFile string `json:"log_file"`
}

const (
	defaultLaunchTimeoutSeconds = 30
	defaultScrollbackLines      = 2000
	defaultScrollbackBytes      = 1 << 20
	defaultMaxViewersPerTask    = 10
	defaultSweepIntervalMinutes = 60
	defaultRunMaxAgeHours       = 24
)

func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = "config.json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%s not found (hint: copy config.example.json and fill in api_base, user_id and token): %w", strings.TrimSpace(path), err)
		}
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TBWATCH_TOKEN")); v != "" {
		c.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TBWATCH_API_BASE")); v != "" {
		c.APIBase = v
	}
}

func (c *Config) applyDefaults() {
	if c.LaunchTimeoutSeconds <= 0 {
		c.LaunchTimeoutSeconds = defaultLaunchTimeoutSeconds
	}
	if c.ScrollbackLines <= 0 {
		c.ScrollbackLines = defaultScrollbackLines
	}
	if c.ScrollbackBytes <= 0 {
		c.ScrollbackBytes = defaultScrollbackBytes
	}
	if c.MaxViewersPerTask <= 0 {
		c.MaxViewersPerTask = defaultMaxViewersPerTask
	}
	if c.SweepIntervalMinutes <= 0 {
		c.SweepIntervalMinutes = defaultSweepIntervalMinutes
	}
	if c.RunMaxAgeHours <= 0 {
		c.RunMaxAgeHours = defaultRunMaxAgeHours
	}
}

func (c Config) Validate() error {
	base := strings.TrimSpace(c.APIBase)
	if base == "" {
		return errors.New("api_base is required")
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_base %q is not an absolute URL", base)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// ResolvedStreamURL is the endpoint the stream manager connects to.
func (c Config) ResolvedStreamURL() string {
	if s := strings.TrimSpace(c.StreamURL); s != "" {
		return s
	}
	return strings.TrimRight(strings.TrimSpace(c.APIBase), "/") + "/stream?user_id=" + url.QueryEscape(strings.TrimSpace(c.UserID))
}

func (c Config) LaunchTimeout() time.Duration {
	return time.Duration(c.LaunchTimeoutSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c Config) RunMaxAge() time.Duration {
	return time.Duration(c.RunMaxAgeHours) * time.Hour
}
