// Package config loads client and backend settings. Sources are applied in
// order: built-in defaults, an optional YAML file, a .env file, CHAT_*
// environment variables. Command flags are applied by the caller last.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/groupchat/internal/protocol"
)

// Config holds the client settings
type Config struct {
	BaseURL  string
	HubPath  string
	Username string
	Password string

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	InvokeTimeout    time.Duration
	ReconnectDelays  []time.Duration

	GroupPageSize   int
	HistoryPageSize int

	LogLevel  string
	LogPretty bool
}

// fileConfig mirrors Config with YAML friendly field types
type fileConfig struct {
	BaseURL          string   `yaml:"base_url"`
	HubPath          string   `yaml:"hub_path"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	RequestTimeout   string   `yaml:"request_timeout"`
	HandshakeTimeout string   `yaml:"handshake_timeout"`
	InvokeTimeout    string   `yaml:"invoke_timeout"`
	ReconnectDelays  []string `yaml:"reconnect_delays"`
	GroupPageSize    int      `yaml:"group_page_size"`
	HistoryPageSize  int      `yaml:"history_page_size"`
	LogLevel         string   `yaml:"log_level"`
	LogPretty        *bool    `yaml:"log_pretty"`
}

// Default returns the built-in settings. The reconnect schedule matches the
// usual automatic-reconnect policy of hub clients: immediately, then 2s,
// 10s and 30s before giving up.
func Default() Config {
	return Config{
		BaseURL:          "http://localhost:5176",
		HubPath:          protocol.PathHub,
		RequestTimeout:   15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		InvokeTimeout:    30 * time.Second,
		ReconnectDelays:  []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second},
		GroupPageSize:    20,
		HistoryPageSize:  20,
		LogLevel:         "info",
		LogPretty:        true,
	}
}

// Load builds the effective client config. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "failed to read config file")
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, errors.Wrap(err, "failed to parse config file")
		}
		if err := cfg.applyFile(fc); err != nil {
			return cfg, err
		}
	}

	_ = godotenv.Load(".env")
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyFile(fc fileConfig) error {
	setString(&c.BaseURL, fc.BaseURL)
	setString(&c.HubPath, fc.HubPath)
	setString(&c.Username, fc.Username)
	setString(&c.Password, fc.Password)
	setString(&c.LogLevel, fc.LogLevel)
	if fc.LogPretty != nil {
		c.LogPretty = *fc.LogPretty
	}
	if fc.GroupPageSize > 0 {
		c.GroupPageSize = fc.GroupPageSize
	}
	if fc.HistoryPageSize > 0 {
		c.HistoryPageSize = fc.HistoryPageSize
	}
	for name, dst := range map[string]struct {
		raw string
		out *time.Duration
	}{
		"request_timeout":   {fc.RequestTimeout, &c.RequestTimeout},
		"handshake_timeout": {fc.HandshakeTimeout, &c.HandshakeTimeout},
		"invoke_timeout":    {fc.InvokeTimeout, &c.InvokeTimeout},
	} {
		if err := setDuration(dst.out, dst.raw); err != nil {
			return errors.Wrapf(err, "config %s", name)
		}
	}
	if len(fc.ReconnectDelays) > 0 {
		delays, err := parseDurations(fc.ReconnectDelays)
		if err != nil {
			return errors.Wrap(err, "config reconnect_delays")
		}
		c.ReconnectDelays = delays
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.BaseURL, os.Getenv("CHAT_BASE_URL"))
	setString(&c.HubPath, os.Getenv("CHAT_HUB_PATH"))
	setString(&c.Username, os.Getenv("CHAT_USERNAME"))
	setString(&c.Password, os.Getenv("CHAT_PASSWORD"))
	setString(&c.LogLevel, os.Getenv("CHAT_LOG_LEVEL"))

	if v := strings.TrimSpace(os.Getenv("CHAT_LOG_PRETTY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "CHAT_LOG_PRETTY")
		}
		c.LogPretty = b
	}
	for name, dst := range map[string]*int{
		"CHAT_GROUP_PAGE_SIZE":   &c.GroupPageSize,
		"CHAT_HISTORY_PAGE_SIZE": &c.HistoryPageSize,
	} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Warn().Str("value", v).Msgf("[config] ignoring invalid %s", name)
			continue
		}
		*dst = n
	}
	for name, dst := range map[string]*time.Duration{
		"CHAT_REQUEST_TIMEOUT":   &c.RequestTimeout,
		"CHAT_HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"CHAT_INVOKE_TIMEOUT":    &c.InvokeTimeout,
	} {
		if err := setDuration(dst, os.Getenv(name)); err != nil {
			return errors.Wrap(err, name)
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_RECONNECT_DELAYS")); v != "" {
		delays, err := parseDurations(strings.Split(v, ","))
		if err != nil {
			return errors.Wrap(err, "CHAT_RECONNECT_DELAYS")
		}
		c.ReconnectDelays = delays
	}
	return nil
}

// Validate checks that the config can be used to reach a backend
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.Wrap(err, "invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf("base url must be http or https, got %q", c.BaseURL)
	}
	if c.HistoryPageSize <= 0 || c.GroupPageSize <= 0 {
		return errors.New("page sizes must be positive")
	}
	if c.HistoryPageSize > protocol.MaxPageLimit || c.GroupPageSize > protocol.MaxPageLimit {
		return errors.Newf("page sizes must not exceed %d", protocol.MaxPageLimit)
	}
	return nil
}

// HubURL derives the WebSocket URL of the hub from the base URL
func (c Config) HubURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid base url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.HubPath
	return u.String(), nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw = strings.TrimSpace(raw); raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func parseDurations(raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(raw))
	for _, r := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(r))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
