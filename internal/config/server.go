package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// ServerConfig holds the settings of the reference backend
type ServerConfig struct {
	Addr     string
	DataDir  string // empty keeps history in memory
	SeedPath string // empty uses the built-in seed

	SignInRPS   float64
	SignInBurst int

	MaxPayloadBytes int64
	MaxFrameBytes   int64

	LogLevel  string
	LogPretty bool
}

type serverFileConfig struct {
	Addr        string  `yaml:"addr"`
	DataDir     string  `yaml:"data_dir"`
	SeedPath    string  `yaml:"seed_path"`
	SignInRPS   float64 `yaml:"signin_rps"`
	SignInBurst int     `yaml:"signin_burst"`
	MaxPayload  string  `yaml:"max_payload"`
	MaxFrame    string  `yaml:"max_frame"`
	LogLevel    string  `yaml:"log_level"`
	LogPretty   *bool   `yaml:"log_pretty"`
}

// DefaultServer returns the built-in backend settings
func DefaultServer() ServerConfig {
	return ServerConfig{
		Addr:            ":5176",
		SignInRPS:       1,
		SignInBurst:     5,
		MaxPayloadBytes: 10 << 20,
		MaxFrameBytes:   12 << 20,
		LogLevel:        "info",
		LogPretty:       true,
	}
}

// LoadServer builds the effective backend config. path may be empty.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "failed to read config file")
		}
		var fc serverFileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, errors.Wrap(err, "failed to parse config file")
		}
		setString(&cfg.Addr, fc.Addr)
		setString(&cfg.DataDir, fc.DataDir)
		setString(&cfg.SeedPath, fc.SeedPath)
		setString(&cfg.LogLevel, fc.LogLevel)
		if fc.LogPretty != nil {
			cfg.LogPretty = *fc.LogPretty
		}
		if fc.SignInRPS > 0 {
			cfg.SignInRPS = fc.SignInRPS
		}
		if fc.SignInBurst > 0 {
			cfg.SignInBurst = fc.SignInBurst
		}
		if err := setBytes(&cfg.MaxPayloadBytes, fc.MaxPayload); err != nil {
			return cfg, errors.Wrap(err, "config max_payload")
		}
		if err := setBytes(&cfg.MaxFrameBytes, fc.MaxFrame); err != nil {
			return cfg, errors.Wrap(err, "config max_frame")
		}
	}

	_ = godotenv.Load(".env")
	setString(&cfg.Addr, os.Getenv("CHATD_ADDR"))
	setString(&cfg.DataDir, os.Getenv("CHATD_DATA_DIR"))
	setString(&cfg.SeedPath, os.Getenv("CHATD_SEED"))
	setString(&cfg.LogLevel, os.Getenv("CHATD_LOG_LEVEL"))
	if v := strings.TrimSpace(os.Getenv("CHATD_SIGNIN_RPS")); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, errors.Wrap(err, "CHATD_SIGNIN_RPS")
		}
		cfg.SignInRPS = rps
	}
	if err := setBytes(&cfg.MaxPayloadBytes, os.Getenv("CHATD_MAX_PAYLOAD")); err != nil {
		return cfg, errors.Wrap(err, "CHATD_MAX_PAYLOAD")
	}

	if cfg.MaxFrameBytes < cfg.MaxPayloadBytes {
		cfg.MaxFrameBytes = cfg.MaxPayloadBytes + 1<<20
	}
	return cfg, nil
}

func setBytes(dst *int64, raw string) error {
	if raw = strings.TrimSpace(raw); raw == "" {
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return err
	}
	*dst = int64(n)
	return nil
}
