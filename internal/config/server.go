package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the resolved HTTP server configuration.
type ServerConfig struct {
	Addr                  string
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	IdleTimeout           time.Duration
	ShutdownTimeout       time.Duration
	CORSOrigins           []string
	RegisterRatePerMinute float64
	RegisterBurst         int
}

// fileConfig mirrors config.yaml. Durations are Go duration strings.
type fileConfig struct {
	Server struct {
		Addr                  string   `yaml:"addr"`
		ReadTimeout           string   `yaml:"read_timeout"`
		WriteTimeout          string   `yaml:"write_timeout"`
		IdleTimeout           string   `yaml:"idle_timeout"`
		ShutdownTimeout       string   `yaml:"shutdown_timeout"`
		CORSOrigins           []string `yaml:"cors_origins"`
		RegisterRatePerMinute *float64 `yaml:"register_rate_per_minute"`
		RegisterBurst         *int     `yaml:"register_burst"`
	} `yaml:"server"`
}

// DefaultServerConfig returns the settings used when nothing overrides them.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                  ":3000",
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		IdleTimeout:           60 * time.Second,
		ShutdownTimeout:       10 * time.Second,
		CORSOrigins:           []string{"*"},
		RegisterRatePerMinute: 10,
		RegisterBurst:         5,
	}
}

// LoadServerConfig layers defaults, the YAML file at path (optional) and the
// PORT and CORS_ORIGINS environment variables, in that order.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		default:
			if err := applyFile(&cfg, data); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Addr = ":" + port
	}
	if origins := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	return cfg, nil
}

func applyFile(cfg *ServerConfig, data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	s := fc.Server

	if s.Addr != "" {
		cfg.Addr = s.Addr
	}
	durations := []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{s.ReadTimeout, &cfg.ReadTimeout, "read_timeout"},
		{s.WriteTimeout, &cfg.WriteTimeout, "write_timeout"},
		{s.IdleTimeout, &cfg.IdleTimeout, "idle_timeout"},
		{s.ShutdownTimeout, &cfg.ShutdownTimeout, "shutdown_timeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("server.%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if len(s.CORSOrigins) > 0 {
		cfg.CORSOrigins = s.CORSOrigins
	}
	if s.RegisterRatePerMinute != nil {
		cfg.RegisterRatePerMinute = *s.RegisterRatePerMinute
	}
	if s.RegisterBurst != nil {
		cfg.RegisterBurst = *s.RegisterBurst
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
