// Package config handles configuration resolution for the wsquic server.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Mode selects which wire dispatcher an accepted connection is routed to.
type Mode string

const (
	ModeNative Mode = "native"
	ModeHTTP3  Mode = "http3"
)

// ServerConfig holds all configuration for the wsquic server.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	ServerName  string `mapstructure:"name"`
	MaxClients  int    `mapstructure:"max_clients"`
	CertPath    string `mapstructure:"cert"`
	KeyPath     string `mapstructure:"key"`
	LogLevel    string `mapstructure:"log_level"`
	Verbose     bool   `mapstructure:"verbose"`
	Mode        string `mapstructure:"mode"`

	MetricsEnabled bool   `mapstructure:"enable_metrics"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
}

// NewServerConfig returns a ServerConfig populated with defaults.
func NewServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:           "127.0.0.1:4433",
		ServerName:     "QUIC WebSocket Server",
		MaxClients:     100,
		CertPath:       "certs/cert.pem",
		KeyPath:        "certs/key.pem",
		LogLevel:       "info",
		Verbose:        false,
		Mode:           string(ModeHTTP3),
		MetricsEnabled: true,
		MetricsAddr:    ":9090",
	}
}

// Load resolves configuration from flags, environment, and an optional config
// file, in that priority order, following the donor's flags-over-env-over-file
// layering.
func Load(cmd *cobra.Command) (*ServerConfig, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(v, cmd); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	v.SetEnvPrefix("WSQUIC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := NewServerConfig()
	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("name", defaults.ServerName)
	v.SetDefault("max_clients", defaults.MaxClients)
	v.SetDefault("cert", defaults.CertPath)
	v.SetDefault("key", defaults.KeyPath)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("mode", defaults.Mode)
	v.SetDefault("enable_metrics", defaults.MetricsEnabled)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	flagBindings := map[string]string{
		"addr":           "addr",
		"name":           "name",
		"max-clients":    "max_clients",
		"cert":           "cert",
		"key":            "key",
		"log-level":      "log_level",
		"verbose":        "verbose",
		"mode":           "mode",
		"enable-metrics": "enable_metrics",
		"metrics-addr":   "metrics_addr",
	}

	for flag, key := range flagBindings {
		if cmd.Flags().Lookup(flag) == nil {
			continue
		}
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validateConfig(cfg *ServerConfig) error {
	if cfg.ServerName == "" {
		return fmt.Errorf("name is required")
	}

	if cfg.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive, got %d", cfg.MaxClients)
	}

	switch Mode(cfg.Mode) {
	case ModeNative, ModeHTTP3:
	default:
		return fmt.Errorf("invalid mode: %s (must be 'native' or 'http3')", cfg.Mode)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(cfg.LogLevel, level) {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %v)", cfg.LogLevel, validLogLevels)
	}

	if cfg.MetricsEnabled && cfg.MetricsAddr == "" {
		return fmt.Errorf("metrics_addr is required when metrics are enabled")
	}

	return nil
}

// CertificatesConfigured reports whether both a certificate and key path were
// supplied and both name existing files; when false the transport adapter
// falls back to a self-signed dev certificate.
func (c *ServerConfig) CertificatesConfigured() bool {
	return c.CertPath != "" && c.KeyPath != "" && fileExists(c.CertPath) && fileExists(c.KeyPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
