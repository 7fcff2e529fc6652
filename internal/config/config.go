// Package config loads runtime configuration for the sync engine's
// standalone daemon from environment variables and config files, via
// viper, mirroring the embedding API's config surface with
// CLI/daemon-specific defaults layered on top.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "SYNCENGINE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "syncengine.db"
	defaultLogLevel     = "info"

	defaultEnableLocalDiscovery = true
	defaultEnableRelay          = false
	defaultListenPort           = 0
	defaultHeartbeatIntervalMs  = 10_000
	defaultMaxMessageBytes      = 65_536
	defaultBatchMaxEntries      = 256
	defaultRequestTimeoutMs     = 30_000
)

// TransportConfig holds the peer transport's tunable options, passed
// through to internal/syncproto.Manager.StartSync unchanged.
type TransportConfig struct {
	EnableLocalDiscovery bool
	EnableRelay          bool
	RelayAddresses       []string
	ListenPort           uint16
	HeartbeatIntervalMs  uint32
	MaxMessageBytes      uint32
	BatchMaxEntries      uint32
	RequestTimeoutMs     uint32
}

// AppConfig captures runtime configuration for the daemon.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	DatabasePath  string
	LogLevel      string
	Transport     TransportConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("transport.enable_local_discovery", defaultEnableLocalDiscovery)
	configViper.SetDefault("transport.enable_relay", defaultEnableRelay)
	configViper.SetDefault("transport.relay_addresses", []string{})
	configViper.SetDefault("transport.listen_port", defaultListenPort)
	configViper.SetDefault("transport.heartbeat_interval_ms", defaultHeartbeatIntervalMs)
	configViper.SetDefault("transport.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("transport.batch_max_entries", defaultBatchMaxEntries)
	configViper.SetDefault("transport.request_timeout_ms", defaultRequestTimeoutMs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		Transport: TransportConfig{
			EnableLocalDiscovery: configViper.GetBool("transport.enable_local_discovery"),
			EnableRelay:          configViper.GetBool("transport.enable_relay"),
			RelayAddresses:       configViper.GetStringSlice("transport.relay_addresses"),
			ListenPort:           uint16(configViper.GetUint32("transport.listen_port")),
			HeartbeatIntervalMs:  configViper.GetUint32("transport.heartbeat_interval_ms"),
			MaxMessageBytes:      configViper.GetUint32("transport.max_message_bytes"),
			BatchMaxEntries:      configViper.GetUint32("transport.batch_max_entries"),
			RequestTimeoutMs:     configViper.GetUint32("transport.request_timeout_ms"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Transport.MaxMessageBytes == 0 {
		return fmt.Errorf("transport.max_message_bytes must be positive")
	}
	if c.Transport.BatchMaxEntries == 0 {
		return fmt.Errorf("transport.batch_max_entries must be positive")
	}
	return nil
}
