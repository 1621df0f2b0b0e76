// Package config handles configuration loading, validation, and persistence
// for the Beacon relay server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultRelayPort = 7777
	DefaultPunchPort = 7776
	DefaultRESTPort  = 8080
)

// Config is the root configuration structure for Beacon.
type Config struct {
	mu   sync.RWMutex
	path string

	Relay       RelayData       `json:"relay"`
	Application ApplicationData `json:"application"`
}

// RelayData contains the relay server configuration proper.
type RelayData struct {
	// Transport
	Transport string `json:"transport"`  // registered transport name
	Port      int    `json:"relay_port"` // transport listen port

	// Shared secret every client must present before any room opcode.
	SecretKey string `json:"secret_key"`

	// Per-channel maximum relayed payload sizes in bytes.
	MaxPacketReliable   int `json:"max_packet_reliable"`
	MaxPacketUnreliable int `json:"max_packet_unreliable"`

	// Heartbeat and tick
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`

	// NAT hole punching
	PunchEnabled bool `json:"punch_enabled"`
	PunchPort    int  `json:"punch_port"`

	// REST room listing
	RESTEnabled bool `json:"rest_enabled"`
	RESTPort    int  `json:"rest_port"`

	// Room id length (A-Z characters).
	RoomIDLength int `json:"room_id_length"`
}

// ApplicationData contains the ambient application configuration.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	MQTT    MQTTConfig    `json:"mqtt"`
	History HistoryConfig `json:"history"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// MQTTConfig holds telemetry broker settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// HistoryConfig holds the session-history database settings.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayData{
			Transport:            "tcp",
			Port:                 DefaultRelayPort,
			MaxPacketReliable:    16 * 1024,
			MaxPacketUnreliable:  1200,
			HeartbeatIntervalSec: 10,
			PunchEnabled:         true,
			PunchPort:            DefaultPunchPort,
			RESTEnabled:          true,
			RESTPort:             DefaultRESTPort,
			RoomIDLength:         5,
		},
		Application: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    8883,
				UseTLS:  true,
			},
			History: HistoryConfig{
				Enabled:       true,
				Path:          "config/history.db",
				RetentionDays: 30,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating the default when the
// file does not exist yet.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetRelay returns a copy of the relay configuration.
func (c *Config) GetRelay() RelayData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// GetApplication returns a copy of the application configuration.
func (c *Config) GetApplication() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Application
}

// MaxPacket returns the configured maximum relayed payload size for a
// channel, by reliable flag.
func (r RelayData) MaxPacket(reliable bool) int {
	if reliable {
		return r.MaxPacketReliable
	}
	return r.MaxPacketUnreliable
}

// ValidationIssue describes one problem found during validation.
type ValidationIssue struct {
	Field   string
	Message string
}

// ValidationResult aggregates validation output.
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// IsValid reports whether the configuration has no hard errors.
func (v ValidationResult) IsValid() bool { return len(v.Errors) == 0 }

// Validate checks a configuration for hard errors and soft warnings.
func Validate(c *Config) ValidationResult {
	relay := c.GetRelay()

	var result ValidationResult
	addErr := func(field, msg string) {
		result.Errors = append(result.Errors, ValidationIssue{Field: field, Message: msg})
	}
	addWarn := func(field, msg string) {
		result.Warnings = append(result.Warnings, ValidationIssue{Field: field, Message: msg})
	}

	if relay.Transport == "" {
		addErr("relay.transport", "transport name must not be empty")
	}
	if relay.Port <= 0 || relay.Port > 65535 {
		addErr("relay.relay_port", "relay port must be in 1..65535")
	}
	if relay.SecretKey == "" {
		addWarn("relay.secret_key", "secret key is empty; every client will authenticate with an empty secret")
	}
	if relay.MaxPacketReliable <= 0 {
		addErr("relay.max_packet_reliable", "reliable max packet size must be positive")
	}
	if relay.MaxPacketUnreliable <= 0 {
		addErr("relay.max_packet_unreliable", "unreliable max packet size must be positive")
	}
	if relay.HeartbeatIntervalSec <= 0 {
		addErr("relay.heartbeat_interval_sec", "heartbeat interval must be positive")
	}
	if relay.PunchEnabled && (relay.PunchPort <= 0 || relay.PunchPort > 65535) {
		addErr("relay.punch_port", "punch port must be in 1..65535 when punching is enabled")
	}
	if relay.PunchEnabled && relay.PunchPort == relay.Port {
		addWarn("relay.punch_port", "punch port equals the relay port; expect bind conflicts on some transports")
	}
	if relay.RESTEnabled && (relay.RESTPort <= 0 || relay.RESTPort > 65535) {
		addErr("relay.rest_port", "REST port must be in 1..65535 when the listing is enabled")
	}
	if relay.RoomIDLength < 3 {
		addWarn("relay.room_id_length", "short room ids collide quickly; 5 or more is recommended")
	}

	return result
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
