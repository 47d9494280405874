// Package config loads and validates the neuron configuration tree:
// defaults, then an optional YAML file, then NEURON_-prefixed environment
// overrides. After Load the value is immutable by convention.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	Organization OrganizationConfig `yaml:"organization" json:"organization"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	WebSocket    WebSocketConfig    `yaml:"websocket" json:"websocket"`
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Audit        AuditConfig        `yaml:"audit" json:"audit"`
	LocalNetwork LocalNetworkConfig `yaml:"localNetwork" json:"localNetwork"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat" json:"heartbeat"`
	Axon         AxonConfig         `yaml:"axon" json:"axon"`
	API          APIConfig          `yaml:"api" json:"api"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Providers    []ProviderConfig   `yaml:"providers" json:"providers"`
}

type OrganizationConfig struct {
	NPI  string `yaml:"npi" json:"npi"`
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

type ServerConfig struct {
	Port int    `yaml:"port" json:"port"`
	Host string `yaml:"host" json:"host"`
}

type WebSocketConfig struct {
	Path                    string `yaml:"path" json:"path"`
	MaxConcurrentHandshakes int    `yaml:"max_concurrent_handshakes" json:"max_concurrent_handshakes"`
	AuthTimeoutMs           int    `yaml:"auth_timeout_ms" json:"auth_timeout_ms"`
	QueueTimeoutMs          int    `yaml:"queue_timeout_ms" json:"queue_timeout_ms"`
	MaxPayloadBytes         int64  `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

type StorageConfig struct {
	Path string `yaml:"path" json:"path"`
}

type AuditConfig struct {
	Path    string `yaml:"path" json:"path"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type LocalNetworkConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	ServiceType     string `yaml:"service_type" json:"service_type"`
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`
}

type HeartbeatConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"interval_ms"`
}

type AxonConfig struct {
	RegistryURL      string `yaml:"registry_url" json:"registry_url"`
	EndpointURL      string `yaml:"endpoint_url" json:"endpoint_url"`
	BackoffCeilingMs int    `yaml:"backoff_ceiling_ms" json:"backoff_ceiling_ms"`
}

type APIConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	AuthToken string          `yaml:"auth_token" json:"auth_token"`
}

type RateLimitConfig struct {
	MaxRequests int `yaml:"max_requests" json:"max_requests"`
	WindowMs    int `yaml:"window_ms" json:"window_ms"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	OTLPEndpoint     string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure         bool   `yaml:"insecure" json:"insecure"`
	ExportIntervalMs int    `yaml:"export_interval_ms" json:"export_interval_ms"`
}

type ProviderConfig struct {
	NPI         string `yaml:"npi" json:"npi"`
	DisplayName string `yaml:"display_name" json:"display_name"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Organization: OrganizationConfig{Type: "clinic"},
		Server:       ServerConfig{Port: 8470, Host: "0.0.0.0"},
		WebSocket: WebSocketConfig{
			Path:                    "/ws/connect",
			MaxConcurrentHandshakes: 10,
			AuthTimeoutMs:           30000,
			QueueTimeoutMs:          30000,
			MaxPayloadBytes:         64 * 1024,
		},
		Storage: StorageConfig{Path: "neuron.db"},
		Audit:   AuditConfig{Path: "neuron-audit.log", Enabled: true},
		LocalNetwork: LocalNetworkConfig{
			Enabled:         false,
			ServiceType:     "_neuron._tcp",
			ProtocolVersion: "1.0.0",
		},
		Heartbeat: HeartbeatConfig{IntervalMs: 60000},
		Axon: AxonConfig{
			BackoffCeilingMs: 300000,
		},
		API: APIConfig{
			RateLimit: RateLimitConfig{MaxRequests: 100, WindowMs: 60000},
			CORS:      CORSConfig{AllowedOrigins: []string{"*"}},
		},
		Metrics: MetricsConfig{
			Enabled:          false,
			OTLPEndpoint:     "localhost:4317",
			Insecure:         true,
			ExportIntervalMs: 15000,
		},
	}
}

// Load builds the effective configuration: defaults, the YAML file at path
// (skipped when path is empty), then environment overrides, then
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError lists every invalid field by path.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid fields: " + joinFields(e.Fields)
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ", "
		}
		out += f
	}
	return out
}

// AsValidationError unwraps err into a *ValidationError when possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}
