package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validYAML() string {
	return `
organization:
  npi: "1234567893"
  name: "Example Clinic"
  type: "clinic"
server:
  port: 9000
  host: "127.0.0.1"
websocket:
  auth_timeout_ms: 5000
storage:
  path: "/var/lib/neuron/neuron.db"
audit:
  path: "/var/lib/neuron/audit.log"
  enabled: true
axon:
  registry_url: "https://axon.example.org"
  endpoint_url: "wss://neuron.example.org"
providers:
  - npi: "1679576722"
    display_name: "Dr. Okafor"
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "neuron.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)

	assert.Equal(t, "1234567893", cfg.Organization.NPI)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5000, cfg.WebSocket.AuthTimeoutMs)
	// Untouched fields keep their defaults.
	assert.Equal(t, "/ws/connect", cfg.WebSocket.Path)
	assert.Equal(t, 10, cfg.WebSocket.MaxConcurrentHandshakes)
	assert.Equal(t, 60000, cfg.Heartbeat.IntervalMs)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "1679576722", cfg.Providers[0].NPI)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("NEURON_HEARTBEAT__INTERVALMS", "15000")
	t.Setenv("NEURON_SERVER__PORT", "9471")
	t.Setenv("NEURON_AUDIT__ENABLED", "false")
	t.Setenv("NEURON_ORGANIZATION__NAME", "Renamed Clinic")

	cfg, err := Load(writeConfig(t, validYAML()))
	require.NoError(t, err)

	assert.Equal(t, 15000, cfg.Heartbeat.IntervalMs)
	assert.Equal(t, 9471, cfg.Server.Port)
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, "Renamed Clinic", cfg.Organization.Name)
}

func TestApplyEnv_CaseInsensitiveSegments(t *testing.T) {
	cfg := Default()
	err := applyEnv(cfg, []string{
		"NEURON_WEBSOCKET__MAXCONCURRENTHANDSHAKES=25",
		"NEURON_websocket__max_payload_bytes=131072",
		"NEURON_API__CORS__ALLOWEDORIGINS=https://a.example.org, https://b.example.org",
		"NEURON_METRICS__ENABLED=true",
		"NEURON_METRICS__OTLPENDPOINT=collector:4317",
	})
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.WebSocket.MaxConcurrentHandshakes)
	assert.Equal(t, int64(131072), cfg.WebSocket.MaxPayloadBytes)
	assert.Equal(t, []string{"https://a.example.org", "https://b.example.org"}, cfg.API.CORS.AllowedOrigins)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "collector:4317", cfg.Metrics.OTLPEndpoint)
}

func TestApplyEnv_RejectsUnknownAndMistyped(t *testing.T) {
	cfg := Default()

	err := applyEnv(cfg, []string{"NEURON_NOSUCH__FIELD=1"})
	assert.Error(t, err)

	err = applyEnv(cfg, []string{"NEURON_SERVER__PORT=not-a-number"})
	assert.Error(t, err)
}

func TestValidate_ReportsFieldPaths(t *testing.T) {
	cfg := Default()
	cfg.Organization.NPI = "12345"
	cfg.Organization.Name = ""
	cfg.Server.Port = 99999

	err := Validate(cfg)
	require.Error(t, err)

	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "organization.npi")
	assert.Contains(t, ve.Fields, "organization.name")
	assert.Contains(t, ve.Fields, "server.port")
}

func TestValidate_LuhnAndSemverChecks(t *testing.T) {
	cfg := Default()
	cfg.Organization.NPI = "1234567890"
	cfg.Organization.Name = "Example Clinic"
	cfg.Storage.Path = "neuron.db"
	cfg.LocalNetwork.ProtocolVersion = "not-a-version"
	cfg.Providers = []ProviderConfig{{NPI: "1234567891"}}

	err := Validate(cfg)
	require.Error(t, err)

	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "organization.npi", "ten digits but wrong check digit")
	assert.Contains(t, ve.Fields, "localNetwork.protocol_version")
	assert.Contains(t, ve.Fields, "providers[0].npi")
}

func TestValidate_AcceptsValidConfig(t *testing.T) {
	cfg := Default()
	cfg.Organization.NPI = "1234567893"
	cfg.Organization.Name = "Example Clinic"
	require.NoError(t, Validate(cfg))
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
