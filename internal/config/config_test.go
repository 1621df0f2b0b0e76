package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, DefaultRelayPort, cfg.GetRelay().Port)
	assert.Equal(t, "tcp", cfg.GetRelay().Transport)
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"relay": {"relay_port": 9999, "secret_key": "hunter2"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	relay := cfg.GetRelay()
	assert.Equal(t, 9999, relay.Port)
	assert.Equal(t, "hunter2", relay.SecretKey)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultRESTPort, relay.RESTPort)
	assert.Equal(t, 5, relay.RoomIDLength)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{nope"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestSaveRoundTrips(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	cfg.Relay.SecretKey = "roundtrip"
	require.NoError(t, cfg.Save())

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", reloaded.GetRelay().SecretKey)
}

func TestMaxPacketSelectsChannelLimit(t *testing.T) {
	relay := RelayData{MaxPacketReliable: 16384, MaxPacketUnreliable: 1200}
	assert.Equal(t, 16384, relay.MaxPacket(true))
	assert.Equal(t, 1200, relay.MaxPacket(false))
}

func TestValidateAcceptsDefaults(t *testing.T) {
	result := Validate(DefaultConfig())
	assert.True(t, result.IsValid())
	// empty secret is a warning, not an error
	assert.NotEmpty(t, result.Warnings)
}

func TestValidateFlagsBadPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.Port = 0
	cfg.Relay.PunchPort = 70000

	result := Validate(cfg)
	require.False(t, result.IsValid())

	fields := make([]string, 0, len(result.Errors))
	for _, issue := range result.Errors {
		fields = append(fields, issue.Field)
	}
	assert.Contains(t, fields, "relay.relay_port")
	assert.Contains(t, fields, "relay.punch_port")
}

func TestValidateWarnsOnPortCollision(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.PunchPort = cfg.Relay.Port

	result := Validate(cfg)
	assert.True(t, result.IsValid())

	fields := make([]string, 0, len(result.Warnings))
	for _, issue := range result.Warnings {
		fields = append(fields, issue.Field)
	}
	assert.Contains(t, fields, "relay.punch_port")
}
