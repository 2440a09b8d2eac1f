package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-proxy/internal/domain/errcode"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.GetServerAddr())
	assert.Equal(t, 30*time.Second, cfg.Charger.CallTimeout)
	assert.Equal(t, 10, cfg.Charger.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Charger.IdleLockTimeout)
	assert.Equal(t, "sessions.db", cfg.SessionLog.DBPath)
	assert.Equal(t, 64, cfg.Backends.SendQueueSize)
	assert.True(t, cfg.AllowSharedCharging)
	assert.Equal(t, 10, cfg.RateLimitSeconds)
	assert.Equal(t, "1.6", cfg.OCPPVersion)
	assert.True(t, cfg.AutoDetectOCPPVersion)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.EnabledServices())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("HA_URL", "http://ha.local:8123")
	t.Setenv("LOG_DB_PATH", "/data/sessions.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "http://ha.local:8123", cfg.HomeAssistant.URL)
	assert.Equal(t, "/data/sessions.db", cfg.SessionLog.DBPath)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9200
preferred_provider: tibber
ocpp_version: "2.0.1"
ocpp_services:
  - id: tibber
    url: wss://ocpp.example.com/cp
    auth_type: token
    token: secret
    enabled: true
  - id: legacy
    url: wss://legacy.example.com/cp
    version: "1.6"
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "tibber", cfg.PreferredProvider)
	assert.Equal(t, "2.0.1", cfg.OCPPVersion)
	require.Len(t, cfg.OCPPServices, 2)

	enabled := cfg.EnabledServices()
	require.Len(t, enabled, 1)
	assert.Equal(t, "tibber", enabled[0].ID)
}

func TestValidateUnsupportedVersion(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, "ocpp_version: \"3.0\"\n"))

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, errcode.ConfigInvalid, errcode.CodeOf(err))
}

func TestValidateBasicAuthRequiresCredentials(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, `
ocpp_services:
  - id: svc
    url: wss://example.com/cp
    auth_type: basic
    username: user
    enabled: true
`))

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, errcode.ConfigInvalid, errcode.CodeOf(err))
}

func TestValidateDuplicateServiceIDs(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, `
ocpp_services:
  - id: svc
    url: wss://one.example.com/cp
  - id: svc
    url: wss://two.example.com/cp
`))

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, errcode.ConfigInvalid, errcode.CodeOf(err))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
