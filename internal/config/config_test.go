package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 500.0, cfg.BaseRadiusMeters)
	assert.Equal(t, 1000.0, cfg.MaxRadiusMeters)
	assert.Equal(t, 120*time.Second, cfg.EscalationTimeout)
	assert.Equal(t, 60.0, cfg.AvgSpeedKmh)
}

func TestLoadServerConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
escalation_timeout: 90s
base_radius_m: 400
kafka_brokers: ["a:9092", "b:9092"]
`), 0o600))
	t.Setenv("DISPATCH_BASE_RADIUS_M", "450")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 90*time.Second, cfg.EscalationTimeout)
	assert.Equal(t, 450.0, cfg.BaseRadiusMeters)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	// untouched keys keep their defaults
	assert.Equal(t, 1000.0, cfg.MaxRadiusMeters)
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("DISPATCH_ESCALATION_TIMEOUT", "soon")
	t.Setenv("DISPATCH_MAX_RADIUS_M", "100")
	_, err := LoadServerConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DISPATCH_ESCALATION_TIMEOUT")
	assert.Contains(t, err.Error(), "DISPATCH_MAX_RADIUS_M must be >=")
}

func TestLoadServerConfigUnsupportedFormat(t *testing.T) {
	_, err := LoadServerConfig("dispatch.toml")
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestRedacted(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.PGDSN = "postgres://user:secret@db/dispatch"
	cfg.InfluxToken = "tok"
	cfg.FCMKey = "fcm"
	r := cfg.Redacted()
	assert.Equal(t, "***", r.PGDSN)
	assert.Equal(t, "***", r.InfluxToken)
	assert.Equal(t, "***", r.FCMKey)
	assert.Empty(t, r.GoogleMapsAPIKey)
	assert.Equal(t, "postgres://user:secret@db/dispatch", cfg.PGDSN)
}
