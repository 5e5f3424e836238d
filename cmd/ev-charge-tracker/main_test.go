package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvName(t *testing.T) {
	assert.Equal(t, "BYD_EVT_MQTT_URL", envName("mqtt-url"))
	assert.Equal(t, "BYD_EVT_DB", envName("db"))
}

func TestLoadConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: from-file\nhome_rate: 0.09\ncurrency: EUR\n"), 0o600))

	t.Setenv("BYD_EVT_HOME_RATE", "0.08")
	t.Setenv("BYD_EVT_POLL_INTERVAL", "15")

	cmd := runCmd(&path)
	require.NoError(t, cmd.Flags().Set("currency", "NOK"))

	cfg, err := loadConfig(cmd, path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.DeviceID)
	assert.Equal(t, 0.08, cfg.HomeRate, "env beats file")
	assert.Equal(t, "NOK", cfg.Currency, "flag beats file")
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
}

func TestLoadConfigBadValue(t *testing.T) {
	t.Setenv("BYD_EVT_PACK_CAPACITY", "lots")
	_, err := loadConfig(runCmd(new(string)), "")
	assert.Error(t, err)
}
