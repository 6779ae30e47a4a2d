package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBootstrapsDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"btc", "eth", "sol", "xrp"}, cfg.Strategy.Symbols)
	require.Equal(t, int64(300), cfg.Strategy.WindowDurationSecs)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestLoadReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Strategy.Symbols = []string{"xrp"}
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"xrp"}, reloaded.Strategy.Symbols)
}

func TestConfidenceFloorDefaultsToZero(t *testing.T) {
	cfg := defaultConfig()
	require.True(t, cfg.ConfidenceFloor("doge").IsZero())
	require.False(t, cfg.ConfidenceFloor("btc").IsZero())
}
