package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "TradeFabric", cfg.App.Name)
	assert.Equal(t, 384, cfg.Memory.Embedding.Dimension)
	assert.Equal(t, "pgvector", cfg.Memory.Backend)
	assert.Equal(t, "balanced", cfg.Coordinator.Mode)
	assert.Equal(t, 60, cfg.Agents.Scanner.ScanInterval)
	assert.Equal(t, time.Minute, cfg.Agents.Scanner.ScanIntervalDuration())
	assert.Equal(t, 5, cfg.Runtime.MaxConcurrentTasks)
	assert.InDelta(t, 0.05, cfg.Agents.RiskManagement.MaxRiskPerTrade, 1e-9)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
app:
  log_level: debug
memory:
  embedding:
    dimension: 128
  backend: local
coordinator:
  mode: aggressive
  agent_weights:
    strategy: 0.5
    timing: 0.5
agents:
  watchlist: ["AAPL", "TSLA"]
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 128, cfg.Memory.Embedding.Dimension)
	assert.Equal(t, "local", cfg.Memory.Backend)
	assert.Equal(t, "aggressive", cfg.Coordinator.Mode)
	assert.Equal(t, []string{"AAPL", "TSLA"}, cfg.Agents.Watchlist)
	assert.InDelta(t, 0.5, cfg.Coordinator.AgentWeights["strategy"], 1e-9)
}

func TestValidateRejectsBadMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator:\n  mode: reckless\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coordinator.mode")
}

func TestValidateRejectsBadDimension(t *testing.T) {
	cfg := &Config{}
	cfg.Memory.Embedding.Dimension = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestValidateRejectsNegativeWeight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator:\n  agent_weights:\n    timing: -0.2\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_weights")
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{Host: "h", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=disable", db.GetDSN())
}
