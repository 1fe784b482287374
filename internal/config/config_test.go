package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadBridgeDefaults(t *testing.T) {
	cfg, err := LoadBridge("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBridge(), cfg)
	assert.Equal(t, 5*time.Second, cfg.PlanDelay.Std())
	assert.Equal(t, "0.0.0.0:4444", cfg.Addr())
}

func TestLoadBridgeFileAndEnv(t *testing.T) {
	path := writeFile(t, `
port: 5000
auth_token: from-file
total_shards: 16
shards_per_cluster: 4
total_machines: 2
plan_delay: 250ms
codec: msgpack
`)
	t.Setenv("BRIDGE_AUTH_TOKEN", "from-env")
	t.Setenv("BRIDGE_SHARD_LIST", "1, 3,5")

	cfg, err := LoadBridge(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "from-env", cfg.AuthToken, "environment wins over file")
	assert.Equal(t, ShardCount(16), cfg.TotalShards)
	assert.Equal(t, 4, cfg.ShardsPerCluster)
	assert.Equal(t, 2, cfg.TotalMachines)
	assert.Equal(t, 250*time.Millisecond, cfg.PlanDelay.Std())
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, []int{1, 3, 5}, cfg.ShardList)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout.Std(), "unset keys keep defaults")
	assert.NoError(t, cfg.Validate())
}

func TestShardCountAuto(t *testing.T) {
	path := writeFile(t, "total_shards: auto\n")
	cfg, err := LoadBridge(path)
	require.NoError(t, err)
	assert.Equal(t, AutoShardCount, cfg.TotalShards)

	t.Setenv("BRIDGE_TOTAL_SHARDS", "12")
	cfg, err = LoadBridge(path)
	require.NoError(t, err)
	assert.Equal(t, ShardCount(12), cfg.TotalShards)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadBridge(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("bad duration", func(t *testing.T) {
		_, err := LoadAgent(writeFile(t, "heartbeat_interval: often\n"))
		assert.Error(t, err)
	})
	t.Run("bad env int", func(t *testing.T) {
		t.Setenv("BRIDGE_PORT", "eighty")
		_, err := LoadBridge("")
		assert.ErrorContains(t, err, "BRIDGE_PORT")
	})
	t.Run("bad env list", func(t *testing.T) {
		t.Setenv("BRIDGE_SHARD_LIST", "1,x")
		_, err := LoadBridge("")
		assert.ErrorContains(t, err, "BRIDGE_SHARD_LIST")
	})
}

func TestBridgeValidate(t *testing.T) {
	valid := DefaultBridge()
	valid.AuthToken = "s"
	valid.TotalShards = 8

	tests := []struct {
		name    string
		mutate  func(*Bridge)
		wantErr bool
	}{
		{"valid", func(*Bridge) {}, false},
		{"missing secret", func(c *Bridge) { c.AuthToken = "" }, true},
		{"no machines", func(c *Bridge) { c.TotalMachines = 0 }, true},
		{"auto without token", func(c *Bridge) { c.TotalShards = AutoShardCount }, true},
		{"auto with token", func(c *Bridge) { c.TotalShards = AutoShardCount; c.Token = "t" }, false},
		{"auto with list", func(c *Bridge) { c.TotalShards = AutoShardCount; c.ShardList = []int{0} }, false},
		{"standalone skips plan checks", func(c *Bridge) { c.Standalone = true; c.TotalMachines = 0; c.TotalShards = AutoShardCount }, false},
		{"unknown codec", func(c *Bridge) { c.Codec = "xml" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAgentValidate(t *testing.T) {
	cfg, err := LoadAgent("")
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid, "secret is required")

	t.Setenv("AGENT_AUTH_TOKEN", "s")
	t.Setenv("AGENT_ROLE", "worker")
	t.Setenv("AGENT_ROLLING_RESTARTS", "true")
	t.Setenv("AGENT_PLAN_GRACE", "250ms")
	cfg, err = LoadAgent("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "worker", cfg.Role)
	assert.True(t, cfg.RollingRestarts)
	assert.Equal(t, 250*time.Millisecond, cfg.PlanGrace.Std())
	assert.Equal(t, "127.0.0.1:4444", cfg.Addr())

	cfg.Role = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}
