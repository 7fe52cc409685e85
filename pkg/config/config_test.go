package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nqdb/nqdb/pkg/config"
)

func TestDefaultConfigPassesValidation(t *testing.T) {
	require.NoError(t, config.DefaultConfig().Validate())
}

func TestLoadOverlaysDefaultsFromPartialYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nqdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/nqdb
raft:
  heartbeat_interval: 100ms
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/nqdb", cfg.DataDir)
	require.Equal(t, config.DefaultConfig().Pager, cfg.Pager)
	require.Equal(t, config.DefaultConfig().Raft.ElectionTimeoutMin, cfg.Raft.ElectionTimeoutMin)
}

func TestValidateRejectsInvertedElectionWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Raft.ElectionTimeoutMax = cfg.Raft.ElectionTimeoutMin - 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroHeartbeat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Raft.HeartbeatInterval = 0
	require.Error(t, cfg.Validate())
}
