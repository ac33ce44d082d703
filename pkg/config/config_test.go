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
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: CAM_L\n  position: left\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "CAM_L", cfg.Node.ID)
	assert.Equal(t, uint64(10<<30), cfg.Storage.MinFreeBytes)
	assert.Equal(t, 5.0, cfg.Sync.ToleranceMs)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 2, cfg.Cluster.MinParticipants)
	assert.Equal(t, []string{"CAM_L", "CAM_C", "CAM_R"}, cfg.Cluster.ExpectedCameras)
	assert.False(t, cfg.Sync.IsMaster, "left camera is not the master by default")
}

func TestLoadCenterIsMaster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: CAM_C\n  position: center\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Sync.IsMaster)
	assert.True(t, cfg.Identity().IsMaster)
}

func TestLoadMasterEndpointFromPeers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
node:
  id: CAM_R
  position: right
cluster:
  peers:
    - node_id: CAM_C
      position: center
      endpoint: 192.168.1.2:8080
      is_master: true
    - node_id: CAM_L
      position: left
      endpoint: 192.168.1.1:8080
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.2:8080", cfg.Sync.MasterEndpoint)
}

func TestValidateRejectsBadPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: CAM_X\n  position: goalpost\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position")
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CAM_C", cfg.Node.ID)

	// Never clobber an existing file.
	require.Error(t, WriteDefault(path))
}
