package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.DataPath)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, "always", cfg.FsyncMode.Kind)
	assert.True(t, cfg.Retention.KeepHistory)
	assert.Equal(t, time.Second, cfg.Replication.GossipInterval)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "koru.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_path: /var/lib/koru
max_memory_mb: 128
max_disk_mb: "2GB"
hot_cache_size: 100
fsync_mode: interval_ms(50)
wal_segment_size: "16MB"
replication:
  bind_addr: "127.0.0.1:7070"
  join_addrs: ["127.0.0.1:7071"]
  gossip_interval_ms: 250
retention:
  keep_history: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/koru", cfg.DataPath)
	assert.Equal(t, int64(128<<20), cfg.MaxMemoryBytes)
	assert.Equal(t, int64(2<<30), cfg.MaxDiskBytes)
	assert.Equal(t, 100, cfg.HotCacheSize)
	assert.Equal(t, "interval", cfg.FsyncMode.Kind)
	assert.Equal(t, 50*time.Millisecond, cfg.FsyncMode.Interval)
	assert.Equal(t, int64(16<<20), cfg.WALSegmentSize)
	assert.Equal(t, "127.0.0.1:7070", cfg.Replication.BindAddr)
	assert.Equal(t, []string{"127.0.0.1:7071"}, cfg.Replication.JoinAddrs)
	assert.Equal(t, 250*time.Millisecond, cfg.Replication.GossipInterval)
	assert.False(t, cfg.Retention.KeepHistory)
}

func TestParseFsyncMode(t *testing.T) {
	cases := []struct {
		in      string
		kind    string
		wantErr bool
	}{
		{"always", "always", false},
		{"", "always", false},
		{"os", "os", false},
		{"interval_ms(50)", "interval", false},
		{"interval_ms(0)", "", true},
		{"interval_ms(abc)", "", true},
		{"sometimes", "", true},
	}
	for _, tc := range cases {
		m, err := ParseFsyncMode(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.kind, m.Kind)
	}
}

func TestFsyncModeRoundTrip(t *testing.T) {
	m, err := ParseFsyncMode("interval_ms(75)")
	require.NoError(t, err)
	assert.Equal(t, "interval_ms(75)", m.String())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.MaxMemoryBytes = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.WALSegmentSize = 1024
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DataPath = ""
	assert.Error(t, cfg.Validate())
}

func TestInvalidYAMLSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "koru.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_memory_mb: lots\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
