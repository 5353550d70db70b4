package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 180*time.Second, cfg.ScanInterval)
	assert.Equal(t, "12h", cfg.FlushSchedule)
	assert.Equal(t, ByteSize(512_000_000_000), cfg.LargeVolumeThreshold)
	assert.Equal(t, ByteSize(100_000_000), cfg.OverflowThreshold)
	assert.False(t, cfg.AllowReformat)
	assert.Equal(t, []string{"/mnt", "/media"}, cfg.WatchRoots)
	assert.Equal(t, "/run/tierd/journal.db", cfg.JournalPath)
	require.Len(t, cfg.ManagedDirs, 1)
	assert.Equal(t, cfg.ArchivePatterns, cfg.ManagedDirs[0].ArchivePatterns)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
scan_interval: 60s
flush_schedule: "0 */6 * * *"
allow_reformat: true
large_volume_threshold: 1TB
watch_roots: [/media]
managed_dirs:
  - name: log
    path: /var/log
    size: 128M
    mode: "0750"
  - path: /var/cache/apt
    size: 64MiB
journald:
  max_use: 32M
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.ScanInterval)
	assert.Equal(t, "0 */6 * * *", cfg.FlushSchedule)
	assert.True(t, cfg.AllowReformat)
	assert.Equal(t, TB, cfg.LargeVolumeThreshold)
	assert.Equal(t, []string{"/media"}, cfg.WatchRoots)
	assert.Equal(t, 32*MiB, cfg.Journald.MaxUse)
	assert.True(t, cfg.Journald.Enabled, "unset nested fields keep defaults")

	dirs := cfg.Dirs()
	require.Len(t, dirs, 2)
	assert.Equal(t, uint64(128<<20), dirs[0].SizeBytes)
	assert.Equal(t, os.FileMode(0o750), dirs[0].Mode)
	assert.Equal(t, "apt", dirs[1].Name)
	assert.Equal(t, os.FileMode(0o755), dirs[1].Mode)

	t.Setenv("TIERD_SCAN_INTERVAL", "10s")
	t.Setenv("TIERD_ALLOW_REFORMAT", "false")
	t.Setenv("TIERD_WATCH_ROOTS", "/mnt, /srv")
	t.Setenv("TIERD_OVERFLOW_THRESHOLD", "50MB")

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.ScanInterval)
	assert.False(t, cfg.AllowReformat)
	assert.Equal(t, []string{"/mnt", "/srv"}, cfg.WatchRoots)
	assert.Equal(t, 50*MB, cfg.OverflowThreshold)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("TIERD_SCAN_INTERVAL", "often")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("managed_dirs:\n  - size: lots\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "relative store", mutate: func(c *Config) { c.StorePath = "drives.json" }},
		{name: "zero interval", mutate: func(c *Config) { c.ScanInterval = 0 }},
		{name: "nested overflow dir", mutate: func(c *Config) { c.OverflowDirName = "a/b" }},
		{name: "free percent", mutate: func(c *Config) { c.MinFreePercent = 150 }},
		{name: "relative watch root", mutate: func(c *Config) { c.WatchRoots = []string{"mnt"} }},
		{name: "zero dir size", mutate: func(c *Config) { c.ManagedDirs[0].Size = 0 }},
		{name: "duplicate dir", mutate: func(c *Config) { c.ManagedDirs = append(c.ManagedDirs, c.ManagedDirs[0]) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "256M", want: 256 << 20},
		{in: "256MiB", want: 256 << 20},
		{in: "100MB", want: 100_000_000},
		{in: "512 GB", want: 512_000_000_000},
		{in: "1.5k", want: 1536},
		{in: "", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "big", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
