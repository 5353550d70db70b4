package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/tierd/pkg/config"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\nscan_interval: 1m\n"), 0o644))

	require.NoError(t, runCmd.ParseFlags([]string{"--config", path, "--log-level", "debug"}))
	t.Cleanup(func() {
		for _, name := range []string{"config", "log-level"} {
			f := rootCmd.PersistentFlags().Lookup(name)
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})

	require.NoError(t, loadConfig(runCmd, nil))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.ScanInterval)
}

func TestParseSchedules(t *testing.T) {
	cfg = config.Default()
	cfg.PruneSchedule = "off"
	cfg.LogCleanupSchedule = "0 3 * * *"

	s, err := parseSchedules()
	require.NoError(t, err)
	assert.NotNil(t, s.Flush)
	assert.Nil(t, s.Prune)
	assert.NotNil(t, s.LogCleanup)

	cfg.FlushSchedule = "sometimes"
	_, err = parseSchedules()
	assert.ErrorContains(t, err, "flush_schedule")
}

func TestPrintStructured(t *testing.T) {
	list := []types.MountAssignment{{UUID: "0b6f4d3e-8f0a-4c61-9d7e-2f4d5e6a7b8c", MountPath: "/mnt/tierd_drive_0"}}

	var buf bytes.Buffer
	require.NoError(t, printStructured(&buf, "json", list))
	assert.Contains(t, buf.String(), `"mount_path": "/mnt/tierd_drive_0"`)

	buf.Reset()
	require.NoError(t, printStructured(&buf, "yaml", list))
	assert.Contains(t, buf.String(), "mountpath: /mnt/tierd_drive_0")

	assert.Error(t, printStructured(&buf, "xml", list))
}
