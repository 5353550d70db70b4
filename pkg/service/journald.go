package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/tierd/pkg/command"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/spf13/afero"
)

// JournaldConfig is the subset of journald.conf the daemon manages
type JournaldConfig struct {
	// Storage is "volatile", "persistent", "auto" or "none"
	Storage string
	// MaxUse caps the journal size, applied to both runtime and system
	// journals
	MaxUse     uint64
	DropInPath string
}

// Render returns the drop-in file contents
func (c JournaldConfig) Render() []byte {
	var b bytes.Buffer
	b.WriteString("# Managed by tierd\n[Journal]\n")
	if c.Storage != "" {
		fmt.Fprintf(&b, "Storage=%s\n", c.Storage)
	}
	if c.MaxUse > 0 {
		size := journaldSize(c.MaxUse)
		fmt.Fprintf(&b, "RuntimeMaxUse=%s\n", size)
		fmt.Fprintf(&b, "SystemMaxUse=%s\n", size)
	}
	return b.Bytes()
}

// Journald writes the journald drop-in and restarts the journal when it
// changed.
type Journald struct {
	fs     afero.Fs
	runner command.Runner
	cfg    JournaldConfig
}

// NewJournald returns a journald configurator
func NewJournald(fs afero.Fs, runner command.Runner, cfg JournaldConfig) *Journald {
	return &Journald{fs: fs, runner: runner, cfg: cfg}
}

// Apply writes the drop-in when its contents differ and restarts
// systemd-journald. It reports whether anything changed.
func (j *Journald) Apply(ctx context.Context) (bool, error) {
	want := j.cfg.Render()
	have, err := afero.ReadFile(j.fs, j.cfg.DropInPath)
	if err == nil && bytes.Equal(have, want) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to read %s: %w", j.cfg.DropInPath, err)
	}

	if err := j.fs.MkdirAll(filepath.Dir(j.cfg.DropInPath), 0o755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(j.cfg.DropInPath), err)
	}
	if err := afero.WriteFile(j.fs, j.cfg.DropInPath, want, 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", j.cfg.DropInPath, err)
	}
	if _, err := j.runner.Run(ctx, "systemctl", "restart", "systemd-journald"); err != nil {
		return true, fmt.Errorf("failed to restart journald: %w", err)
	}

	logger := log.WithComponent("service")
	logger.Info().
		Str("path", j.cfg.DropInPath).
		Str("storage", j.cfg.Storage).
		Msg("Journald configuration applied")
	return true, nil
}

// journaldSize renders n with the K/M/G suffixes journald.conf accepts.
func journaldSize(n uint64) string {
	s := fstab.FormatSize(n)
	switch s[len(s)-1] {
	case 'k', 'm', 'g':
		return s[:len(s)-1] + string(s[len(s)-1]-'a'+'A')
	}
	return s
}
