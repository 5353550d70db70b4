// Package migrate applies one-shot corrections to layouts left by older
// releases. Each correction runs until it succeeds once and is then skipped
// forever.
package migrate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/cuemby/tierd/pkg/log"
)

// FlagLegacyFstab marks removal of the legacy RAM mount lines from fstab
const FlagLegacyFstab = "legacy_tmpfs_fstab_removed"

// FlagStore persists one-shot flags
type FlagStore interface {
	Flag(name string) bool
	SetFlag(name string) error
}

// Migration is a single one-shot correction
type Migration struct {
	Flag  string
	Apply func(ctx context.Context) error
}

// Runner applies pending migrations in order
type Runner struct {
	flags      FlagStore
	migrations []Migration
	events     events.Publisher
}

// NewRunner returns a runner over flags
func NewRunner(flags FlagStore, p events.Publisher, migrations ...Migration) *Runner {
	if p == nil {
		p = events.Discard{}
	}
	return &Runner{flags: flags, migrations: migrations, events: p}
}

// Run applies every migration whose flag is unset. A failed migration is
// left unflagged and retried on the next call; later migrations still run.
func (r *Runner) Run(ctx context.Context) (applied []string, err error) {
	logger := log.WithComponent("migrate")
	var firstErr error
	for _, m := range r.migrations {
		if r.flags.Flag(m.Flag) {
			continue
		}
		if err := m.Apply(ctx); err != nil {
			logger.Error().Err(err).Str("migration", m.Flag).Msg("Migration failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("migration %s: %w", m.Flag, err)
			}
			continue
		}
		if err := r.flags.SetFlag(m.Flag); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to record migration %s: %w", m.Flag, err)
			}
			continue
		}
		logger.Info().Str("migration", m.Flag).Msg("Migration applied")
		r.events.Publish(events.New(events.EventMigrationApplied, "migration applied", map[string]string{
			"migration": m.Flag,
		}))
		applied = append(applied, m.Flag)
	}
	return applied, firstErr
}

// LegacyFstab removes fstab lines mounting fsType at or below targetPrefix.
// Older releases mounted the managed directories that way, which would hide
// the overlay at boot.
func LegacyFstab(table *fstab.Table, targetPrefix, fsType string) Migration {
	prefix := filepath.Clean(targetPrefix)
	return Migration{
		Flag: FlagLegacyFstab,
		Apply: func(context.Context) error {
			n, err := table.RemoveMatching(func(e fstab.Entry) bool {
				file := filepath.Clean(e.File)
				under := file == prefix || strings.HasPrefix(file, prefix+"/")
				return under && strings.EqualFold(e.VfsType, fsType)
			})
			if err != nil {
				return err
			}
			logger := log.WithComponent("migrate")
			logger.Info().
				Int("removed", n).
				Str("path", table.Path()).
				Msg("Removed legacy mount lines")
			return nil
		},
	}
}
