package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cuemby/tierd/pkg/api"
	"github.com/cuemby/tierd/pkg/command"
	"github.com/cuemby/tierd/pkg/drive"
	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/cuemby/tierd/pkg/hotplug"
	"github.com/cuemby/tierd/pkg/identity"
	"github.com/cuemby/tierd/pkg/inventory"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/migrate"
	"github.com/cuemby/tierd/pkg/mounts"
	"github.com/cuemby/tierd/pkg/reconciler"
	"github.com/cuemby/tierd/pkg/schedule"
	"github.com/cuemby/tierd/pkg/service"
	"github.com/cuemby/tierd/pkg/storage"
	"github.com/cuemby/tierd/pkg/tier"
	"github.com/cuemby/tierd/pkg/update"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the storage daemon",
	Long: `Run the control loop: mount qualifying drives, keep managed directories
layered over RAM, move large files to disk and run periodic maintenance.

The loop runs one pass immediately and then every scan interval, plus an
extra pass whenever a device appears or disappears.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().Bool("once", false, "Run a single pass and exit")
	runCmd.Flags().Duration("interval", 0, "Scan interval (overrides scan_interval)")
	runCmd.Flags().Bool("allow-reformat", false, "Allow partitioning and formatting drives")
	runCmd.Flags().String("status-addr", "", "Status server listen address (overrides status_addr)")

	rootCmd.AddCommand(runCmd)
}

// daemon holds every component of a running tierd
type daemon struct {
	runner  command.Runner
	fs      afero.Fs
	store   *identity.Store
	table   *fstab.Table
	inv     *inventory.Inventory
	drives  *drive.Manager
	tier    *tier.Manager
	journal *storage.BoltStore
	broker  *events.Broker
}

// newDaemon builds the components shared by run and the one-shot commands
func newDaemon(withJournal bool) (*daemon, error) {
	d := &daemon{
		runner: command.NewExecRunner(),
		fs:     afero.NewOsFs(),
		broker: events.NewBroker(),
	}
	sysMounts := mounts.NewSystemTable()

	store, err := identity.Open(identity.Options{
		Path:      cfg.StorePath,
		MountBase: cfg.MountBase,
		Prefix:    cfg.MountPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open assignment store: %w", err)
	}
	d.store = store
	d.table = fstab.New(d.fs, cfg.FstabPath)
	d.inv = inventory.New(inventory.NewExecProbe(d.runner, sysMounts), uint64(cfg.LargeVolumeThreshold))

	driveOpts := []drive.Option{drive.WithEvents(d.broker)}
	if withJournal {
		journal, err := storage.NewBoltStore(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		d.journal = journal
		driveOpts = append(driveOpts, drive.WithRecorder(journal))
	}

	d.drives = drive.NewManager(
		drive.Config{FSType: cfg.FSType, AllowReformat: cfg.AllowReformat},
		d.inv, drive.NewExecOps(d.runner), d.store, d.table, d.fs, driveOpts...,
	)
	d.tier = tier.NewManager(
		tier.Config{
			RAMBase:            cfg.RAMBase,
			WatchRoots:         cfg.WatchRoots,
			OverflowDirName:    cfg.OverflowDirName,
			OverflowThreshold:  uint64(cfg.OverflowThreshold),
			MinFreePercent:     cfg.MinFreePercent,
			LogCleanupDirs:     cfg.LogCleanupDirs,
			LogCleanupPatterns: cfg.LogCleanupPatterns,
			LogCleanupMaxBytes: uint64(cfg.LogCleanupMaxBytes),
		},
		cfg.Dirs(), d.fs, sysMounts, tier.NewExecMounter(d.runner), d.table,
		tier.WithEvents(d.broker),
		tier.WithSpaceChecker(tier.DiskSpace{}),
	)
	return d, nil
}

func (d *daemon) close() {
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to close journal")
		}
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("interval") {
		cfg.ScanInterval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("allow-reformat") {
		cfg.AllowReformat, _ = flags.GetBool("allow-reformat")
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr, _ = flags.GetString("status-addr")
	}
	once, _ := flags.GetBool("once")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.WithComponent("daemon")
	logger.Info().
		Str("version", Version).
		Str("config", mustFlag(cmd, "config")).
		Dur("interval", cfg.ScanInterval).
		Bool("allow_reformat", cfg.AllowReformat).
		Msg("Starting tierd")

	metrics.SetVersion(Version)
	// a pass may block on mkfs or fsck for up to 30 minutes
	metrics.SetStaleAfter(3*cfg.ScanInterval + 30*time.Minute)

	d, err := newDaemon(true)
	if err != nil {
		return err
	}
	defer d.close()

	d.broker.Start()
	sub := d.broker.Subscribe()
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		d.journal.Record(sub)
	}()
	defer func() {
		d.broker.Stop()
		d.broker.Unsubscribe(sub)
		<-recorded
	}()

	sched, err := parseSchedules()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	migrations := migrate.NewRunner(d.store, d.broker,
		migrate.LegacyFstab(d.table, cfg.Legacy.FstabTargetPrefix, cfg.Legacy.FstabFSType),
	)
	opts := reconciler.Options{
		Interval:   cfg.ScanInterval,
		Schedules:  sched,
		Store:      d.store,
		Drives:     d.drives,
		Tier:       d.tier,
		Migrations: migrations,
		Journal:    d.journal,
		Events:     d.broker,
	}
	if len(cfg.Services) > 0 {
		opts.Services = service.NewSupervisor(d.runner, cfg.Services...)
	}

	var watcher *hotplug.Watcher
	if !once && cfg.HotplugDir != "" {
		watcher, err = hotplug.New(cfg.HotplugDir)
		if err != nil {
			logger.Warn().Err(err).Str("dir", cfg.HotplugDir).Msg("Device watcher unavailable, relying on the scan interval")
		} else {
			defer watcher.Close()
			go watcher.Run(ctx)
			opts.Wake = watcher.C()
		}
	}

	var restartInto atomic.Value
	rec := reconciler.NewReconciler(opts)
	err = addOptionalTasks(rec, d, func(version string) {
		restartInto.Store(version)
		cancel()
	})
	if err != nil {
		return err
	}

	if once {
		rep := rec.RunOnce(ctx)
		if len(rep.Errors) > 0 {
			return fmt.Errorf("pass finished with %d errors", len(rep.Errors))
		}
		return nil
	}

	server := api.NewStatusServer(api.Sources{
		Version:     Version,
		Assignments: d.store,
		History:     d.journal,
		Loop:        rec,
	})
	if cfg.StatusAddr != "" {
		go func() {
			if err := server.Start(cfg.StatusAddr); err != nil {
				logger.Error().Err(err).Msg("Status server failed")
			}
		}()
	}

	rec.Start(ctx)
	<-ctx.Done()

	logger.Info().Msg("Shutting down")
	rec.Stop()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Status server shutdown failed")
	}

	// a non-zero exit makes the service manager start the new binary
	if v, ok := restartInto.Load().(string); ok {
		return fmt.Errorf("restarting into version %s", v)
	}
	return nil
}

func parseSchedules() (reconciler.Schedules, error) {
	var out reconciler.Schedules
	for _, s := range []struct {
		key  string
		expr string
		dst  *cron.Schedule
	}{
		{"flush_schedule", cfg.FlushSchedule, &out.Flush},
		{"prune_schedule", cfg.PruneSchedule, &out.Prune},
		{"log_cleanup_schedule", cfg.LogCleanupSchedule, &out.LogCleanup},
	} {
		// "off" leaves the task unregistered
		if s.expr == "" || s.expr == "off" {
			continue
		}
		parsed, err := schedule.Parse(s.expr)
		if err != nil {
			return out, fmt.Errorf("%s: %w", s.key, err)
		}
		*s.dst = parsed
	}
	return out, nil
}

// addOptionalTasks registers the journald and self-update tasks when
// configured. A successful update calls restart.
func addOptionalTasks(rec *reconciler.Reconciler, d *daemon, restart func(version string)) error {
	if cfg.Journald.Enabled {
		journald := service.NewJournald(d.fs, d.runner, service.JournaldConfig{
			Storage:    cfg.Journald.Storage,
			MaxUse:     uint64(cfg.Journald.MaxUse),
			DropInPath: cfg.Journald.DropInPath,
		})
		daily, _ := schedule.Parse("24h")
		rec.AddTask("journald", daily, true, func(ctx context.Context) error {
			_, err := journald.Apply(ctx)
			return err
		})
	}

	if cfg.Update.Repository == "" {
		return nil
	}
	source, err := update.NewGitHub(cfg.Update.Repository)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	checker := update.NewChecker(source, Version)
	if !checker.Enabled() {
		logger := log.WithComponent("update")
		logger.Info().Str("version", Version).Msg("Self-update disabled for development builds")
		return nil
	}
	every, err := schedule.Parse(cfg.Update.Schedule)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	rec.AddTask("update", every, false, func(ctx context.Context) error {
		installed, err := checker.Check(ctx)
		if err != nil {
			if errors.Is(err, update.ErrDisabled) {
				return nil
			}
			return err
		}
		if installed != "" && cfg.Update.Restart {
			restart(installed)
		}
		return nil
	})
	return nil
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
