package drive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/cuemby/tierd/pkg/inventory"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Resolver maps a filesystem UUID to its permanent mount path
type Resolver interface {
	Resolve(uuid string) (path string, created bool, err error)
}

// Recorder receives the outcome of every partition each pass
type Recorder interface {
	PutDrive(rec *types.DriveRecord) error
}

// Config controls the lifecycle policy
type Config struct {
	// FSType is the filesystem every managed partition must carry
	FSType string
	// AllowReformat permits partitioning empty disks and formatting
	// partitions. Both destroy data.
	AllowReformat bool
}

// Manager brings every qualifying device to a mounted state.
type Manager struct {
	cfg      Config
	inv      *inventory.Inventory
	probe    inventory.DeviceProbe
	ops      Ops
	store    Resolver
	table    *fstab.Table
	fs       afero.Fs
	events   events.Publisher
	recorder Recorder
	logger   zerolog.Logger

	mu       sync.Mutex
	failures map[string]int
	last     map[string]types.DriveRecord
}

// Option configures optional Manager collaborators
type Option func(*Manager)

// WithEvents publishes lifecycle events to p
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithRecorder journals each partition outcome to r
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a drive lifecycle manager. fs is used to create
// mount point directories.
func NewManager(cfg Config, inv *inventory.Inventory, ops Ops, store Resolver, table *fstab.Table, fs afero.Fs, opts ...Option) *Manager {
	if cfg.FSType == "" {
		cfg.FSType = "ext4"
	}
	m := &Manager{
		cfg:      cfg,
		inv:      inv,
		probe:    inv.Probe(),
		ops:      ops,
		store:    store,
		table:    table,
		fs:       fs,
		events:   events.Discard{},
		logger:   log.WithComponent("drive"),
		failures: make(map[string]int),
		last:     make(map[string]types.DriveRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is the outcome for one partition (or one unpartitioned device)
type Result struct {
	Device    string
	Partition string
	UUID      string
	MountPath string
	State     State
	Trace     []State
	Err       error
}

// Summary is the outcome of a whole pass
type Summary struct {
	Devices       int
	Mounted       int
	Skipped       int
	Unrecoverable int
	Results       []Result
}

// Reconcile runs one lifecycle pass over every qualifying device. It never
// returns an error: per-device failures are logged, journaled and retried
// on the next pass.
func (m *Manager) Reconcile(ctx context.Context) Summary {
	devs := m.inv.Qualifying(ctx)
	sum := Summary{Devices: len(devs)}
	if len(devs) == 0 {
		m.logger.Info().Msg("No drives detected")
	}

	for _, dev := range devs {
		if ctx.Err() != nil {
			break
		}
		for _, res := range m.reconcileDevice(ctx, dev) {
			switch res.State {
			case StateMounted:
				sum.Mounted++
			case StateSkipped:
				sum.Skipped++
			case StateUnrecoverable:
				sum.Unrecoverable++
			}
			m.record(res)
			sum.Results = append(sum.Results, res)
		}
	}

	metrics.MountedDrives.Set(float64(sum.Mounted))
	metrics.UnrecoverableDrives.Set(float64(sum.Unrecoverable))
	return sum
}

// passState limits each escalation step to once per partition per pass
type passState struct {
	formatted bool
	repaired  bool
}

func (m *Manager) reconcileDevice(ctx context.Context, dev types.BlockDevice) []Result {
	logger := m.logger.With().Str("device", dev.Path).Str("transport", dev.Transport).Logger()

	parts := m.inv.PartitionsOf(ctx, dev)
	if len(parts) > 0 {
		out := make([]Result, 0, len(parts))
		for _, p := range parts {
			out = append(out, m.reconcilePartition(ctx, dev, p, nil))
		}
		return out
	}

	mc := newMachine(StateNoPartition)
	res := Result{Device: dev.Path}

	if !m.cfg.AllowReformat {
		logger.Warn().Msg("Device has no partitions and reformat is disabled, skipping")
		m.fire(mc, EventReformatDisabled, logger)
		return []Result{m.finish(res, mc, nil)}
	}

	logger.Info().Str("fs_type", m.cfg.FSType).Msg("Device has no partitions, creating partition table")
	if err := m.ops.Partition(ctx, dev.Path, m.cfg.FSType); err != nil {
		logger.Error().Err(err).Msg("Failed to partition device")
		m.fire(mc, EventFailed, logger)
		return []Result{m.finish(res, mc, err)}
	}
	m.fire(mc, EventPartitioned, logger)

	parts = m.inv.PartitionsOf(ctx, dev)
	if len(parts) == 0 {
		err := errors.New("no partition visible after partitioning")
		logger.Error().Err(err).Msg("Partitioning had no effect")
		m.fire(mc, EventFailed, logger)
		return []Result{m.finish(res, mc, err)}
	}

	out := make([]Result, 0, len(parts))
	for _, p := range parts {
		out = append(out, m.reconcilePartition(ctx, dev, p, mc.trace[:1]))
	}
	return out
}

func (m *Manager) reconcilePartition(ctx context.Context, dev types.BlockDevice, part types.Partition, prefix []State) Result {
	logger := log.WithDevice("drive", part.Path)
	mc := newMachine(StatePartitioned)
	if prefix != nil {
		mc.trace = append(append([]State(nil), prefix...), mc.trace...)
	}
	res := Result{Device: dev.Path, Partition: part.Path}
	pass := &passState{}

	current := m.fsType(ctx, part.Path)
	if current == m.cfg.FSType {
		m.fire(mc, EventTargetFS, logger)
	} else {
		if mp, err := m.probe.MountPoint(ctx, part.Path); err == nil {
			logger.Warn().
				Str("fs_type", current).
				Str("mounted_at", mp).
				Msg("Partition with a foreign filesystem is in use, skipping")
			m.fire(mc, EventInUse, logger)
			return m.finish(res, mc, nil)
		}
		if !m.cfg.AllowReformat {
			logger.Warn().
				Str("fs_type", current).
				Str("want", m.cfg.FSType).
				Msg("Partition has a foreign filesystem and reformat is disabled, skipping")
			m.fire(mc, EventReformatDisabled, logger)
			return m.finish(res, mc, nil)
		}
		logger.Warn().Str("fs_type", current).Str("want", m.cfg.FSType).Msg("Formatting partition")
		pass.formatted = true
		if err := m.ops.Format(ctx, part.Path, m.cfg.FSType); err != nil {
			logger.Error().Err(err).Msg("Format failed")
			m.fire(mc, EventFailed, logger)
			return m.finish(res, mc, err)
		}
		m.fire(mc, EventFormatted, logger)
	}

	return m.assignAndMount(ctx, mc, part, res, pass, logger)
}

// assignAndMount continues from Formatted or Reformatted.
func (m *Manager) assignAndMount(ctx context.Context, mc *machine, part types.Partition, res Result, pass *passState, logger zerolog.Logger) Result {
	id, err := m.probe.UUID(ctx, part.Path)
	if err != nil {
		logger.Warn().Err(err).Msg("Partition has no filesystem UUID, skipping")
		m.fire(mc, EventNoUUID, logger)
		return m.finish(res, mc, nil)
	}
	res.UUID = id

	path, created, err := m.store.Resolve(id)
	if err != nil {
		logger.Error().Err(err).Str("uuid", id).Msg("Failed to resolve mount path")
		m.fire(mc, EventFailed, logger)
		return m.finish(res, mc, err)
	}
	res.MountPath = path
	m.fire(mc, EventAssigned, logger)
	if created {
		m.publish(events.EventDriveAssigned, "new mount path assigned", res)
	}

	if mp, err := m.probe.MountPoint(ctx, part.Path); err == nil {
		if mp != path {
			logger.Warn().Str("mounted_at", mp).Str("assigned", path).Msg("Partition is mounted outside its assigned path")
		} else {
			m.ensureFstab(id, path, logger)
		}
		m.fire(mc, EventAlreadyMounted, logger)
		return m.finish(res, mc, nil)
	}

	err = m.mount(ctx, part.Path, path)
	if err == nil {
		m.fire(mc, EventMountOK, logger)
		m.ensureFstab(id, path, logger)
		logger.Info().Str("uuid", id).Str("mount_path", path).Msg("Mounted drive")
		m.publish(events.EventDriveMounted, "drive mounted", res)
		return m.finish(res, mc, nil)
	}
	logger.Warn().Err(err).Str("mount_path", path).Msg("Mount failed")
	res.Err = err
	m.fire(mc, EventMountFailed, logger)

	return m.recover(ctx, mc, part, res, pass, logger)
}

// recover escalates a failed mount: fsck for a partition that already
// carries the target filesystem, then reformat, then give up for this pass.
func (m *Manager) recover(ctx context.Context, mc *machine, part types.Partition, res Result, pass *passState, logger zerolog.Logger) Result {
	for mc.state == StateMountFailed {
		current := m.fsType(ctx, part.Path)

		switch {
		case current == m.cfg.FSType && !pass.repaired && !pass.formatted:
			pass.repaired = true
			logger.Warn().Msg("Running filesystem check")
			if err := m.ops.Fsck(ctx, part.Path); err != nil {
				logger.Warn().Err(err).Msg("Filesystem check failed")
				res.Err = err
				m.fire(mc, EventRepairFailed, logger)
				continue
			}
			m.fire(mc, EventRepaired, logger)
			m.publish(events.EventDriveRepaired, "filesystem repaired", res)

			if err := m.mount(ctx, part.Path, res.MountPath); err != nil {
				logger.Warn().Err(err).Msg("Mount failed after repair")
				res.Err = err
				m.fire(mc, EventMountFailed, logger)
				continue
			}
			m.fire(mc, EventMountOK, logger)
			m.ensureFstab(res.UUID, res.MountPath, logger)
			logger.Info().Str("mount_path", res.MountPath).Msg("Mounted drive after repair")
			res.Err = nil
			return m.finish(res, mc, nil)

		case !pass.formatted && m.cfg.AllowReformat:
			pass.formatted = true
			logger.Warn().Str("fs_type", current).Msg("Reformatting partition after failed mount")
			if err := m.ops.Format(ctx, part.Path, m.cfg.FSType); err != nil {
				logger.Error().Err(err).Msg("Reformat failed")
				m.fire(mc, EventFailed, logger)
				return m.finish(res, mc, err)
			}
			m.fire(mc, EventReformatted, logger)
			m.publish(events.EventDriveReformatted, "partition reformatted", res)
			res.Err = nil
			// reformatting changes the UUID, so a new assignment follows
			return m.assignAndMount(ctx, mc, part, res, pass, logger)

		default:
			m.fire(mc, EventExhausted, logger)
		}
	}
	return m.finish(res, mc, res.Err)
}

func (m *Manager) mount(ctx context.Context, source, target string) error {
	if err := m.fs.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", target, err)
	}
	return m.ops.Mount(ctx, source, target, m.cfg.FSType)
}

func (m *Manager) ensureFstab(id, path string, logger zerolog.Logger) {
	if m.table == nil {
		return
	}
	added, err := m.table.Ensure(fstab.DriveEntry(id, path, m.cfg.FSType))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record drive in fstab")
		return
	}
	if added {
		logger.Info().Str("uuid", id).Str("mount_path", path).Msg("Added fstab entry")
	}
}

func (m *Manager) fsType(ctx context.Context, path string) string {
	fs, err := m.probe.FSType(ctx, path)
	if err != nil {
		return ""
	}
	return fs
}

func (m *Manager) fire(mc *machine, ev Event, logger zerolog.Logger) {
	from := mc.state
	if err := mc.fire(ev); err != nil {
		logger.Error().Err(err).Msg("Drive state machine rejected event")
		mc.state = StateUnrecoverable
		mc.trace = append(mc.trace, StateUnrecoverable)
		return
	}
	logger.Debug().Str("from", string(from)).Str("to", string(mc.state)).Str("event", string(ev)).Msg("Drive transition")
}

func (m *Manager) finish(res Result, mc *machine, err error) Result {
	res.State = mc.state
	res.Trace = mc.trace
	if err != nil {
		res.Err = err
	}
	if res.State == StateMounted {
		res.Err = nil
	}

	key := res.Partition
	if key == "" {
		key = res.Device
	}
	if res.State == StateUnrecoverable {
		logger := log.WithDevice("drive", key)
		logger.Error().Err(res.Err).Msg("Device unrecoverable this pass, will retry")
	}
	return res
}

func (m *Manager) record(res Result) {
	key := res.Partition
	if key == "" {
		key = res.Device
	}

	rec := types.DriveRecord{
		DevicePath: key,
		UUID:       res.UUID,
		MountPath:  res.MountPath,
		State:      string(res.State),
	}
	if res.Err != nil {
		rec.LastError = res.Err.Error()
	}

	m.mu.Lock()
	if res.State == StateUnrecoverable {
		m.failures[key]++
	} else {
		delete(m.failures, key)
	}
	rec.Failures = m.failures[key]
	prev, seen := m.last[key]
	changed := !seen || !sameRecord(prev, rec)
	if changed {
		m.last[key] = rec
	}
	m.mu.Unlock()

	// a steady state is neither journaled nor announced again
	if !changed {
		return
	}
	if !seen || prev.State != rec.State {
		switch res.State {
		case StateUnrecoverable:
			m.publish(events.EventDriveUnrecoverable, "device unrecoverable", res)
		case StateSkipped:
			m.publish(events.EventDriveSkipped, "device skipped", res)
		}
	}

	if m.recorder == nil {
		return
	}
	rec.UpdatedAt = time.Now()
	if err := m.recorder.PutDrive(&rec); err != nil {
		m.logger.Warn().Err(err).Str("device", key).Msg("Failed to journal drive state")
		// keep the state for events but force a rewrite next pass
		rec.Failures = -1
		m.mu.Lock()
		m.last[key] = rec
		m.mu.Unlock()
	}
}

func sameRecord(a, b types.DriveRecord) bool {
	return a.State == b.State &&
		a.Failures == b.Failures &&
		a.LastError == b.LastError &&
		a.UUID == b.UUID &&
		a.MountPath == b.MountPath
}

func (m *Manager) publish(t events.EventType, msg string, res Result) {
	md := map[string]string{"device": res.Device}
	if res.Partition != "" {
		md["partition"] = res.Partition
	}
	if res.UUID != "" {
		md["uuid"] = res.UUID
	}
	if res.MountPath != "" {
		md["mount_path"] = res.MountPath
	}
	m.events.Publish(events.New(t, msg, md))
}
