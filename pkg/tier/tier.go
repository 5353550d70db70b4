package tier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/mounts"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// ErrNoDurableLayer is returned when no watch root holds a live mount.
var ErrNoDurableLayer = errors.New("no durable layer mounted")

// Config controls the layering and file movement policy
type Config struct {
	// RAMBase holds one tmpfs per managed directory
	RAMBase string
	// WatchRoots are scanned in order for a mounted durable volume
	WatchRoots []string
	// OverflowDirName is created at the top of the durable volume
	OverflowDirName string
	// OverflowThreshold is the largest file kept in RAM
	OverflowThreshold uint64
	// MinFreePercent triggers a low space warning before a flush
	MinFreePercent float64

	LogCleanupDirs     []string
	LogCleanupPatterns []string
	LogCleanupMaxBytes uint64
}

// Manager layers each managed directory over RAM and moves files down to
// the durable volume.
type Manager struct {
	cfg     Config
	dirs    []types.ManagedDir
	fs      afero.Fs
	table   mounts.Table
	mounter Mounter
	space   SpaceChecker
	fstab   *fstab.Table
	events  events.Publisher
	logger  zerolog.Logger

	// rename is replaced in tests to force the copy path
	rename func(oldname, newname string) error

	mu       sync.Mutex
	overlays map[string]types.OverlayMount
	durable  string
}

// Option configures optional Manager collaborators
type Option func(*Manager)

// WithEvents publishes tier events to p
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithSpaceChecker replaces the statfs based free space check
func WithSpaceChecker(s SpaceChecker) Option {
	return func(m *Manager) { m.space = s }
}

// NewManager creates a tier manager for dirs
func NewManager(cfg Config, dirs []types.ManagedDir, fs afero.Fs, table mounts.Table, mounter Mounter, fstabTable *fstab.Table, opts ...Option) *Manager {
	if cfg.OverflowDirName == "" {
		cfg.OverflowDirName = "tierd_overflow"
	}
	m := &Manager{
		cfg:      cfg,
		dirs:     dirs,
		fs:       fs,
		table:    table,
		mounter:  mounter,
		space:    DiskSpace{},
		fstab:    fstabTable,
		events:   events.Discard{},
		logger:   log.WithComponent("tier"),
		overlays: make(map[string]types.OverlayMount),
	}
	m.rename = fs.Rename
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ResolveDurableRoot returns the first live, non-virtual mount point found
// directly under a watch root.
func (m *Manager) ResolveDurableRoot(ctx context.Context) (string, error) {
	ms, err := m.table.List(ctx)
	if err != nil {
		return "", err
	}
	return m.resolveDurableRoot(ms)
}

func (m *Manager) resolveDurableRoot(ms []types.Mount) (string, error) {
	for _, root := range m.cfg.WatchRoots {
		entries, err := afero.ReadDir(m.fs, root)
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn().Err(err).Str("root", root).Msg("Failed to list watch root")
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			p := filepath.Join(root, e.Name())
			mnt, ok := mounts.FindTarget(ms, p)
			if ok && !mounts.IsVirtual(mnt.FSType) {
				return p, nil
			}
		}
	}
	return "", ErrNoDurableLayer
}

// Overlays returns the layers established by the last Setup, sorted by
// target.
func (m *Manager) Overlays() []types.OverlayMount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.OverlayMount, 0, len(m.overlays))
	for _, d := range m.dirs {
		if o, ok := m.overlays[d.Name]; ok {
			out = append(out, o)
		}
	}
	return out
}

// DurableRoot returns the durable volume seen by the last Setup.
func (m *Manager) DurableRoot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durable
}

// Setup layers every managed directory. Directories that are already
// mounted are adopted as they are. A directory that cannot be set up is
// logged and left unmanaged for this pass.
func (m *Manager) Setup(ctx context.Context) ([]types.OverlayMount, error) {
	ms, err := m.table.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to setup tier: %w", err)
	}
	root, err := m.resolveDurableRoot(ms)
	if err != nil {
		root = ""
	}

	m.mu.Lock()
	m.durable = root
	m.mu.Unlock()

	var errs []error
	for _, dir := range m.dirs {
		ov, err := m.setupDir(ctx, dir, ms, root)
		m.mu.Lock()
		if err != nil {
			delete(m.overlays, dir.Name)
		} else {
			m.overlays[dir.Name] = ov
		}
		m.mu.Unlock()
		m.updateActiveGauge(dir.Name, ov, err == nil)
		logger := log.WithDir("tier", dir.Path)
		if err != nil {
			logger.Error().Err(err).Msg("Directory left unmanaged this pass")
			errs = append(errs, err)
			continue
		}
		if !ov.Fallback && !ov.HasDurableLayer() {
			logger.Warn().Str("lower", ov.Lower).Msg("Overlay has no durable layer, overflow paused")
		}
	}
	return m.Overlays(), errors.Join(errs...)
}

// Inspect adopts the layers that are already mounted without mounting or
// recording anything. Directories that are not mounted are left out.
func (m *Manager) Inspect(ctx context.Context) ([]types.OverlayMount, error) {
	ms, err := m.table.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect tier: %w", err)
	}
	root, err := m.resolveDurableRoot(ms)
	if err != nil {
		root = ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.durable = root
	m.overlays = make(map[string]types.OverlayMount)
	var errs []error
	for _, dir := range m.dirs {
		cur, ok := mounts.FindTarget(ms, dir.Path)
		if !ok {
			continue
		}
		ov, err := m.adopt(dir, cur, root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.overlays[dir.Name] = ov
	}

	out := make([]types.OverlayMount, 0, len(m.overlays))
	for _, d := range m.dirs {
		if o, ok := m.overlays[d.Name]; ok {
			out = append(out, o)
		}
	}
	return out, errors.Join(errs...)
}

func (m *Manager) plan(dir types.ManagedDir, root string) types.OverlayMount {
	ram := filepath.Join(m.cfg.RAMBase, dir.Name)
	ov := types.OverlayMount{
		Name:      dir.Name,
		Target:    dir.Path,
		RAMDir:    ram,
		Upper:     filepath.Join(ram, "upper"),
		Work:      filepath.Join(ram, "work"),
		SizeBytes: dir.SizeBytes,
		Mode:      dir.Mode,
	}
	if root != "" {
		ov.Overflow = filepath.Join(root, m.cfg.OverflowDirName, dir.Name)
		ov.Lower = ov.Overflow
	}
	return ov
}

func (m *Manager) setupDir(ctx context.Context, dir types.ManagedDir, ms []types.Mount, root string) (types.OverlayMount, error) {
	logger := log.WithDir("tier", dir.Path)

	if cur, ok := mounts.FindTarget(ms, dir.Path); ok {
		return m.adopt(dir, cur, root)
	}

	if root == "" {
		return m.setupFallback(ctx, dir)
	}

	ov := m.plan(dir, root)
	if !mounts.IsMountPoint(ms, ov.RAMDir) {
		if err := m.fs.MkdirAll(ov.RAMDir, 0o755); err != nil {
			return ov, fmt.Errorf("failed to create %s: %w", ov.RAMDir, err)
		}
		if err := m.mounter.MountTmpfs(ctx, ov.RAMDir, dir.SizeBytes, 0o755); err != nil {
			return ov, err
		}
	}
	for _, p := range []string{ov.Upper, ov.Work, ov.Overflow, dir.Path} {
		if err := m.fs.MkdirAll(p, 0o755); err != nil {
			return ov, fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	if err := m.mounter.MountOverlay(ctx, dir.Path, ov.Lower, ov.Upper, ov.Work); err != nil {
		return ov, err
	}
	if err := m.fs.Chmod(dir.Path, dir.Mode); err != nil {
		logger.Warn().Err(err).Msg("Failed to set directory mode")
	}
	ov.Active = true

	logger.Info().
		Str("upper", ov.Upper).
		Str("overflow", ov.Overflow).
		Str("size", fstab.FormatSize(dir.SizeBytes)).
		Msg("Overlay activated")
	m.events.Publish(events.New(events.EventTierActivated, "overlay activated", map[string]string{
		"dir":      dir.Path,
		"overflow": ov.Overflow,
	}))
	return ov, nil
}

// adopt describes a directory that was mounted by an earlier pass or run.
// An overlay keeps its overflow only while its lower layer sits on the
// durable root resolved this pass; a lower left behind by a vanished volume
// now lives on the root filesystem and must not receive files.
func (m *Manager) adopt(dir types.ManagedDir, cur types.Mount, root string) (types.OverlayMount, error) {
	switch strings.ToLower(cur.FSType) {
	case "overlay", "overlayfs":
		ov := m.plan(dir, "")
		if upper := mountOption(cur.Options, "upperdir"); upper != "" {
			ov.Upper = upper
		}
		if work := mountOption(cur.Options, "workdir"); work != "" {
			ov.Work = work
		}
		if lower := mountOption(cur.Options, "lowerdir"); lower != "" {
			// the first lowerdir is the topmost lower layer
			ov.Lower, _, _ = strings.Cut(lower, ":")
			if within(ov.Lower, root) {
				ov.Overflow = ov.Lower
			}
		}
		ov.Active = true
		return ov, nil
	case "tmpfs":
		ov := m.plan(dir, "")
		ov.Fallback = true
		ov.Upper = dir.Path
		ov.Work = ""
		ov.RAMDir = dir.Path
		ov.Active = true
		return ov, nil
	}
	return types.OverlayMount{}, fmt.Errorf("%s is already mounted as %s", dir.Path, cur.FSType)
}

// within reports whether path is root or lies below it. An empty root
// contains nothing.
func within(path, root string) bool {
	if root == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

func (m *Manager) setupFallback(ctx context.Context, dir types.ManagedDir) (types.OverlayMount, error) {
	logger := log.WithDir("tier", dir.Path)
	ov := m.plan(dir, "")
	ov.Fallback = true
	ov.Upper = dir.Path
	ov.Work = ""
	ov.RAMDir = dir.Path

	if err := m.fs.MkdirAll(dir.Path, 0o755); err != nil {
		return ov, fmt.Errorf("failed to create %s: %w", dir.Path, err)
	}
	if err := m.mounter.MountTmpfs(ctx, dir.Path, dir.SizeBytes, dir.Mode); err != nil {
		return ov, err
	}
	ov.Active = true

	if m.fstab != nil {
		if _, err := m.fstab.Ensure(fstab.TmpfsEntry(dir.Path, dir.SizeBytes, dir.Mode)); err != nil {
			logger.Error().Err(err).Msg("Failed to record tmpfs in fstab")
		}
	}

	logger.Warn().Msg("No durable volume found, mounted plain tmpfs")
	m.events.Publish(events.New(events.EventTierFallback, "tmpfs fallback mounted", map[string]string{
		"dir": dir.Path,
	}))
	return ov, nil
}

func (m *Manager) updateActiveGauge(name string, ov types.OverlayMount, ok bool) {
	overlay, fallback := 0.0, 0.0
	if ok && ov.Active {
		if ov.Fallback {
			fallback = 1
		} else {
			overlay = 1
		}
	}
	metrics.OverlaysActive.WithLabelValues(name, "overlay").Set(overlay)
	metrics.OverlaysActive.WithLabelValues(name, "fallback").Set(fallback)
}

func mountOption(opts []string, key string) string {
	prefix := key + "="
	for _, o := range opts {
		for _, part := range strings.Split(o, ",") {
			if strings.HasPrefix(part, prefix) {
				return strings.TrimPrefix(part, prefix)
			}
		}
	}
	return ""
}
