package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Stats summarizes one file movement or removal run
type Stats struct {
	Files  int
	Bytes  uint64
	Failed int
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Bytes += o.Bytes
	s.Failed += o.Failed
}

// Overflow moves every upper layer file larger than the threshold to the
// same relative path in the overflow directory.
func (m *Manager) Overflow(ctx context.Context) Stats {
	var total Stats
	for _, ov := range m.Overlays() {
		if !ov.HasDurableLayer() {
			continue
		}
		st := m.moveTree(ctx, ov, func(info os.FileInfo) bool {
			return uint64(info.Size()) > m.cfg.OverflowThreshold
		})
		if st.Files > 0 {
			logger := log.WithDir("tier", ov.Target)
			logger.Info().
				Int("files", st.Files).
				Uint64("bytes", st.Bytes).
				Msg("Moved large files to durable volume")
		}
		metrics.OverflowFilesTotal.WithLabelValues(ov.Name).Add(float64(st.Files))
		total.add(st)
	}
	return total
}

// Flush moves the whole upper layer to the overflow directory. Low free
// space on the durable volume is reported but does not stop the flush.
func (m *Manager) Flush(ctx context.Context) Stats {
	var total Stats
	m.checkFreeSpace(ctx)
	for _, ov := range m.Overlays() {
		if !ov.HasDurableLayer() {
			continue
		}
		logger := log.WithDir("tier", ov.Target)
		st := m.moveTree(ctx, ov, func(os.FileInfo) bool { return true })
		m.removeEmptyDirs(ov)
		metrics.FlushedBytesTotal.WithLabelValues(ov.Name).Add(float64(st.Bytes))
		logger.Info().
			Int("files", st.Files).
			Uint64("bytes", st.Bytes).
			Int("failed", st.Failed).
			Msg("Flushed RAM layer")
		m.events.Publish(events.New(events.EventTierFlushed, "ram layer flushed", map[string]string{
			"dir":   ov.Target,
			"files": fmt.Sprint(st.Files),
			"bytes": fmt.Sprint(st.Bytes),
		}))
		total.add(st)
	}
	return total
}

func (m *Manager) checkFreeSpace(ctx context.Context) {
	root := m.DurableRoot()
	if root == "" {
		return
	}
	ratio, err := m.space.FreeRatio(ctx, root)
	if err != nil {
		m.logger.Warn().Err(err).Str("root", root).Msg("Failed to check free space")
		return
	}
	metrics.DurableFreeRatio.Set(ratio)
	if ratio*100 < m.cfg.MinFreePercent {
		m.logger.Warn().
			Str("root", root).
			Float64("free_percent", ratio*100).
			Float64("min_percent", m.cfg.MinFreePercent).
			Msg("Durable volume is low on space")
		m.events.Publish(events.New(events.EventTierLowSpace, "durable volume low on space", map[string]string{
			"root":         root,
			"free_percent": fmt.Sprintf("%.1f", ratio*100),
		}))
	}
}

// Prune removes archived files matching each directory's patterns from the
// RAM layer and the overflow directory.
func (m *Manager) Prune(ctx context.Context) Stats {
	patterns := make(map[string][]string, len(m.dirs))
	for _, d := range m.dirs {
		patterns[d.Name] = d.ArchivePatterns
	}

	var total Stats
	for _, ov := range m.Overlays() {
		pats := patterns[ov.Name]
		if len(pats) == 0 {
			continue
		}
		roots := []string{ov.Upper}
		if ov.HasDurableLayer() {
			roots = append(roots, ov.Overflow)
		}
		var st Stats
		for _, root := range roots {
			st.add(m.removeMatching(ctx, root, pats, 0))
		}
		if st.Files > 0 {
			logger := log.WithDir("tier", ov.Target)
			logger.Info().Int("files", st.Files).Msg("Pruned archived files")
		}
		metrics.PrunedFilesTotal.WithLabelValues(ov.Name).Add(float64(st.Files))
		total.add(st)
	}
	return total
}

// CleanLargeLogs deletes log files above the configured size from the
// configured directories.
func (m *Manager) CleanLargeLogs(ctx context.Context) Stats {
	var total Stats
	for _, dir := range m.cfg.LogCleanupDirs {
		st := m.removeMatching(ctx, dir, m.cfg.LogCleanupPatterns, m.cfg.LogCleanupMaxBytes)
		if st.Files > 0 {
			logger := log.WithDir("tier", dir)
			logger.Info().
				Int("files", st.Files).
				Uint64("bytes", st.Bytes).
				Msg("Removed oversized logs")
		}
		metrics.LogsRemovedTotal.Add(float64(st.Files))
		total.add(st)
	}
	return total
}

// moveTree moves regular files under ov.Upper selected by want.
func (m *Manager) moveTree(ctx context.Context, ov types.OverlayMount, want func(os.FileInfo) bool) Stats {
	var st Stats
	logger := log.WithDir("tier", ov.Target)
	_ = afero.Walk(m.fs, ov.Upper, func(path string, info os.FileInfo, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to read path")
			return nil
		}
		if !info.Mode().IsRegular() || !want(info) {
			return nil
		}
		rel, err := filepath.Rel(ov.Upper, path)
		if err != nil {
			return nil
		}
		dst := filepath.Join(ov.Overflow, rel)
		if err := m.moveFile(path, dst); err != nil {
			st.Failed++
			metrics.MoveFailuresTotal.Inc()
			logger.Error().Err(err).Str("path", path).Msg("Failed to move file")
			return nil
		}
		st.Files++
		st.Bytes += uint64(info.Size())
		return nil
	})
	return st
}

// removeMatching deletes regular files under root whose base name matches
// a pattern and whose size exceeds minSize.
func (m *Manager) removeMatching(ctx context.Context, root string, patterns []string, minSize uint64) Stats {
	var st Stats
	_ = afero.Walk(m.fs, root, func(path string, info os.FileInfo, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn().Err(err).Str("path", path).Msg("Failed to read path")
			}
			return nil
		}
		if !info.Mode().IsRegular() || (minSize > 0 && uint64(info.Size()) <= minSize) {
			return nil
		}
		if !matchAny(patterns, info.Name()) {
			return nil
		}
		if err := m.fs.Remove(path); err != nil {
			st.Failed++
			m.logger.Error().Err(err).Str("path", path).Msg("Failed to remove file")
			return nil
		}
		st.Files++
		st.Bytes += uint64(info.Size())
		return nil
	})
	return st
}

// removeEmptyDirs removes directories left empty under the upper layer,
// deepest first. Each one is recreated in the overflow directory first so
// it stays visible through the overlay.
func (m *Manager) removeEmptyDirs(ov types.OverlayMount) {
	var dirs []string
	_ = afero.Walk(m.fs, ov.Upper, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != ov.Upper {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	for _, dir := range dirs {
		entries, err := afero.ReadDir(m.fs, dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		rel, err := filepath.Rel(ov.Upper, dir)
		if err != nil {
			continue
		}
		mode := os.FileMode(0o755)
		if info, err := m.fs.Stat(dir); err == nil {
			mode = info.Mode().Perm()
		}
		if err := m.fs.MkdirAll(filepath.Join(ov.Overflow, rel), mode); err != nil {
			continue
		}
		_ = m.fs.Remove(dir)
	}
}

// moveFile renames src to dst, replacing dst. Across filesystems it
// copies, syncs and removes src.
func (m *Manager) moveFile(src, dst string) error {
	if err := m.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	err := m.rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}
	return m.copyFile(src, dst)
}

func (m *Manager) copyFile(src, dst string) error {
	info, err := m.fs.Stat(src)
	if err != nil {
		return err
	}
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	_ = m.fs.Chtimes(dst, info.ModTime(), info.ModTime())
	return m.fs.Remove(src)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
