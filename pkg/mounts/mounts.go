package mounts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/tierd/pkg/types"
	"github.com/shirou/gopsutil/v4/disk"
)

// Table lists the live mount table
type Table interface {
	List(ctx context.Context) ([]types.Mount, error)
}

// SystemTable reads live mounts through gopsutil, which parses
// /proc/self/mountinfo on Linux.
type SystemTable struct{}

// NewSystemTable returns a Table backed by the kernel mount table
func NewSystemTable() *SystemTable {
	return &SystemTable{}
}

// List returns every mounted filesystem, including virtual ones.
func (SystemTable) List(ctx context.Context) ([]types.Mount, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	out := make([]types.Mount, 0, len(parts))
	for _, p := range parts {
		out = append(out, types.Mount{
			Source:  p.Device,
			Target:  p.Mountpoint,
			FSType:  p.Fstype,
			Options: p.Opts,
		})
	}
	return out, nil
}

// Static is a fixed, mutable mount table for tests and dry runs.
type Static struct {
	mu     sync.Mutex
	mounts []types.Mount
	Err    error
}

// NewStatic returns a Static table holding ms
func NewStatic(ms ...types.Mount) *Static {
	return &Static{mounts: ms}
}

// List implements Table
func (s *Static) List(context.Context) ([]types.Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]types.Mount(nil), s.mounts...), nil
}

// Add appends a mount
func (s *Static) Add(m types.Mount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts = append(s.mounts, m)
}

// Remove drops every mount at target
func (s *Static) Remove(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.mounts[:0]
	for _, m := range s.mounts {
		if filepath.Clean(m.Target) != filepath.Clean(target) {
			kept = append(kept, m)
		}
	}
	s.mounts = kept
}

// FindTarget returns the topmost mount at target.
func FindTarget(ms []types.Mount, target string) (types.Mount, bool) {
	target = filepath.Clean(target)
	var found types.Mount
	ok := false
	for _, m := range ms {
		if filepath.Clean(m.Target) == target {
			found, ok = m, true
		}
	}
	return found, ok
}

// FindSource returns the first mount of source.
func FindSource(ms []types.Mount, source string) (types.Mount, bool) {
	for _, m := range ms {
		if m.Source == source {
			return m, true
		}
	}
	return types.Mount{}, false
}

// IsMountPoint reports whether anything is mounted at target.
func IsMountPoint(ms []types.Mount, target string) bool {
	_, ok := FindTarget(ms, target)
	return ok
}

// RootSource returns the device backing "/", or "" when unknown.
func RootSource(ms []types.Mount) string {
	m, ok := FindTarget(ms, "/")
	if !ok {
		return ""
	}
	return m.Source
}

// IsVirtual reports whether fsType is a RAM or union filesystem that can
// never serve as durable storage.
func IsVirtual(fsType string) bool {
	switch strings.ToLower(fsType) {
	case "tmpfs", "ramfs", "overlay", "overlayfs", "aufs", "devtmpfs", "proc", "sysfs", "cgroup", "cgroup2":
		return true
	}
	return false
}
