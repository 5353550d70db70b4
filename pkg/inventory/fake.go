package inventory

import (
	"context"
	"sync"

	"github.com/cuemby/tierd/pkg/types"
)

// FakeProbe is an in-memory DeviceProbe. Tests mutate Partitions and
// Mounts between calls to model formatting and mounting.
type FakeProbe struct {
	mu sync.Mutex

	Devices    []types.BlockDevice
	Partitions map[string][]types.Partition // keyed by device path
	Mounts     map[string]string            // partition path → mount point
	Root       string
	Err        error
}

// NewFakeProbe returns an empty fake
func NewFakeProbe() *FakeProbe {
	return &FakeProbe{
		Partitions: make(map[string][]types.Partition),
		Mounts:     make(map[string]string),
	}
}

// ListBlockDevices implements DeviceProbe
func (f *FakeProbe) ListBlockDevices(context.Context) ([]types.BlockDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]types.BlockDevice(nil), f.Devices...), nil
}

// ListPartitions implements DeviceProbe
func (f *FakeProbe) ListPartitions(_ context.Context, devicePath string) ([]types.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	parts := append([]types.Partition(nil), f.Partitions[devicePath]...)
	for n := range parts {
		parts[n].MountPoint = f.Mounts[parts[n].Path]
	}
	return parts, nil
}

// FSType implements DeviceProbe
func (f *FakeProbe) FSType(_ context.Context, path string) (string, error) {
	p, ok := f.Lookup(path)
	if !ok || p.FSType == "" {
		return "", ErrNotFound
	}
	return p.FSType, nil
}

// UUID implements DeviceProbe
func (f *FakeProbe) UUID(_ context.Context, path string) (string, error) {
	p, ok := f.Lookup(path)
	if !ok || p.UUID == "" {
		return "", ErrNotFound
	}
	return p.UUID, nil
}

// Size implements DeviceProbe
func (f *FakeProbe) Size(_ context.Context, path string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.Devices {
		if d.Path == path {
			return d.SizeBytes, nil
		}
	}
	for _, parts := range f.Partitions {
		for _, p := range parts {
			if p.Path == path {
				return p.SizeBytes, nil
			}
		}
	}
	return 0, ErrNotFound
}

// MountPoint implements DeviceProbe
func (f *FakeProbe) MountPoint(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mp, ok := f.Mounts[path]; ok {
		return mp, nil
	}
	return "", ErrNotFound
}

// RootSource implements DeviceProbe
func (f *FakeProbe) RootSource(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Root == "" {
		return "", ErrNotFound
	}
	return f.Root, nil
}

// SetPartition replaces or adds a partition of devicePath
func (f *FakeProbe) SetPartition(devicePath string, p types.Partition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.Partitions[devicePath]
	for n := range parts {
		if parts[n].Path == p.Path {
			parts[n] = p
			return
		}
	}
	f.Partitions[devicePath] = append(parts, p)
}

// SetMount records path as mounted at target, or unmounted when target is ""
func (f *FakeProbe) SetMount(path, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if target == "" {
		delete(f.Mounts, path)
		return
	}
	f.Mounts[path] = target
}

// Lookup returns the partition at path
func (f *FakeProbe) Lookup(path string) (types.Partition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, parts := range f.Partitions {
		for _, p := range parts {
			if p.Path == path {
				return p, true
			}
		}
	}
	return types.Partition{}, false
}
