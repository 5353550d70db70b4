package inventory

import (
	"context"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/rs/zerolog"
)

// Inventory answers what block devices exist right now. Nothing is cached
// between calls. Enumeration failures are logged and reported as empty
// results so a flaky probe can never stop the control loop.
type Inventory struct {
	probe     DeviceProbe
	threshold uint64
	logger    zerolog.Logger
}

// New creates an inventory. Devices smaller than threshold bytes never
// qualify for management.
func New(probe DeviceProbe, threshold uint64) *Inventory {
	return &Inventory{
		probe:     probe,
		threshold: threshold,
		logger:    log.WithComponent("inventory"),
	}
}

// Probe returns the underlying device probe
func (i *Inventory) Probe() DeviceProbe {
	return i.probe
}

// Threshold returns the minimum size of a qualifying device
func (i *Inventory) Threshold() uint64 {
	return i.threshold
}

// ListDevices returns every whole disk with its Boot flag resolved.
func (i *Inventory) ListDevices(ctx context.Context) []types.BlockDevice {
	devs, err := i.probe.ListBlockDevices(ctx)
	if err != nil {
		i.logger.Warn().Err(err).Msg("Failed to enumerate block devices")
		return []types.BlockDevice{}
	}

	root := i.rootSource(ctx)
	for n := range devs {
		if !devs[n].Boot && root != "" && ownsPartition(devs[n].Name, root) {
			devs[n].Boot = true
		}
	}
	return devs
}

// PartitionsOf lists the partitions of dev, excluding dev itself.
func (i *Inventory) PartitionsOf(ctx context.Context, dev types.BlockDevice) []types.Partition {
	parts, err := i.probe.ListPartitions(ctx, dev.Path)
	if err != nil {
		i.logger.Warn().Err(err).Str("device", dev.Path).Msg("Failed to enumerate partitions")
		return []types.Partition{}
	}
	out := parts[:0]
	for _, p := range parts {
		if p.Name == dev.Name || p.Path == dev.Path {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IsBootDevice reports whether dev backs the running root filesystem.
func (i *Inventory) IsBootDevice(ctx context.Context, dev types.BlockDevice) bool {
	if dev.Boot {
		return true
	}
	root := i.rootSource(ctx)
	return root != "" && ownsPartition(dev.Name, root)
}

// Qualifies reports whether dev is large enough to manage and is not the
// boot device.
func (i *Inventory) Qualifies(ctx context.Context, dev types.BlockDevice) bool {
	if i.IsBootDevice(ctx, dev) {
		return false
	}
	size := dev.SizeBytes
	if size == 0 {
		s, err := i.SizeOf(ctx, dev.Path)
		if err != nil {
			return false
		}
		size = s
	}
	return size >= i.threshold
}

// Qualifying returns the devices Qualifies accepts. Everything else is
// logged at debug and left untouched.
func (i *Inventory) Qualifying(ctx context.Context) []types.BlockDevice {
	var out []types.BlockDevice
	for _, dev := range i.ListDevices(ctx) {
		if !i.Qualifies(ctx, dev) {
			i.logger.Debug().
				Str("device", dev.Path).
				Uint64("size", dev.SizeBytes).
				Bool("boot", dev.Boot).
				Msg("Ignoring device")
			continue
		}
		i.logger.Debug().
			Str("device", dev.Path).
			Str("transport", dev.Transport).
			Bool("removable", dev.Removable).
			Msg("Qualifying device")
		out = append(out, dev)
	}
	return out
}

// SizeOf returns the size in bytes of a device or partition
func (i *Inventory) SizeOf(ctx context.Context, path string) (uint64, error) {
	n, err := i.probe.Size(ctx, path)
	if err != nil {
		i.logger.Warn().Err(err).Str("device", path).Msg("Failed to read device size")
		return 0, err
	}
	return n, nil
}

func (i *Inventory) rootSource(ctx context.Context) string {
	src, err := i.probe.RootSource(ctx)
	if err != nil {
		i.logger.Debug().Err(err).Msg("Root filesystem source unknown")
		return ""
	}
	return src
}

// ownsPartition reports whether the device named disk holds the partition
// at partPath. Both "sda" → "sda1" and "mmcblk0" → "mmcblk0p2" forms are
// recognized, as is the disk itself.
func ownsPartition(disk, partPath string) bool {
	part := filepath.Base(partPath)
	if part == disk {
		return true
	}
	rest, ok := strings.CutPrefix(part, disk)
	if !ok || rest == "" {
		return false
	}
	if lastIsDigit(disk) {
		var found bool
		rest, found = strings.CutPrefix(rest, "p")
		if !found || rest == "" {
			return false
		}
	}
	for _, r := range rest {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func lastIsDigit(s string) bool {
	if s == "" {
		return false
	}
	return unicode.IsDigit(rune(s[len(s)-1]))
}
