package tier

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/tierd/pkg/command"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/shirou/gopsutil/v4/disk"
)

// Mounter creates the RAM and union mounts
type Mounter interface {
	MountTmpfs(ctx context.Context, target string, size uint64, mode os.FileMode) error
	MountOverlay(ctx context.Context, target, lower, upper, work string) error
}

// ExecMounter implements Mounter with mount(8)
type ExecMounter struct {
	runner command.Runner
}

// NewExecMounter returns a Mounter running commands through runner
func NewExecMounter(runner command.Runner) *ExecMounter {
	return &ExecMounter{runner: runner}
}

// MountTmpfs mounts a size-capped tmpfs at target
func (m *ExecMounter) MountTmpfs(ctx context.Context, target string, size uint64, mode os.FileMode) error {
	opts := fmt.Sprintf("size=%s,mode=%04o", fstab.FormatSize(size), mode.Perm())
	if _, err := m.runner.Run(ctx, "mount", "-t", "tmpfs", "-o", opts, "tmpfs", target); err != nil {
		return fmt.Errorf("failed to mount tmpfs at %s: %w", target, err)
	}
	return nil
}

// MountOverlay mounts an overlay of upper over lower at target
func (m *ExecMounter) MountOverlay(ctx context.Context, target, lower, upper, work string) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if _, err := m.runner.Run(ctx, "mount", "-t", "overlay", "-o", opts, "overlay", target); err != nil {
		return fmt.Errorf("failed to mount overlay at %s: %w", target, err)
	}
	return nil
}

// SpaceChecker reports free space on the filesystem holding path
type SpaceChecker interface {
	FreeRatio(ctx context.Context, path string) (float64, error)
}

// DiskSpace implements SpaceChecker with statfs through gopsutil
type DiskSpace struct{}

// FreeRatio returns free/total for the filesystem holding path
func (DiskSpace) FreeRatio(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if u.Total == 0 {
		return 0, fmt.Errorf("filesystem at %s reports zero size", path)
	}
	return float64(u.Free) / float64(u.Total), nil
}
