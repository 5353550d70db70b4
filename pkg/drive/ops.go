package drive

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/tierd/pkg/command"
)

// Ops performs the destructive and mount operations on a device
type Ops interface {
	Partition(ctx context.Context, devicePath, fsType string) error
	Format(ctx context.Context, partPath, fsType string) error
	Mount(ctx context.Context, source, target, fsType string) error
	Fsck(ctx context.Context, partPath string) error
}

// ExecOps implements Ops with parted, mkfs, mount and fsck
type ExecOps struct {
	runner command.Runner
}

// NewExecOps returns Ops running commands through runner
func NewExecOps(runner command.Runner) *ExecOps {
	return &ExecOps{runner: runner}
}

// Partition writes a fresh GPT label with one partition spanning the disk
func (o *ExecOps) Partition(ctx context.Context, devicePath, fsType string) error {
	if _, err := o.runner.Run(ctx, "parted", "-s", devicePath, "mklabel", "gpt", "mkpart", "primary", fsType, "0%", "100%"); err != nil {
		return fmt.Errorf("failed to partition %s: %w", devicePath, err)
	}
	// the kernel may already have picked up the new table
	_, _ = o.runner.Run(ctx, "partprobe", devicePath)
	_, _ = o.runner.Run(ctx, "udevadm", "settle")
	return nil
}

// Format creates a filesystem of fsType on partPath
func (o *ExecOps) Format(ctx context.Context, partPath, fsType string) error {
	args := append(forceFlag(fsType), partPath)
	if _, err := o.runner.Run(ctx, "mkfs."+fsType, args...); err != nil {
		return fmt.Errorf("failed to format %s as %s: %w", partPath, fsType, err)
	}
	_, _ = o.runner.Run(ctx, "udevadm", "settle")
	return nil
}

// Mount mounts source at target
func (o *ExecOps) Mount(ctx context.Context, source, target, fsType string) error {
	if _, err := o.runner.Run(ctx, "mount", "-t", fsType, source, target); err != nil {
		return fmt.Errorf("failed to mount %s at %s: %w", source, target, err)
	}
	return nil
}

// Fsck checks and repairs partPath. Exit codes 1 and 2 mean errors were
// corrected and count as success.
func (o *ExecOps) Fsck(ctx context.Context, partPath string) error {
	_, err := o.runner.Run(ctx, "fsck", "-y", partPath)
	if err == nil {
		return nil
	}
	var ee *command.ExitError
	if errors.As(err, &ee) && (ee.Code == 1 || ee.Code == 2) {
		return nil
	}
	return fmt.Errorf("fsck %s: %w", partPath, err)
}

func forceFlag(fsType string) []string {
	switch fsType {
	case "ext2", "ext3", "ext4":
		return []string{"-F"}
	case "xfs", "btrfs", "f2fs":
		return []string{"-f"}
	default:
		return nil
	}
}
