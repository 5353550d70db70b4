package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/tierd/pkg/command"
	"github.com/cuemby/tierd/pkg/mounts"
	"github.com/cuemby/tierd/pkg/types"
)

// ErrNotFound is returned by a DeviceProbe when an attribute is absent,
// e.g. a partition without a filesystem has no TYPE or UUID.
var ErrNotFound = errors.New("attribute not found")

// DeviceProbe is the only place that talks to the OS about block devices.
type DeviceProbe interface {
	ListBlockDevices(ctx context.Context) ([]types.BlockDevice, error)
	ListPartitions(ctx context.Context, devicePath string) ([]types.Partition, error)
	FSType(ctx context.Context, path string) (string, error)
	UUID(ctx context.Context, path string) (string, error)
	Size(ctx context.Context, path string) (uint64, error)
	MountPoint(ctx context.Context, path string) (string, error)
	RootSource(ctx context.Context) (string, error)
}

const lsblkColumns = "NAME,PATH,SIZE,TYPE,TRAN,RM,FSTYPE,UUID,MOUNTPOINT"

// mount points that mark the owning disk as the system disk
var bootMountPoints = map[string]bool{
	"/":              true,
	"/boot":          true,
	"/boot/firmware": true,
	"/boot/efi":      true,
}

// ExecProbe implements DeviceProbe with lsblk, blkid and blockdev.
type ExecProbe struct {
	runner command.Runner
	table  mounts.Table
}

// NewExecProbe returns a probe running commands through runner
func NewExecProbe(runner command.Runner, table mounts.Table) *ExecProbe {
	return &ExecProbe{runner: runner, table: table}
}

// Raw JSON representation from lsblk --bytes --json. Older util-linux
// releases print every value as a string, so booleans and sizes are
// decoded loosely.
type rawTree struct {
	Blockdevices []rawDevice `json:"blockdevices"`
}

type rawDevice struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	Size       any         `json:"size"`
	Type       string      `json:"type"`
	Tran       string      `json:"tran,omitempty"`
	RM         looseBool   `json:"rm"`
	FSType     string      `json:"fstype,omitempty"`
	UUID       string      `json:"uuid,omitempty"`
	Mountpoint *string     `json:"mountpoint,omitempty"`
	Children   []rawDevice `json:"children,omitempty"`
}

type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch s {
	case "true", "1":
		*b = true
	default:
		*b = false
	}
	return nil
}

func (d rawDevice) path() string {
	if strings.TrimSpace(d.Path) != "" {
		return d.Path
	}
	return "/dev/" + d.Name
}

func (d rawDevice) mountPoint() string {
	if d.Mountpoint == nil {
		return ""
	}
	return *d.Mountpoint
}

// holdsBootMount reports whether d or any descendant is mounted at a
// system mount point.
func (d rawDevice) holdsBootMount() bool {
	if bootMountPoints[d.mountPoint()] {
		return true
	}
	for _, c := range d.Children {
		if c.holdsBootMount() {
			return true
		}
	}
	return false
}

func (p *ExecProbe) lsblk(ctx context.Context, args ...string) (rawTree, error) {
	var tree rawTree
	full := append([]string{"--bytes", "--json", "-o", lsblkColumns}, args...)
	res, err := p.runner.Run(ctx, "lsblk", full...)
	if err != nil {
		return tree, err
	}
	if err := json.Unmarshal(res.Stdout, &tree); err != nil {
		return tree, fmt.Errorf("lsblk json: %w", err)
	}
	return tree, nil
}

// ListBlockDevices returns every whole disk
func (p *ExecProbe) ListBlockDevices(ctx context.Context) ([]types.BlockDevice, error) {
	tree, err := p.lsblk(ctx)
	if err != nil {
		return nil, err
	}
	out := []types.BlockDevice{}
	for _, d := range tree.Blockdevices {
		if d.Type != "disk" {
			continue
		}
		out = append(out, types.BlockDevice{
			Name:      d.Name,
			Path:      d.path(),
			SizeBytes: normalizeSize(d.Size),
			Removable: bool(d.RM),
			Transport: d.Tran,
			Boot:      d.holdsBootMount(),
		})
	}
	return out, nil
}

// ListPartitions returns the partitions of one disk. The disk itself is
// never included.
func (p *ExecProbe) ListPartitions(ctx context.Context, devicePath string) ([]types.Partition, error) {
	tree, err := p.lsblk(ctx, devicePath)
	if err != nil {
		return nil, err
	}
	parent := filepath.Base(devicePath)
	out := []types.Partition{}
	var walk func(rawDevice)
	walk = func(n rawDevice) {
		if n.Type == "part" && n.Name != parent {
			out = append(out, types.Partition{
				Name:       n.Name,
				Path:       n.path(),
				Parent:     parent,
				FSType:     n.FSType,
				UUID:       n.UUID,
				SizeBytes:  normalizeSize(n.Size),
				MountPoint: n.mountPoint(),
			})
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, bd := range tree.Blockdevices {
		walk(bd)
	}
	return out, nil
}

// FSType returns the filesystem type recorded on path
func (p *ExecProbe) FSType(ctx context.Context, path string) (string, error) {
	return p.blkid(ctx, "TYPE", path)
}

// UUID returns the filesystem UUID recorded on path
func (p *ExecProbe) UUID(ctx context.Context, path string) (string, error) {
	return p.blkid(ctx, "UUID", path)
}

func (p *ExecProbe) blkid(ctx context.Context, tag, path string) (string, error) {
	res, err := p.runner.Run(ctx, "blkid", "-s", tag, "-o", "value", path)
	if err != nil {
		// blkid exits 2 when the tag or device is unknown
		var ee *command.ExitError
		if errors.As(err, &ee) && ee.Code == 2 {
			return "", ErrNotFound
		}
		return "", err
	}
	v := res.Output()
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Size returns the size of a device in bytes
func (p *ExecProbe) Size(ctx context.Context, path string) (uint64, error) {
	res, err := p.runner.Run(ctx, "blockdev", "--getsize64", path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(res.Output(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("blockdev size for %s: %w", path, err)
	}
	return n, nil
}

// MountPoint returns where path is mounted, or ErrNotFound.
func (p *ExecProbe) MountPoint(ctx context.Context, path string) (string, error) {
	ms, err := p.table.List(ctx)
	if err == nil {
		if m, ok := mounts.FindSource(ms, path); ok {
			return m.Target, nil
		}
		if resolved, rerr := filepath.EvalSymlinks(path); rerr == nil && resolved != path {
			if m, ok := mounts.FindSource(ms, resolved); ok {
				return m.Target, nil
			}
		}
		return "", ErrNotFound
	}

	res, ferr := p.runner.Run(ctx, "findmnt", "-n", "-o", "TARGET", "--source", path)
	if ferr != nil || res.Output() == "" {
		return "", ErrNotFound
	}
	return strings.SplitN(res.Output(), "\n", 2)[0], nil
}

// RootSource returns the device backing "/". /dev/root, as reported by
// some kernels, is resolved through findmnt.
func (p *ExecProbe) RootSource(ctx context.Context) (string, error) {
	if ms, err := p.table.List(ctx); err == nil {
		if src := mounts.RootSource(ms); strings.HasPrefix(src, "/dev/") && src != "/dev/root" {
			return src, nil
		}
	}
	res, err := p.runner.Run(ctx, "findmnt", "-n", "-o", "SOURCE", "/")
	if err != nil {
		return "", err
	}
	if res.Output() == "" {
		return "", ErrNotFound
	}
	return res.Output(), nil
}

func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case json.Number:
		n, _ := t.Int64()
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}
