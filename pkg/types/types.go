package types

import (
	"os"
	"time"
)

// BlockDevice is a physical disk as reported by the kernel. It is
// re-derived on every scan and never persisted.
type BlockDevice struct {
	Name      string `json:"name"`                // kernel name, e.g. "sda" or "mmcblk0"
	Path      string `json:"path"`                // device node, e.g. "/dev/sda"
	SizeBytes uint64 `json:"size_bytes"`
	Removable bool   `json:"removable"`
	Transport string `json:"transport,omitempty"` // "usb", "sata", "nvme", "" when unknown
	Boot      bool   `json:"boot"`                // backs the live root filesystem
}

// Partition belongs to exactly one BlockDevice.
type Partition struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Parent     string `json:"parent"`            // parent device name
	FSType     string `json:"fstype,omitempty"`  // empty when no filesystem was detected
	UUID       string `json:"uuid,omitempty"`    // empty until formatted
	SizeBytes  uint64 `json:"size_bytes"`
	MountPoint string `json:"mountpoint,omitempty"`
}

// Mount is a single entry of the live mount table.
type Mount struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

// MountAssignment maps a filesystem UUID to the path it is always mounted at.
type MountAssignment struct {
	UUID      string `json:"uuid"`
	MountPath string `json:"mount_path"`
}

// ManagedDir is a write-hot directory kept off the boot medium
type ManagedDir struct {
	Name            string
	Path            string
	SizeBytes       uint64
	Mode            os.FileMode
	ArchivePatterns []string
}

// OverlayMount describes the layers backing one managed directory for the
// current pass. Lower and Overflow are empty when running in fallback mode.
type OverlayMount struct {
	Name      string      `json:"name"`
	Target    string      `json:"target"`
	RAMDir    string      `json:"ram_dir"`
	Upper     string      `json:"upper"`
	Work      string      `json:"work,omitempty"`
	Lower     string      `json:"lower,omitempty"`
	Overflow  string      `json:"overflow,omitempty"`
	SizeBytes uint64      `json:"size_bytes"`
	Mode      os.FileMode `json:"mode"`
	Fallback  bool        `json:"fallback"`
	Active    bool        `json:"active"`
}

// HasDurableLayer reports whether the overlay is backed by a durable volume.
func (o *OverlayMount) HasDurableLayer() bool {
	return !o.Fallback && o.Overflow != ""
}

// DriveRecord is the last observed lifecycle state of a partition. It is
// kept for operators only.
type DriveRecord struct {
	DevicePath string    `json:"device_path"`
	UUID       string    `json:"uuid,omitempty"`
	MountPath  string    `json:"mount_path,omitempty"`
	State      string    `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	Failures   int       `json:"failures"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskRun records the last execution of a periodic task
type TaskRun struct {
	Name      string    `json:"name"`
	LastRun   time.Time `json:"last_run"`
	Duration  string    `json:"duration,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
