package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tierd/pkg/types"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration file
const DefaultPath = "/etc/tierd/config.yaml"

// EnvPrefix is prepended to every environment override
const EnvPrefix = "TIERD_"

// Config is the daemon configuration. Zero values are filled from Default.
type Config struct {
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	LogFile    string `yaml:"log_file"`
	StatusAddr string `yaml:"status_addr"`

	ScanInterval       time.Duration `yaml:"scan_interval"`
	FlushSchedule      string        `yaml:"flush_schedule"`
	PruneSchedule      string        `yaml:"prune_schedule"`
	LogCleanupSchedule string        `yaml:"log_cleanup_schedule"`

	// Drives
	LargeVolumeThreshold ByteSize `yaml:"large_volume_threshold"`
	FSType               string   `yaml:"fs_type"`
	AllowReformat        bool     `yaml:"allow_reformat"`
	MountBase            string   `yaml:"mount_base"`
	MountPrefix          string   `yaml:"mount_prefix"`
	StorePath            string   `yaml:"store_path"`
	JournalPath          string   `yaml:"journal_path"`
	FstabPath            string   `yaml:"fstab_path"`
	HotplugDir           string   `yaml:"hotplug_dir"`

	// Tiering
	RAMBase            string       `yaml:"ram_base"`
	WatchRoots         []string     `yaml:"watch_roots"`
	OverflowDirName    string       `yaml:"overflow_dir_name"`
	OverflowThreshold  ByteSize     `yaml:"overflow_threshold"`
	MinFreePercent     float64      `yaml:"min_free_percent"`
	ArchivePatterns    []string     `yaml:"archive_patterns"`
	ManagedDirs        []ManagedDir `yaml:"managed_dirs"`
	LogCleanupDirs     []string     `yaml:"log_cleanup_dirs"`
	LogCleanupPatterns []string     `yaml:"log_cleanup_patterns"`
	LogCleanupMaxBytes ByteSize     `yaml:"log_cleanup_max_bytes"`

	Services []string `yaml:"services"`
	Journald Journald `yaml:"journald"`
	Update   Update   `yaml:"update"`
	Legacy   Legacy   `yaml:"legacy"`
}

// ManagedDir is a directory kept in RAM over a durable overflow layer
type ManagedDir struct {
	Name            string   `yaml:"name"`
	Path            string   `yaml:"path"`
	Size            ByteSize `yaml:"size"`
	Mode            FileMode `yaml:"mode"`
	ArchivePatterns []string `yaml:"archive_patterns"`
}

// Journald configures the systemd-journald drop-in
type Journald struct {
	Enabled    bool     `yaml:"enabled"`
	Storage    string   `yaml:"storage"`
	MaxUse     ByteSize `yaml:"max_use"`
	DropInPath string   `yaml:"drop_in_path"`
}

// Update configures the self-update check
type Update struct {
	Repository string `yaml:"repository"`
	Schedule   string `yaml:"schedule"`
	Restart    bool   `yaml:"restart"`
}

// Legacy configures one-shot corrections of older layouts
type Legacy struct {
	FstabTargetPrefix string `yaml:"fstab_target_prefix"`
	FstabFSType       string `yaml:"fstab_fs_type"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		LogLevel:   "info",
		StatusAddr: "127.0.0.1:9420",

		ScanInterval:       180 * time.Second,
		FlushSchedule:      "12h",
		PruneSchedule:      "1h",
		LogCleanupSchedule: "24h",

		LargeVolumeThreshold: 512 * GB,
		FSType:               "ext4",
		MountBase:            "/mnt",
		MountPrefix:          "tierd_drive_",
		StorePath:            "/etc/tierd/drives.json",
		JournalPath:          "/run/tierd/journal.db",
		FstabPath:            "/etc/fstab",
		HotplugDir:           "/dev/disk/by-uuid",

		RAMBase:           "/run/tierd",
		WatchRoots:        []string{"/mnt", "/media"},
		OverflowDirName:   "tierd_overflow",
		OverflowThreshold: 100 * MB,
		MinFreePercent:    10,
		ArchivePatterns:   []string{"*.gz", "*.[0-9]", "*.old", "*.xz"},
		ManagedDirs: []ManagedDir{
			{Name: "log", Path: "/var/log", Size: 256 * MiB, Mode: 0o755},
		},
		LogCleanupDirs:     []string{"/var/log"},
		LogCleanupPatterns: []string{"*.gz", "*.1", "*syslog*", "*.log"},
		LogCleanupMaxBytes: 20 * MB,

		Journald: Journald{
			Enabled:    true,
			Storage:    "volatile",
			MaxUse:     64 * MiB,
			DropInPath: "/etc/systemd/journald.conf.d/tierd.conf",
		},
		Update: Update{Schedule: "24h"},
		Legacy: Legacy{FstabTargetPrefix: "/var/log", FstabFSType: "tmpfs"},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// TIERD_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	cfg.fillDirDefaults()
	return cfg, nil
}

func (c *Config) fillDirDefaults() {
	for i := range c.ManagedDirs {
		d := &c.ManagedDirs[i]
		if d.Name == "" {
			d.Name = filepath.Base(d.Path)
		}
		if d.Mode == 0 {
			d.Mode = 0o755
		}
		if d.ArchivePatterns == nil {
			d.ArchivePatterns = c.ArchivePatterns
		}
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = splitList(v)
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	str("STATUS_ADDR", &c.StatusAddr)
	str("FLUSH_SCHEDULE", &c.FlushSchedule)
	str("PRUNE_SCHEDULE", &c.PruneSchedule)
	str("LOG_CLEANUP_SCHEDULE", &c.LogCleanupSchedule)
	str("FS_TYPE", &c.FSType)
	str("MOUNT_BASE", &c.MountBase)
	str("STORE_PATH", &c.StorePath)
	str("JOURNAL_PATH", &c.JournalPath)
	str("FSTAB_PATH", &c.FstabPath)
	str("RAM_BASE", &c.RAMBase)
	str("UPDATE_REPOSITORY", &c.Update.Repository)
	list("WATCH_ROOTS", &c.WatchRoots)
	list("SERVICES", &c.Services)

	if v := getenv(EnvPrefix + "LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOG_JSON: %w", EnvPrefix, err)
		}
		c.LogJSON = b
	}
	if v := getenv(EnvPrefix + "ALLOW_REFORMAT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sALLOW_REFORMAT: %w", EnvPrefix, err)
		}
		c.AllowReformat = b
	}
	if v := getenv(EnvPrefix + "SCAN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSCAN_INTERVAL: %w", EnvPrefix, err)
		}
		c.ScanInterval = d
	}
	if v := getenv(EnvPrefix + "MIN_FREE_PERCENT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMIN_FREE_PERCENT: %w", EnvPrefix, err)
		}
		c.MinFreePercent = f
	}
	if v := getenv(EnvPrefix + "LARGE_VOLUME_THRESHOLD"); v != "" {
		n, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("invalid %sLARGE_VOLUME_THRESHOLD: %w", EnvPrefix, err)
		}
		c.LargeVolumeThreshold = n
	}
	if v := getenv(EnvPrefix + "OVERFLOW_THRESHOLD"); v != "" {
		n, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("invalid %sOVERFLOW_THRESHOLD: %w", EnvPrefix, err)
		}
		c.OverflowThreshold = n
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with
func (c Config) Validate() error {
	var errs []error

	if c.ScanInterval <= 0 {
		errs = append(errs, errors.New("scan_interval must be positive"))
	}
	if c.FSType == "" {
		errs = append(errs, errors.New("fs_type is required"))
	}
	if c.MountPrefix == "" {
		errs = append(errs, errors.New("mount_prefix is required"))
	}
	if c.OverflowDirName == "" || strings.ContainsRune(c.OverflowDirName, '/') {
		errs = append(errs, errors.New("overflow_dir_name must be a single path element"))
	}
	if c.MinFreePercent < 0 || c.MinFreePercent > 100 {
		errs = append(errs, errors.New("min_free_percent must be between 0 and 100"))
	}
	if c.OverflowThreshold == 0 {
		errs = append(errs, errors.New("overflow_threshold must be positive"))
	}

	for name, p := range map[string]string{
		"mount_base":   c.MountBase,
		"store_path":   c.StorePath,
		"journal_path": c.JournalPath,
		"fstab_path":   c.FstabPath,
		"ram_base":     c.RAMBase,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, p))
		}
	}
	for _, root := range c.WatchRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("watch root %q must be absolute", root))
		}
	}

	seen := make(map[string]bool)
	for _, d := range c.ManagedDirs {
		if !filepath.IsAbs(d.Path) {
			errs = append(errs, fmt.Errorf("managed dir %q: path must be absolute", d.Name))
		}
		if d.Size == 0 {
			errs = append(errs, fmt.Errorf("managed dir %q: size must be positive", d.Name))
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("managed dir %q: duplicate name", d.Name))
		}
		seen[d.Name] = true
	}

	return errors.Join(errs...)
}

// Dirs converts the managed directory list to the shared data model
func (c Config) Dirs() []types.ManagedDir {
	out := make([]types.ManagedDir, 0, len(c.ManagedDirs))
	for _, d := range c.ManagedDirs {
		out = append(out, types.ManagedDir{
			Name:            d.Name,
			Path:            filepath.Clean(d.Path),
			SizeBytes:       uint64(d.Size),
			Mode:            os.FileMode(d.Mode),
			ArchivePatterns: d.ArchivePatterns,
		})
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
