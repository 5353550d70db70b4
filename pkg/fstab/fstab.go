package fstab

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	gofstab "github.com/deniswernert/go-fstab"
	"github.com/spf13/afero"
)

// DefaultPath is the system persistent mount table
const DefaultPath = "/etc/fstab"

// Entry is one line of the mount table. Options are kept as written.
type Entry struct {
	Spec    string
	File    string
	VfsType string
	Options string
	Freq    int
	PassNo  int
}

// String renders the entry as an fstab line without a trailing newline.
func (e Entry) String() string {
	opts := e.Options
	if opts == "" {
		opts = "defaults"
	}
	return fmt.Sprintf("%s %s %s %s %d %d", e.Spec, e.File, e.VfsType, opts, e.Freq, e.PassNo)
}

// UUID returns the filesystem UUID for UUID= specs, or "".
func (e Entry) UUID() string {
	if v, ok := strings.CutPrefix(e.Spec, "UUID="); ok {
		return strings.ToLower(strings.Trim(v, `"`))
	}
	if v, ok := strings.CutPrefix(e.Spec, "/dev/disk/by-uuid/"); ok {
		return strings.ToLower(v)
	}
	return ""
}

// key identifies the entry for de-duplication: UUID-backed entries by UUID,
// everything else by mount point.
func (e Entry) key() string {
	if id := e.UUID(); id != "" {
		return "uuid:" + id
	}
	return "file:" + filepath.Clean(e.File)
}

// DriveEntry is the line for a managed data partition.
func DriveEntry(uuid, mountPath, fsType string) Entry {
	return Entry{
		Spec:    "UUID=" + uuid,
		File:    mountPath,
		VfsType: fsType,
		Options: "defaults,nofail",
		Freq:    0,
		PassNo:  2,
	}
}

// TmpfsEntry is the line for a RAM-only managed directory.
func TmpfsEntry(target string, size uint64, mode os.FileMode) Entry {
	return Entry{
		Spec:    "tmpfs",
		File:    target,
		VfsType: "tmpfs",
		Options: fmt.Sprintf("defaults,size=%s,mode=%04o", FormatSize(size), mode.Perm()),
	}
}

// FormatSize renders a byte count the way mount(8) size options expect.
func FormatSize(n uint64) string {
	switch {
	case n == 0:
		return "0"
	case n%(1<<30) == 0:
		return strconv.FormatUint(n>>30, 10) + "g"
	case n%(1<<20) == 0:
		return strconv.FormatUint(n>>20, 10) + "m"
	case n%(1<<10) == 0:
		return strconv.FormatUint(n>>10, 10) + "k"
	default:
		return strconv.FormatUint(n, 10)
	}
}

// Table reads and edits a mount table file. New entries are only ever
// appended; existing lines are rewritten only by RemoveMatching.
type Table struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// New returns a Table for the file at path on fs
func New(fs afero.Fs, path string) *Table {
	if path == "" {
		path = DefaultPath
	}
	return &Table{fs: fs, path: path}
}

// Path returns the table file path
func (t *Table) Path() string {
	return t.path
}

// Entries parses every mount line. A missing file is an empty table.
// Lines that fail to parse are skipped.
func (t *Table) Entries() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines, err := t.readLines()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, line := range lines {
		if e, ok := parseLine(line); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ensure appends e unless an entry with the same identity already exists.
// It reports whether a line was written.
func (t *Table) Ensure(e Entry) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines, err := t.readLines()
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if existing, ok := parseLine(line); ok && existing.key() == e.key() {
			return false, nil
		}
	}

	prefix := ""
	if n := len(lines); n > 0 {
		data, err := afero.ReadFile(t.fs, t.path)
		if err != nil {
			return false, err
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			prefix = "\n"
		}
	}

	f, err := t.fs.OpenFile(t.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(prefix + e.String() + "\n"); err != nil {
		return false, fmt.Errorf("failed to append to %s: %w", t.path, err)
	}
	return true, f.Sync()
}

// RemoveMatching drops every entry for which match returns true and
// rewrites the file atomically. Comments and unparsable lines are kept.
func (t *Table) RemoveMatching(match func(Entry) bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines, err := t.readLines()
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	removed := 0
	for _, line := range lines {
		if e, ok := parseLine(line); ok && match(e) {
			removed++
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if removed == 0 {
		return 0, nil
	}

	info, err := t.fs.Stat(t.path)
	if err != nil {
		return 0, err
	}
	tmp := t.path + ".tierd.tmp"
	if err := afero.WriteFile(t.fs, tmp, buf.Bytes(), info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := t.fs.Rename(tmp, t.path); err != nil {
		_ = t.fs.Remove(tmp)
		return 0, fmt.Errorf("failed to replace %s: %w", t.path, err)
	}
	return removed, nil
}

func (t *Table) readLines() ([]string, error) {
	f, err := t.fs.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", t.path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func parseLine(line string) (Entry, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return Entry{}, false
	}
	m, err := gofstab.ParseLine(trimmed)
	if err != nil || m == nil {
		return Entry{}, false
	}
	e := Entry{
		Spec:    m.Spec,
		File:    m.File,
		VfsType: m.VfsType,
		Freq:    m.Freq,
		PassNo:  m.PassNo,
	}
	if fields := strings.Fields(trimmed); len(fields) > 3 {
		e.Options = fields[3]
	}
	return e, true
}
