package fstab

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# /etc/fstab: static file system information.
proc            /proc           proc    defaults          0       0
PARTUUID=1234-01  /boot/firmware  vfat    defaults          0       2
PARTUUID=1234-02  /               ext4    defaults,noatime  0       1
tmpfs /var/log tmpfs defaults,noatime,nosuid,size=100m 0 0`

func newTable(t *testing.T, content string) (*Table, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if content != "" {
		require.NoError(t, afero.WriteFile(fs, "/etc/fstab", []byte(content), 0o644))
	}
	return New(fs, "/etc/fstab"), fs
}

func TestEntries(t *testing.T) {
	table, _ := newTable(t, sample)
	entries, err := table.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "/", entries[2].File)
	assert.Equal(t, "defaults,noatime", entries[2].Options)
	assert.Equal(t, 1, entries[2].PassNo)
	assert.Equal(t, "tmpfs", entries[3].VfsType)
}

func TestEntries_MissingFile(t *testing.T) {
	table, _ := newTable(t, "")
	entries, err := table.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsure_NoDuplicateDriveEntry(t *testing.T) {
	table, fs := newTable(t, sample)
	e := DriveEntry("0b1e9c8a-5a3f-4c1d-9e2b-7f6a5d4c3b2a", "/mnt/tierd_drive_0", "ext4")

	added, err := table.Ensure(e)
	require.NoError(t, err)
	assert.True(t, added)

	// same UUID in a different case is still a duplicate
	again := DriveEntry("0B1E9C8A-5A3F-4C1D-9E2B-7F6A5D4C3B2A", "/mnt/tierd_drive_0", "ext4")
	added, err = table.Ensure(again)
	require.NoError(t, err)
	assert.False(t, added)

	data, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "UUID=0b1e9c8a"))
	assert.True(t, strings.HasSuffix(string(data), "UUID=0b1e9c8a-5a3f-4c1d-9e2b-7f6a5d4c3b2a /mnt/tierd_drive_0 ext4 defaults,nofail 0 2\n"))
	assert.True(t, strings.HasPrefix(string(data), "# /etc/fstab"))
}

func TestEnsure_CreatesFile(t *testing.T) {
	table, fs := newTable(t, "")
	added, err := table.Ensure(TmpfsEntry("/var/log", 256<<20, 0o755))
	require.NoError(t, err)
	assert.True(t, added)

	data, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Equal(t, "tmpfs /var/log tmpfs defaults,size=256m,mode=0755 0 0\n", string(data))

	added, err = table.Ensure(TmpfsEntry("/var/log", 256<<20, 0o755))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestRemoveMatching(t *testing.T) {
	table, fs := newTable(t, sample)

	removed, err := table.RemoveMatching(func(e Entry) bool {
		return e.VfsType == "tmpfs" && strings.HasPrefix(e.File, "/var/log")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	data, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "tmpfs /var/log")
	assert.Contains(t, string(data), "# /etc/fstab: static file system information.")
	assert.Contains(t, string(data), "PARTUUID=1234-02")

	removed, err = table.RemoveMatching(func(Entry) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0"},
		{1 << 30, "1g"},
		{256 << 20, "256m"},
		{64 << 10, "64k"},
		{1000, "1000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.in))
	}
}

func TestEntryUUID(t *testing.T) {
	assert.Equal(t, "abcd", Entry{Spec: "UUID=ABCD"}.UUID())
	assert.Equal(t, "abcd", Entry{Spec: "/dev/disk/by-uuid/abcd"}.UUID())
	assert.Empty(t, Entry{Spec: "tmpfs"}.UUID())
}
