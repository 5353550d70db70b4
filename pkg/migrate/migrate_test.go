package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/fstab"
	"github.com/cuemby/tierd/pkg/identity"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyFstab = `# /etc/fstab
PARTUUID=1234-02 / ext4 defaults,noatime 0 1
tmpfs /var/log tmpfs defaults,size=50m 0 0
tmpfs /var/log/nginx tmpfs defaults 0 0
tmpfs /var/logs tmpfs defaults 0 0
tmpfs /tmp tmpfs defaults 0 0
/dev/sda1 /var/log/archive ext4 defaults 0 2
`

func openStore(t *testing.T) *identity.Store {
	t.Helper()
	s, err := identity.Open(identity.Options{
		Path:      filepath.Join(t.TempDir(), "drives.json"),
		MountBase: "/mnt",
		Prefix:    "tierd_drive_",
	})
	require.NoError(t, err)
	return s
}

func TestLegacyFstab_RemovesOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/fstab", []byte(legacyFstab), 0o644))
	table := fstab.New(fs, "/etc/fstab")
	store := openStore(t)
	rec := &events.Recorder{}

	r := NewRunner(store, rec, LegacyFstab(table, "/var/log", "tmpfs"))
	applied, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{FlagLegacyFstab}, applied)
	assert.True(t, store.Flag(FlagLegacyFstab))
	assert.Equal(t, []events.EventType{events.EventMigrationApplied}, rec.Types())

	data, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Equal(t, `# /etc/fstab
PARTUUID=1234-02 / ext4 defaults,noatime 0 1
tmpfs /var/logs tmpfs defaults 0 0
tmpfs /tmp tmpfs defaults 0 0
/dev/sda1 /var/log/archive ext4 defaults 0 2
`, string(data))

	// a line added later is never touched again
	_, err = table.Ensure(fstab.TmpfsEntry("/var/log", 256<<20, 0o755))
	require.NoError(t, err)
	applied, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
	entries, err := table.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestLegacyFstab_MissingFile(t *testing.T) {
	table := fstab.New(afero.NewMemMapFs(), "/etc/fstab")
	store := openStore(t)

	applied, err := NewRunner(store, nil, LegacyFstab(table, "/var/log", "tmpfs")).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{FlagLegacyFstab}, applied)
}

func TestRunner_FailureRetried(t *testing.T) {
	store := openStore(t)
	calls := 0
	fail := true
	flaky := Migration{Flag: "flaky", Apply: func(context.Context) error {
		calls++
		if fail {
			return errors.New("busy")
		}
		return nil
	}}
	other := Migration{Flag: "other", Apply: func(context.Context) error { return nil }}

	r := NewRunner(store, nil, flaky, other)
	applied, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "migration flaky: busy")
	assert.Equal(t, []string{"other"}, applied)
	assert.False(t, store.Flag("flaky"))

	fail = false
	applied, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky"}, applied)
	assert.Equal(t, 2, calls)
}
