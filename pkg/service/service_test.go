package service

import (
	"context"
	"testing"

	"github.com/cuemby/tierd/pkg/command"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_Ensure(t *testing.T) {
	fake := command.NewFake().
		On("systemctl is-active --quiet ssh", "").
		Fail("systemctl is-active --quiet nginx", 3).
		On("systemctl enable --now nginx", "").
		Fail("systemctl is-active --quiet broken", 3).
		Fail("systemctl enable --now broken", 1)

	err := NewSupervisor(fake, "ssh", "nginx", "broken").Ensure(context.Background())
	assert.ErrorContains(t, err, "failed to start broken")
	assert.NotContains(t, err.Error(), "nginx")

	assert.Equal(t, []string{
		"systemctl is-active --quiet ssh",
		"systemctl is-active --quiet nginx",
		"systemctl enable --now nginx",
		"systemctl is-active --quiet broken",
		"systemctl enable --now broken",
	}, fake.Calls())
}

func TestSupervisor_NoUnits(t *testing.T) {
	fake := command.NewFake()
	assert.NoError(t, NewSupervisor(fake).Ensure(context.Background()))
	assert.Empty(t, fake.Calls())
}

func TestJournaldConfig_Render(t *testing.T) {
	cfg := JournaldConfig{Storage: "volatile", MaxUse: 64 << 20}
	assert.Equal(t, "# Managed by tierd\n[Journal]\nStorage=volatile\nRuntimeMaxUse=64M\nSystemMaxUse=64M\n", string(cfg.Render()))

	cfg = JournaldConfig{MaxUse: 1 << 30}
	assert.Equal(t, "# Managed by tierd\n[Journal]\nRuntimeMaxUse=1G\nSystemMaxUse=1G\n", string(cfg.Render()))
}

func TestJournald_ApplyOnlyOnChange(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := command.NewFake().On("systemctl restart systemd-journald", "")
	path := "/etc/systemd/journald.conf.d/tierd.conf"
	j := NewJournald(fs, fake, JournaldConfig{Storage: "volatile", MaxUse: 64 << 20, DropInPath: path})
	ctx := context.Background()

	changed, err := j.Apply(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Storage=volatile")

	changed, err = j.Apply(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"systemctl restart systemd-journald"}, fake.Calls())
}

func TestJournald_RestartFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	fake := command.NewFake().Fail("systemctl restart systemd-journald", 1)
	j := NewJournald(fs, fake, JournaldConfig{Storage: "auto", DropInPath: "/etc/j.conf"})

	changed, err := j.Apply(context.Background())
	assert.True(t, changed)
	assert.ErrorContains(t, err, "failed to restart journald")
}

func TestJournaldSize(t *testing.T) {
	assert.Equal(t, "512K", journaldSize(512<<10))
	assert.Equal(t, "3G", journaldSize(3<<30))
	assert.Equal(t, "1000", journaldSize(1000))
}
