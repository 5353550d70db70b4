package mounts

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/tierd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTarget_Topmost(t *testing.T) {
	ms := []types.Mount{
		{Source: "/dev/mmcblk0p2", Target: "/", FSType: "ext4"},
		{Source: "tmpfs", Target: "/var/log", FSType: "tmpfs"},
		{Source: "overlay", Target: "/var/log/", FSType: "overlay"},
	}

	m, ok := FindTarget(ms, "/var/log")
	require.True(t, ok)
	assert.Equal(t, "overlay", m.FSType)

	assert.True(t, IsMountPoint(ms, "/"))
	assert.False(t, IsMountPoint(ms, "/mnt"))
	assert.Equal(t, "/dev/mmcblk0p2", RootSource(ms))
}

func TestFindSource(t *testing.T) {
	ms := []types.Mount{{Source: "/dev/sdb1", Target: "/mnt/tierd_drive_0"}}
	m, ok := FindSource(ms, "/dev/sdb1")
	require.True(t, ok)
	assert.Equal(t, "/mnt/tierd_drive_0", m.Target)

	_, ok = FindSource(ms, "/dev/sdc1")
	assert.False(t, ok)
}

func TestStatic(t *testing.T) {
	s := NewStatic(types.Mount{Source: "/dev/sdb1", Target: "/mnt/a"})
	s.Add(types.Mount{Source: "/dev/sdc1", Target: "/mnt/b"})

	ms, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	s.Remove("/mnt/a")
	ms, _ = s.List(context.Background())
	require.Len(t, ms, 1)
	assert.Equal(t, "/mnt/b", ms[0].Target)

	s.Err = errors.New("boom")
	_, err = s.List(context.Background())
	assert.Error(t, err)
}

func TestIsVirtual(t *testing.T) {
	assert.True(t, IsVirtual("tmpfs"))
	assert.True(t, IsVirtual("overlay"))
	assert.False(t, IsVirtual("ext4"))
	assert.False(t, IsVirtual("vfat"))
}
