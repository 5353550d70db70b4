package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "journal.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	return s, path
}

func TestDrives(t *testing.T) {
	s, _ := newStore(t)
	defer s.Close()

	rec := &types.DriveRecord{DevicePath: "/dev/sdb1", UUID: "abcd", State: "mounted", MountPath: "/mnt/tierd_drive_0"}
	require.NoError(t, s.PutDrive(rec))
	assert.False(t, rec.UpdatedAt.IsZero())

	got, err := s.GetDrive("/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, "mounted", got.State)

	rec.State = "unrecoverable"
	rec.Failures = 1
	require.NoError(t, s.PutDrive(rec))

	all, err := s.ListDrives()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].Failures)

	_, err = s.GetDrive("/dev/sdz1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTaskRuns(t *testing.T) {
	s, _ := newStore(t)
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.PutTaskRun(&types.TaskRun{Name: "flush", LastRun: now}))
	require.NoError(t, s.PutTaskRun(&types.TaskRun{Name: "prune", LastRun: now, LastError: "boom"}))
	require.NoError(t, s.PutTaskRun(&types.TaskRun{Name: "flush", LastRun: now.Add(time.Hour)}))

	runs, err := s.ListTaskRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "flush", runs[0].Name)
	assert.True(t, runs[0].LastRun.Equal(now.Add(time.Hour)))
}

func TestEvents_RetentionAndOrder(t *testing.T) {
	s, _ := newStore(t)
	defer s.Close()
	s.SetRetention(5)

	for i := 0; i < 8; i++ {
		require.NoError(t, s.AppendEvent(events.New(events.EventTaskRun, fmt.Sprintf("run %d", i), nil)))
	}

	evs, err := s.RecentEvents(0)
	require.NoError(t, err)
	require.Len(t, evs, 5)
	assert.Equal(t, "run 7", evs[0].Message)
	assert.Equal(t, "run 3", evs[4].Message)

	evs, err = s.RecentEvents(2)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestRecord(t *testing.T) {
	s, _ := newStore(t)
	defer s.Close()

	sub := make(events.Subscriber, 2)
	sub <- events.New(events.EventDriveMounted, "a", nil)
	sub <- events.New(events.EventTierFlushed, "b", nil)
	close(sub)
	s.Record(sub)

	evs, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventTierFlushed, evs[0].Type)
}

func TestOpenReadOnly(t *testing.T) {
	s, path := newStore(t)
	require.NoError(t, s.PutDrive(&types.DriveRecord{DevicePath: "/dev/sdb1", State: "mounted"}))
	require.NoError(t, s.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()

	drives, err := ro.ListDrives()
	require.NoError(t, err)
	assert.Len(t, drives, 1)
}
