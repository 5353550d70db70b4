package update

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	latest  Release
	newer   bool
	err     error
	applied []string
	fail    error
}

func (f *fakeSource) Latest(context.Context, string) (Release, bool, error) {
	return f.latest, f.newer, f.err
}

func (f *fakeSource) Apply(_ context.Context, r Release, exe string) error {
	if f.fail != nil {
		return f.fail
	}
	f.applied = append(f.applied, r.Version+"@"+exe)
	return nil
}

func newChecker(src Source, version string) *Checker {
	c := NewChecker(src, version)
	c.exe = func() (string, error) { return "/usr/local/bin/tierd", nil }
	return c
}

func TestChecker_Disabled(t *testing.T) {
	for _, c := range []*Checker{
		newChecker(nil, "1.0.0"),
		newChecker(&fakeSource{}, "dev"),
		newChecker(&fakeSource{}, ""),
	} {
		assert.False(t, c.Enabled())
		_, err := c.Check(context.Background())
		assert.ErrorIs(t, err, ErrDisabled)
	}
}

func TestChecker_InstallsNewer(t *testing.T) {
	src := &fakeSource{latest: Release{Version: "1.2.0"}, newer: true}
	v, err := newChecker(src, "1.1.0").Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", v)
	assert.Equal(t, []string{"1.2.0@/usr/local/bin/tierd"}, src.applied)
}

func TestChecker_UpToDate(t *testing.T) {
	src := &fakeSource{latest: Release{Version: "1.1.0"}}
	v, err := newChecker(src, "1.1.0").Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.Empty(t, src.applied)
}

func TestChecker_Errors(t *testing.T) {
	src := &fakeSource{err: errors.New("rate limited")}
	_, err := newChecker(src, "1.0.0").Check(context.Background())
	assert.ErrorContains(t, err, "rate limited")

	src = &fakeSource{latest: Release{Version: "2.0.0"}, newer: true, fail: errors.New("checksum mismatch")}
	_, err = newChecker(src, "1.0.0").Check(context.Background())
	assert.ErrorContains(t, err, "failed to install 2.0.0: checksum mismatch")
}

func TestGitHub_ApplyWithoutAssets(t *testing.T) {
	g, err := NewGitHub("cuemby/tierd")
	require.NoError(t, err)
	err = g.Apply(context.Background(), Release{Version: "9.9.9"}, "/tmp/tierd")
	assert.ErrorContains(t, err, "has no assets")
}
