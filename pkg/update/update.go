// Package update replaces the running binary with the latest GitHub
// release.
package update

import (
	"context"
	"errors"
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/cuemby/tierd/pkg/log"
)

// ErrDisabled is returned when no repository or release version is set.
var ErrDisabled = errors.New("self-update disabled")

// Release is a published version that can be installed
type Release struct {
	Version string
	rel     *selfupdate.Release
}

// Source finds and installs releases
type Source interface {
	// Latest returns the newest release and whether it is newer than current
	Latest(ctx context.Context, current string) (Release, bool, error)
	Apply(ctx context.Context, r Release, exe string) error
}

// GitHub is a Source reading releases of one repository
type GitHub struct {
	updater *selfupdate.Updater
	repo    selfupdate.RepositorySlug
}

// NewGitHub returns a Source for an "owner/name" repository. Release assets
// are verified against the checksums.txt asset.
func NewGitHub(repo string) (*GitHub, error) {
	up, err := selfupdate.NewUpdater(selfupdate.Config{
		Validator: &selfupdate.ChecksumValidator{UniqueFilename: "checksums.txt"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}
	return &GitHub{updater: up, repo: selfupdate.ParseSlug(repo)}, nil
}

// Latest implements Source
func (g *GitHub) Latest(ctx context.Context, current string) (Release, bool, error) {
	rel, found, err := g.updater.DetectLatest(ctx, g.repo)
	if err != nil {
		return Release{}, false, fmt.Errorf("failed to detect latest release: %w", err)
	}
	if !found {
		return Release{}, false, nil
	}
	return Release{Version: rel.Version(), rel: rel}, !rel.LessOrEqual(current), nil
}

// Apply implements Source
func (g *GitHub) Apply(ctx context.Context, r Release, exe string) error {
	if r.rel == nil {
		return fmt.Errorf("release %s has no assets", r.Version)
	}
	return g.updater.UpdateTo(ctx, r.rel, exe)
}

// Checker installs newer releases of the running binary
type Checker struct {
	source  Source
	version string
	exe     func() (string, error)
}

// NewChecker returns a checker for a binary at version. source may be nil,
// which disables updates.
func NewChecker(source Source, version string) *Checker {
	return &Checker{source: source, version: version, exe: selfupdate.ExecutablePath}
}

// Enabled reports whether Check can ever install anything
func (c *Checker) Enabled() bool {
	return c.source != nil && c.version != "" && c.version != "dev"
}

// Check installs the latest release when it is newer than the running
// version and returns the installed version, or "" when nothing changed.
func (c *Checker) Check(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	logger := log.WithComponent("update")

	rel, newer, err := c.source.Latest(ctx, c.version)
	if err != nil {
		return "", err
	}
	if !newer {
		logger.Debug().Str("version", c.version).Msg("Already up to date")
		return "", nil
	}

	exe, err := c.exe()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	if err := c.source.Apply(ctx, rel, exe); err != nil {
		return "", fmt.Errorf("failed to install %s: %w", rel.Version, err)
	}
	logger.Info().
		Str("from", c.version).
		Str("to", rel.Version).
		Str("path", exe).
		Msg("Binary updated")
	return rel.Version, nil
}
