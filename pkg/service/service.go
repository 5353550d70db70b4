package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/tierd/pkg/command"
	"github.com/cuemby/tierd/pkg/log"
)

// Supervisor keeps named systemd units enabled and running
type Supervisor struct {
	runner command.Runner
	units  []string
}

// NewSupervisor returns a supervisor for units
func NewSupervisor(runner command.Runner, units ...string) *Supervisor {
	return &Supervisor{runner: runner, units: units}
}

// Units returns the supervised unit names
func (s *Supervisor) Units() []string {
	return append([]string(nil), s.units...)
}

// Ensure enables and starts every unit that is not active. Failures are
// collected and returned together; every unit is attempted.
func (s *Supervisor) Ensure(ctx context.Context) error {
	logger := log.WithComponent("service")
	var errs []error
	for _, unit := range s.units {
		if s.active(ctx, unit) {
			continue
		}
		if _, err := s.runner.Run(ctx, "systemctl", "enable", "--now", unit); err != nil {
			logger.Error().Err(err).Str("unit", unit).Msg("Failed to start service")
			errs = append(errs, fmt.Errorf("failed to start %s: %w", unit, err))
			continue
		}
		logger.Info().Str("unit", unit).Msg("Service started")
	}
	return errors.Join(errs...)
}

func (s *Supervisor) active(ctx context.Context, unit string) bool {
	_, err := s.runner.Run(ctx, "systemctl", "is-active", "--quiet", unit)
	return err == nil
}
