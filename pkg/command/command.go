package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds any single command that has no explicit timeout.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when a command is killed after exceeding its timeout
var ErrTimeout = errors.New("command timed out")

// Result holds the captured output of a finished command.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Output returns stdout with surrounding whitespace removed.
func (r Result) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// Runner executes OS commands. Every device and filesystem operation goes
// through a Runner so it can be replaced in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec under a per-command timeout.
type ExecRunner struct {
	// Timeout applies to commands without an entry in Timeouts.
	Timeout time.Duration

	// Timeouts overrides the timeout by binary name (mkfs.ext4 and fsck
	// can take many minutes on large disks).
	Timeouts map[string]time.Duration

	// Env replaces the process environment when non-empty.
	Env []string
}

// NewExecRunner creates a runner with defaults suited to disk tooling
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		Timeout: DefaultTimeout,
		Timeouts: map[string]time.Duration{
			"mkfs.ext4":  30 * time.Minute,
			"mkfs.ext3":  30 * time.Minute,
			"mkfs.xfs":   30 * time.Minute,
			"mkfs.btrfs": 30 * time.Minute,
			"fsck":       30 * time.Minute,
			"e2fsck":     30 * time.Minute,
			"parted":     2 * time.Minute,
		},
		Env: []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C", "LC_ALL=C"},
	}
}

// Run executes name with args. A non-zero exit status is reported as an
// error that wraps the captured stderr.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	timeout := r.timeoutFor(name)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%s after %s: %w", name, timeout, ErrTimeout)
	}
	if err != nil {
		return res, &ExitError{Name: name, Args: args, Code: res.Code, Stderr: truncate(strings.TrimSpace(errBuf.String()), 512), Err: err}
	}
	return res, nil
}

func (r *ExecRunner) timeoutFor(name string) time.Duration {
	if d, ok := r.Timeouts[name]; ok && d > 0 {
		return d
	}
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

// ExitError describes a command that ran but failed.
type ExitError struct {
	Name   string
	Args   []string
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s %s: exit %d", e.Name, strings.Join(e.Args, " "), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
