// Package remote runs shell-level commands on named Machines over SSH
// and returns their standard output, enforcing a connection timeout, an
// overall timeout, and host-key verification.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"go.opentelemetry.io/otel/metric"
)

// SpawnFailedError means the local ssh tool could not be invoked, or the
// remote host's key was not recognised.
type SpawnFailedError struct{ Cause error }

func (e *SpawnFailedError) Error() string { return fmt.Sprintf("spawn failed: %v", e.Cause) }
func (e *SpawnFailedError) Unwrap() error { return e.Cause }

// TimeoutError means the remote process did not finish within timeout.
type TimeoutError struct{ Timeout time.Duration }

func (e *TimeoutError) Error() string { return fmt.Sprintf("timed out after %s", e.Timeout) }

// ProcessFailedError means the remote process exited non-zero.
type ProcessFailedError struct {
	Code   int
	Stderr string
}

func (e *ProcessFailedError) Error() string {
	return fmt.Sprintf("remote process exited %d: %s", e.Code, e.Stderr)
}

// Config controls how ssh is invoked.
type Config struct {
	ConnectTimeout    time.Duration
	KnownHostsFile    string
	SSHBinary         string // defaults to "ssh"
}

// Executor runs commands on remote Machines over SSH.
type Executor struct {
	cfg   Config
	calls metric.Int64Counter
}

// New returns an Executor using cfg.
func New(cfg Config, calls metric.Int64Counter) *Executor {
	if cfg.SSHBinary == "" {
		cfg.SSHBinary = "ssh"
	}
	return &Executor{cfg: cfg, calls: calls}
}

// Execute runs command on machine and returns its standard output. It
// succeeds only if the remote process exits 0 within timeout.
func (e *Executor) Execute(ctx context.Context, machine domain.Machine, command string, timeout time.Duration) (string, error) {
	if e.calls != nil {
		e.calls.Add(ctx, 1)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(e.cfg.ConnectTimeout.Seconds())),
		"-o", "StrictHostKeyChecking=yes",
	}
	if e.cfg.KnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+e.cfg.KnownHostsFile)
	}
	args = append(args, machine.Address, command)

	cmd := exec.CommandContext(ctx, e.cfg.SSHBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", errs.Transient("%w", &TimeoutError{Timeout: timeout})
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// ssh itself exits 255 when it never reached the remote
			// process: connection refused, auth failure, host key
			// rejected. Those are spawn-level failures, not a non-zero
			// exit of the command we ran.
			if exitErr.ExitCode() == 255 {
				return "", errs.Transient("%w", &SpawnFailedError{Cause: fmt.Errorf("ssh: %s", stderr.String())})
			}
			return "", errs.Permanent("%w", &ProcessFailedError{Code: exitErr.ExitCode(), Stderr: stderr.String()})
		}
		return "", errs.Transient("%w", &SpawnFailedError{Cause: err})
	}
	return stdout.String(), nil
}

// TestConnectivity runs a trivial command and reports whether it succeeded.
func (e *Executor) TestConnectivity(ctx context.Context, machine domain.Machine) bool {
	_, err := e.Execute(ctx, machine, "true", e.cfg.ConnectTimeout)
	return err == nil
}
