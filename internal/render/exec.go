package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var (
	ErrRenderTimeout = errors.New("render timed out")
	ErrCommandFailed = errors.New("render command failed")
)

// CommandError reports a render process that exited non-zero.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	if msg == "" {
		return fmt.Sprintf("render command failed: exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("render command failed: exit code %d: %s", e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Runner executes an external render command and captures its output.
type Runner interface {
	Run(ctx context.Context, name string, args []string, dir string) (stdout, stderr string, err error)
}

// ExecRunner runs commands with os/exec under a hard timeout.
type ExecRunner struct {
	Timeout   time.Duration
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string, dir string) (string, string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), nil
	}
	// parent cancellation (revocation, shutdown) wins over the timeout
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), stderr.String(), ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return stdout.String(), stderr.String(), fmt.Errorf("%w after %s", ErrRenderTimeout, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), &CommandError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return stdout.String(), stderr.String(), fmt.Errorf("start %s: %w", name, err)
}
