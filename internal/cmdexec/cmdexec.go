// Package cmdexec abstracts external process invocation so that node
// services, state hooks, and kernel realization can be exercised in tests
// without touching the host.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTimeout marks a command that ran past its deadline and was killed.
var ErrTimeout = errors.New("command timed out")

// Result captures the observable outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands with a bounded timeout. A zero timeout
// means no bound beyond the caller's context.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
	// RunShell executes a script body through the shell, for hook bodies and
	// service startup lines that rely on shell syntax.
	RunShell(ctx context.Context, timeout time.Duration, script string) (Result, error)
}

// System runs commands on the host via os/exec.
type System struct{}

// Run executes name with args, waiting up to timeout.
func (System) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return run(ctx, timeout, func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, name, args...)
	})
}

// RunShell executes the script via sh -c.
func (System) RunShell(ctx context.Context, timeout time.Duration, script string) (Result, error) {
	return run(ctx, timeout, func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	})
}

func run(ctx context.Context, timeout time.Duration, build func(context.Context) *exec.Cmd) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := build(ctx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("command failed (exit %d): %w", res.ExitCode, err)
	}
	return res, nil
}

// Call records one invocation observed by Fake.
type Call struct {
	Name   string
	Args   []string
	Script string
}

// Fake is a Runner for tests: it records calls and replies using the
// configured hook, defaulting to success with empty output.
type Fake struct {
	Calls []Call
	// Respond, when set, decides the result per call.
	Respond func(Call) (Result, error)
	// Delay simulates slow commands so timeout paths can be exercised.
	Delay time.Duration
}

// Run records the call and returns the configured response.
func (f *Fake) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return f.dispatch(ctx, timeout, Call{Name: name, Args: args})
}

// RunShell records the script call and returns the configured response.
func (f *Fake) RunShell(ctx context.Context, timeout time.Duration, script string) (Result, error) {
	return f.dispatch(ctx, timeout, Call{Script: script})
}

func (f *Fake) dispatch(ctx context.Context, timeout time.Duration, call Call) (Result, error) {
	f.Calls = append(f.Calls, call)

	if f.Delay > 0 {
		wait := f.Delay
		if timeout > 0 && timeout < wait {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	if f.Respond != nil {
		return f.Respond(call)
	}
	return Result{}, nil
}
