// Package process runs local commands and captures their complete output.
package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	errs "github.com/edgecmd/edgeworker/errors"
)

// Result is the outcome of a command that was started. A non-zero exit is
// reported here rather than as an error.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited 0
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes a command and waits for it to exit. An error means the
// command could not be run at all (not found, not executable, cancelled).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	dir string
	env []string
}

// Option configures an ExecRunner
type Option func(*ExecRunner)

// WithDir sets the working directory of spawned commands
func WithDir(dir string) Option {
	return func(r *ExecRunner) {
		r.dir = dir
	}
}

// WithEnv appends KEY=value pairs to the inherited environment
func WithEnv(env ...string) Option {
	return func(r *ExecRunner) {
		r.env = append(r.env, env...)
	}
}

// NewExecRunner creates a Runner backed by os/exec
func NewExecRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts name with args and blocks until it exits or ctx is cancelled.
// Stdout and stderr are buffered in full, not streamed.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	result := &Result{
		Command:  strings.TrimSpace(name + " " + strings.Join(args, " ")),
		ExitCode: -1,
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	cmd := exec.CommandContext(ctx, name, args...)
	if r.dir != "" {
		cmd.Dir = r.dir
	}
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return result, errs.WrapInvalid(err, "ExecRunner", "Run", "start "+name)
	}

	err := cmd.Wait()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, errs.WrapTransient(ctxErr, "ExecRunner", "Run", "wait for "+name)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, errs.Wrap(err, "ExecRunner", "Run", "wait for "+name)
	}

	result.ExitCode = 0
	return result, nil
}
