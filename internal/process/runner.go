// Package process runs external commands to completion and captures
// their output.
package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
)

// Result is the captured outcome of one command.
type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Runner spawns a command in dir and waits for it.
//
// A non-zero exit is reported through Result.Code, not as an error. The
// error is only set when the command could not be started or waited on.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger.With("module", "process")}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	r.logger.Debug("run", "cmd", name+" "+strings.Join(args, " "), "dir", dir)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.Code = ee.ExitCode()
			return res, nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			res.Code = 124
		} else {
			res.Code = 1
		}
		return res, err
	}
	return res, nil
}
