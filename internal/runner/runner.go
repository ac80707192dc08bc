// Package runner is the seam through which the pipeline executes host
// programs (mount, openssl, cargo). Tests replace the package-level functions
// or inject a MockRunner.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Func executes an external command, wiring stdin/stdout/stderr to the
// supplied streams. The command is killed when ctx is cancelled.
type Func func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error

// LookPathFunc reports the absolute path of an executable.
type LookPathFunc func(file string) (string, error)

// Run is the default Func implementation.
var Run Func = func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// LookPath is the default LookPathFunc implementation.
var LookPath LookPathFunc = exec.LookPath

// Output runs name through run and returns its standard output. Standard
// error is captured and attached to the returned error.
func Output(ctx context.Context, run Func, stdin io.Reader, name string, args ...string) ([]byte, error) {
	if run == nil {
		run = Run
	}
	var stdout, stderr bytes.Buffer
	if err := run(ctx, stdin, &stdout, &stderr, name, args...); err != nil {
		return stdout.Bytes(), commandError(name, args, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// Quiet runs name through run, discarding standard output and attaching
// standard error to a failure.
func Quiet(ctx context.Context, run Func, name string, args ...string) error {
	_, err := Output(ctx, run, nil, name, args...)
	return err
}

func commandError(name string, args []string, stderr string, err error) error {
	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return fmt.Errorf("%s: %w", command, err)
	}
	return fmt.Errorf("%s: %w: %s", command, err, stderr)
}
