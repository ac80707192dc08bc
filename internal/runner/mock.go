package runner

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// MockRunnerCall records a single command invocation.
type MockRunnerCall struct {
	Name  string
	Args  []string
	Stdin string
}

// MockRunner records calls and returns configurable errors and output.
// Use NewMockRunner for a runner that always succeeds, or
// NewMockRunnerFailOnCall to fail on a specific invocation index.
type MockRunner struct {
	mu     sync.Mutex
	Calls  []MockRunnerCall
	Err    error
	FailOn int // Fail on this call index (0-based), -1 means always fail if Err != nil

	// OutputData maps a call index (0-based) to the bytes written to stdout
	// for that invocation.
	OutputData map[int][]byte

	// Paths lists the executables LookPath resolves; nil resolves everything.
	Paths map[string]string
}

// Run implements the Func signature.
func (mr *MockRunner) Run(_ context.Context, stdin io.Reader, stdout, _ io.Writer, name string, args ...string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	call := MockRunnerCall{Name: name, Args: append([]string(nil), args...)}
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		call.Stdin = string(data)
	}
	mr.Calls = append(mr.Calls, call)
	idx := len(mr.Calls) - 1

	if out, ok := mr.OutputData[idx]; ok && stdout != nil {
		if _, err := stdout.Write(out); err != nil {
			return err
		}
	}
	if mr.FailOn >= 0 && idx == mr.FailOn {
		return mr.Err
	}
	if mr.FailOn < 0 && mr.Err != nil {
		return mr.Err
	}
	return nil
}

// LookPath implements the LookPathFunc signature.
func (mr *MockRunner) LookPath(file string) (string, error) {
	if mr.Paths == nil {
		return "/usr/bin/" + file, nil
	}
	if path, ok := mr.Paths[file]; ok {
		return path, nil
	}
	return "", fmt.Errorf("exec: %q: executable file not found in $PATH", file)
}

// Names returns the program names invoked so far, in order.
func (mr *MockRunner) Names() []string {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	names := make([]string, 0, len(mr.Calls))
	for _, call := range mr.Calls {
		names = append(names, call.Name)
	}
	return names
}

// NewMockRunner creates a MockRunner that always succeeds.
func NewMockRunner() *MockRunner {
	return &MockRunner{FailOn: -1}
}

// NewMockRunnerFailOnCall creates a MockRunner that returns err on the n-th
// call (0-based) and succeeds on all others.
func NewMockRunnerFailOnCall(n int, err error) *MockRunner {
	return &MockRunner{FailOn: n, Err: err}
}

// NewMockRunnerWithOutput creates a MockRunner that always succeeds and
// writes the given output data for each call index.
func NewMockRunnerWithOutput(data map[int][]byte) *MockRunner {
	return &MockRunner{FailOn: -1, OutputData: data}
}
