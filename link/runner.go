// Package link drives the linker under test over the matrix of output kinds,
// symbol kinds and relocation types.
package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// ErrTimeout is returned by a Runner when the command outlived its deadline.
var ErrTimeout = errors.New("timed out")

// A Cmd is one subprocess invocation.
type Cmd struct {
	Args   []string  // program and arguments
	Dir    string    // working directory
	Stdin  io.Reader // optional
	Stdout io.Writer // optional, discarded if nil
}

// A Runner runs subprocesses. It returns the captured stderr, even when the
// command fails or times out, and the process exit code. A non-zero exit code
// is not an error; failing to start is.
type Runner interface {
	Run(ctx context.Context, c Cmd) (stderr []byte, code int, err error)
}

// ExecRunner runs commands with os/exec. Each child runs in its own process
// group, and the whole group is killed when the context is done, so linker
// helper processes do not outlive a timeout.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes to close after the
	// group is killed.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Cmd) ([]byte, int, error) {
	if len(c.Args) == 0 {
		return nil, -1, errors.New("empty command")
	}
	x := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	x.Dir = c.Dir
	x.Stdin = c.Stdin
	x.Stdout = c.Stdout
	var stderr bytes.Buffer
	x.Stderr = &stderr
	setProcessGroup(x)
	x.WaitDelay = r.WaitDelay
	if x.WaitDelay == 0 {
		x.WaitDelay = time.Second
	}
	err := x.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stderr.Bytes(), -1, ErrTimeout
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.Exited() {
			return stderr.Bytes(), ee.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return stderr.Bytes(), -1, ctx.Err()
		}
		return stderr.Bytes(), -1, err
	}
	return stderr.Bytes(), 0, nil
}
