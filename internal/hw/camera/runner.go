package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/cjeanneret/picamgo/internal/debug"
)

// Runner executes the external camera tools. Tests substitute a fake.
type Runner interface {
	LookPath(file string) (string, error)
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and returns their stdout.
type ExecRunner struct{}

func (ExecRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	debug.Exec(name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w (stderr: %s)", name, err, lastLines(stderr.String(), 5))
	}
	return stdout.Bytes(), nil
}

// Start runs name in the background and returns its stdout. Close stops the
// process and waits for it.
func (ExecRunner) Start(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	debug.Exec(name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &procReader{ReadCloser: stdout, cmd: cmd}, nil
}

type procReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *procReader) Close() error {
	if p.cmd.ProcessState == nil {
		_ = p.cmd.Process.Kill()
	}
	// Wait closes the pipe; a killed process exits non-zero
	_ = p.cmd.Wait()
	return nil
}

var _ StreamRunner = ExecRunner{}

// lastLines keeps error messages short: rpicam tools log a lot on stderr.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
