// Package process spawns and supervises the MCP server child process behind
// the stdio transport.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// stopGrace is how long a cancelled child gets to exit after SIGINT before
// it is killed.
const stopGrace = 3 * time.Second

// Child is a running MCP server with piped standard streams. The caller owns
// the pumps; Wait must be called exactly once, after the stream reads are
// done.
type Child struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Start launches the command with piped stdio, inheriting the gateway's
// environment. Cancelling ctx interrupts the child and kills it after a
// grace period.
func Start(ctx context.Context, name string, args ...string) (*Child, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = stopGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	log.Info().
		Str("command", name).
		Strs("args", args).
		Int("pid", cmd.Process.Pid).
		Msg("MCP server process started")

	return &Child{cmd: cmd, Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

// Wait blocks until the child exits and releases its resources.
func (c *Child) Wait() error {
	err := c.cmd.Wait()
	log.Info().Int("pid", c.cmd.Process.Pid).Msg("MCP server process exited")
	return err
}

// CloseStdin signals end-of-input to the child.
func (c *Child) CloseStdin() error {
	return c.Stdin.Close()
}
