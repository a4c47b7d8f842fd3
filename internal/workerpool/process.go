package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var commandContext = exec.CommandContext

// ProcessLauncher starts each worker as `<binary> worker --type <type> [args...]`.
type ProcessLauncher struct {
	Binary string
	// Args are appended after the type flag, e.g. --config.
	Args []string
	// Stderr receives worker diagnostics; defaults to os.Stderr.
	Stderr io.Writer
}

// Launch implements Launcher. The worker runs in its own process group so
// Kill reaches any converter it spawned.
func (l ProcessLauncher) Launch(ctx context.Context, taskType TaskType) (Conn, error) {
	if l.Binary == "" {
		return nil, errors.New("worker binary required")
	}
	args := append([]string{"worker", "--type", string(taskType)}, l.Args...)
	// The worker outlives the launching context; shutdown goes through Kill.
	cmd := commandContext(context.WithoutCancel(ctx), l.Binary, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if l.Stderr != nil {
		cmd.Stderr = l.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &processConn{
		cmd:   cmd,
		stdin: stdin,
		enc:   NewEncoder(stdin),
		dec:   NewDecoder(stdout),
	}, nil
}

type processConn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *Encoder
	dec   *Decoder

	waitOnce sync.Once
	waitErr  error
}

func (c *processConn) Send(msg Message) error {
	return c.enc.Encode(msg)
}

func (c *processConn) Recv() (Message, error) {
	return c.dec.Decode()
}

func (c *processConn) CloseInput() error {
	return c.stdin.Close()
}

func (c *processConn) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-c.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (c *processConn) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}
