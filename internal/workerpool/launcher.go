package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Conn is the pool's side of one worker.
type Conn interface {
	// Send writes a message to the worker.
	Send(msg Message) error
	// Recv blocks for the next message from the worker.
	Recv() (Message, error)
	// CloseInput signals the worker to exit once idle.
	CloseInput() error
	// Kill forcibly terminates the worker.
	Kill() error
	// Wait blocks until the worker has exited.
	Wait() error
}

// Launcher starts workers for a task type.
type Launcher interface {
	Launch(ctx context.Context, taskType TaskType) (Conn, error)
}

// FuncLauncher runs Serve in a goroutine connected by in-memory pipes. A
// panic inside Handler tears the pipe down, which the pool observes as a crash.
type FuncLauncher struct {
	Handler Handler
	// BeforeInit, when set, runs before the init message; an error makes the
	// worker exit without announcing readiness.
	BeforeInit func(TaskType) error
}

// Launch implements Launcher.
func (l FuncLauncher) Launch(ctx context.Context, taskType TaskType) (Conn, error) {
	if l.Handler == nil {
		return nil, errors.New("func launcher requires a handler")
	}
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()
	workerCtx, cancel := context.WithCancel(context.Background())

	conn := &funcConn{
		enc:    NewEncoder(toWorkerW),
		dec:    NewDecoder(fromWorkerR),
		input:  toWorkerW,
		output: fromWorkerR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		var runErr error
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("worker panic: %v", r)
			}
			_ = fromWorkerW.CloseWithError(exitError(runErr))
			_ = toWorkerR.Close()
			conn.finish(runErr)
		}()
		if l.BeforeInit != nil {
			if runErr = l.BeforeInit(taskType); runErr != nil {
				return
			}
		}
		runErr = Serve(workerCtx, toWorkerR, fromWorkerW, taskType, l.Handler)
	}()
	return conn, nil
}

func exitError(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}

type funcConn struct {
	enc    *Encoder
	dec    *Decoder
	input  *io.PipeWriter
	output *io.PipeReader
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func (c *funcConn) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *funcConn) Send(msg Message) error {
	return c.enc.Encode(msg)
}

func (c *funcConn) Recv() (Message, error) {
	return c.dec.Decode()
}

func (c *funcConn) CloseInput() error {
	return c.input.Close()
}

func (c *funcConn) Kill() error {
	c.cancel()
	_ = c.input.CloseWithError(errors.New("worker killed"))
	_ = c.output.CloseWithError(errors.New("worker killed"))
	c.finish(errors.New("worker killed"))
	return nil
}

func (c *funcConn) Wait() error {
	<-c.done
	return c.err
}
