// Package process runs child processes on the host with process-group
// cleanup, for the script and test runners.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/reqd-dev/reqd/pkg/log"
)

// Process is one child process.
type Process interface {
	// Start starts the process but does not wait for it to exit.
	Start(ctx context.Context) error
	// Started returns true once the process has been started.
	Started() bool

	// Close aborts the process if still running and cleans up.
	// The whole process group receives SIGTERM, then SIGKILL after a
	// grace period.
	Close(ctx context.Context) error
	// Closed returns true once Close has run.
	Closed() bool

	// Wait returns the channel the exit error (nil on clean exit) is
	// sent on. The channel is closed after the send.
	Wait() <-chan error

	// PID returns the pid of the started process, 0 before Start.
	PID() int32

	// ExitCode returns the exit code of the process. 0 until the
	// process exits; -1 when the process was killed.
	ExitCode() int32

	// StdoutReader returns the stdout pipe. Drain it with a
	// bufio.Scanner; the pipe is closed when the process exits.
	StdoutReader() io.Reader
	// StderrReader returns the stderr pipe.
	StderrReader() io.Reader
}

type process struct {
	ctx    context.Context
	cancel context.CancelFunc

	cmdMu sync.RWMutex
	cmd   *exec.Cmd

	startedMu sync.RWMutex
	started   bool

	closedMu sync.RWMutex
	closed   bool

	// closed on command exit
	errc chan error

	pid      int32
	exitCode int32

	commandArgs []string
	dir         string
	envs        []string
	stdin       string

	stdoutReadCloser io.ReadCloser
	stderrReadCloser io.ReadCloser
}

// ErrProcessAlreadyStarted is returned by Start on a started process.
var ErrProcessAlreadyStarted = errors.New("process already started")

// New validates the options and builds a process, without starting it.
func New(opts ...OpOption) (Process, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	return &process{
		errc:        make(chan error, 1),
		commandArgs: op.commandArgs,
		dir:         op.dir,
		envs:        op.envs,
		stdin:       op.stdin,
	}, nil
}

func (p *process) Start(ctx context.Context) error {
	if p.Closed() {
		return errors.New("process already closed")
	}

	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	if p.cmd != nil {
		return ErrProcessAlreadyStarted
	}

	cctx, ccancel := context.WithCancel(ctx)
	p.ctx = cctx
	p.cancel = ccancel

	if err := p.startCommand(); err != nil {
		ccancel()
		p.cmd = nil
		return err
	}

	go p.watchCmd()

	return nil
}

func (p *process) startCommand() error {
	log.Logger.Debugw("starting command", "command", p.commandArgs)

	p.cmd = exec.CommandContext(p.ctx, p.commandArgs[0], p.commandArgs[1:]...)
	p.cmd.Dir = p.dir
	p.cmd.Env = p.envs
	if p.stdin != "" {
		p.cmd.Stdin = strings.NewReader(p.stdin)
	}

	// Run the child in its own process group so Close can signal the
	// whole group. Scripts spawn their own children; signalling only
	// the direct child would orphan them.
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Context cancellation kills the group, not just the parent.
	p.cmd.Cancel = func() error {
		if p.cmd.Process == nil {
			return nil
		}
		pgid := p.cmd.Process.Pid
		// ESRCH means the group already exited.
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return err
		}
		return nil
	}

	var err error
	p.stdoutReadCloser, err = p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	p.stderrReadCloser, err = p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	atomic.StoreInt32(&p.pid, int32(p.cmd.Process.Pid))

	p.startedMu.Lock()
	p.started = true
	p.startedMu.Unlock()

	return nil
}

func (p *process) watchCmd() {
	defer close(p.errc)

	err := p.cmd.Wait()
	if err == nil {
		log.Logger.Debugw("process exited", "command", p.commandArgs[0])
		p.errc <- nil
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		atomic.StoreInt32(&p.exitCode, int32(code))
		if code == -1 && p.ctx.Err() != nil {
			log.Logger.Debugw("process terminated by cancellation", "command", p.commandArgs[0])
		} else {
			log.Logger.Debugw("process exited with non-zero status", "command", p.commandArgs[0], "exitCode", code)
		}
	} else {
		atomic.StoreInt32(&p.exitCode, -1)
		log.Logger.Warnw("error waiting for process", "command", p.commandArgs[0], "error", err)
	}
	p.errc <- err
}

// closeGrace is how long Close waits after SIGTERM before escalating.
const closeGrace = 3 * time.Second

func (p *process) Close(ctx context.Context) error {
	if !p.Started() || p.Closed() {
		return nil
	}

	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil {
		// Negative pid signals every process in the group.
		pgid := p.cmd.Process.Pid
		gone := false
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			if err == syscall.ESRCH {
				gone = true
			} else {
				log.Logger.Warnw("failed to SIGTERM process group", "pgid", pgid, "error", err)
			}
		}
		if !gone {
			select {
			case <-ctx.Done():
			case <-p.errc:
				gone = true
			case <-time.After(closeGrace):
			}
			if !gone {
				if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
					log.Logger.Warnw("failed to SIGKILL process group", "pgid", pgid, "error", err)
				}
			}
		}
	}

	if p.stdoutReadCloser != nil {
		_ = p.stdoutReadCloser.Close()
		p.stdoutReadCloser = nil
	}
	if p.stderrReadCloser != nil {
		_ = p.stderrReadCloser.Close()
		p.stderrReadCloser = nil
	}

	p.cancel()

	p.closedMu.Lock()
	p.closed = true
	p.closedMu.Unlock()

	return nil
}

func (p *process) Started() bool {
	p.startedMu.RLock()
	defer p.startedMu.RUnlock()
	return p.started
}

func (p *process) Closed() bool {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	return p.closed
}

func (p *process) Wait() <-chan error {
	return p.errc
}

func (p *process) PID() int32 {
	return atomic.LoadInt32(&p.pid)
}

func (p *process) ExitCode() int32 {
	return atomic.LoadInt32(&p.exitCode)
}

func (p *process) StdoutReader() io.Reader {
	p.cmdMu.RLock()
	defer p.cmdMu.RUnlock()
	return p.stdoutReadCloser
}

func (p *process) StderrReader() io.Reader {
	p.cmdMu.RLock()
	defer p.cmdMu.RUnlock()
	return p.stderrReadCloser
}
