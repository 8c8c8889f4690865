// Package spawn launches CLI children under either a pipe-based or a
// pseudoterminal I/O model. The executor consumes the Spawner interface;
// tests substitute fakes.
package spawn

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loopwork-ai/loopwork/internal/logsink"
)

// DefaultKillGrace is how long Terminate waits between SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// Options tune one spawn.
type Options struct {
	// Env is the full child environment; nil inherits the parent's.
	Env []string
	// Dir is the child's working directory; empty inherits the parent's.
	Dir string
	// Nice lowers (positive) or raises (negative) the child's scheduling
	// priority. Zero leaves it alone.
	Nice int
	// UsePTY requests pseudoterminal mode. Silently downgraded to pipe
	// mode when the host cannot allocate PTYs.
	UsePTY bool
}

// Process is one spawned child.
type Process interface {
	// Output is the child's stdout in pipe mode, or the merged PTY stream.
	Output() io.Reader
	// ErrOutput is the child's stderr in pipe mode; nil when output is a
	// single merged stream.
	ErrOutput() io.Reader
	// Input is the child's stdin. In PTY mode Close sends EOT instead of
	// closing the master, which would tear down the child's terminal.
	Input() io.WriteCloser
	// PID of the child.
	PID() int
	// Signal delivers sig to the child's process group.
	Signal(sig syscall.Signal) error
	// Done closes when the child has exited.
	Done() <-chan struct{}
	// Wait blocks until exit and reports the exit code. A negative code
	// means the child died on a signal. Safe to call more than once.
	Wait() (int, error)
}

// Spawner launches children.
type Spawner interface {
	Spawn(ctx context.Context, command string, argv []string, opts Options) (Process, error)
}

// Local spawns real OS processes.
type Local struct {
	sink *logsink.Sink
}

// NewLocal returns a spawner logging through sink (Nop when nil).
func NewLocal(sink *logsink.Sink) *Local {
	if sink == nil {
		sink = logsink.Nop()
	}
	return &Local{sink: sink}
}

// Spawn starts command with argv. PTY mode is used only when requested and
// supported; otherwise the child runs with pipes, in its own process group
// so signals reach grandchildren.
func (l *Local) Spawn(ctx context.Context, command string, argv []string, opts Options) (Process, error) {
	if opts.UsePTY && PTYSupported() {
		return l.spawnPTY(ctx, command, argv, opts)
	}
	return l.spawnPipe(ctx, command, argv, opts)
}

type process struct {
	cmd    *exec.Cmd
	out    io.Reader
	errOut io.Reader
	in     io.WriteCloser

	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (p *process) Output() io.Reader { return p.out }

func (p *process) ErrOutput() io.Reader { return p.errOut }

func (p *process) Input() io.WriteCloser { return p.in }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Signal targets the process group, so shells and node children launched
// by the CLI receive it too. A vanished group is not an error.
func (p *process) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

func (p *process) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

// reap runs cmd.Wait exactly once, records the exit, and releases Done.
// closeAfter holds parent-side descriptors closed once the child is gone.
func (p *process) reap(ctx context.Context, closeAfter ...io.Closer) {
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Context cancellation force-kills the whole group; the
			// graceful SIGTERM path is Terminate's job.
			_ = p.Signal(syscall.SIGKILL)
		case <-ctxDone:
		}
	}()

	err := p.cmd.Wait()
	close(ctxDone)

	p.mu.Lock()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	if _, ok := err.(*exec.ExitError); err != nil && !ok {
		// Nonzero exits surface through the code; only wait-infrastructure
		// failures surface as errors.
		p.waitErr = err
	}
	p.mu.Unlock()

	for _, c := range closeAfter {
		_ = c.Close()
	}
	p.once.Do(func() { close(p.done) })
}

func (l *Local) spawnPipe(ctx context.Context, command string, argv []string, opts Options) (Process, error) {
	cmd := exec.Command(command, argv...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	// Parent-side copies of the child's ends; the child keeps its own.
	closeAll(stdinR, stdoutW, stderrW)

	l.applyNice(cmd.Process.Pid, opts.Nice)

	p := &process{
		cmd:    cmd,
		out:    stdoutR,
		errOut: stderrR,
		in:     stdinW,
		done:   make(chan struct{}),
	}
	go p.reap(ctx)
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (l *Local) applyNice(pid, nice int) {
	if nice == 0 {
		return
	}
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, pid, nice); err != nil {
		l.sink.Warn(logsink.CatSpawn, "setpriority failed", "pid", pid, "nice", nice, "error", err)
	}
}

// Terminate asks p to exit: SIGTERM to the group, wait up to grace, then
// SIGKILL. It returns once the child is gone or shortly after the SIGKILL.
func Terminate(p Process, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	select {
	case <-p.Done():
		return
	default:
	}
	_ = p.Signal(syscall.SIGTERM)
	select {
	case <-p.Done():
		return
	case <-time.After(grace):
	}
	_ = p.Signal(syscall.SIGKILL)
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
	}
}
