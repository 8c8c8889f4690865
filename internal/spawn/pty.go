package spawn

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

var (
	ptyOnce      sync.Once
	ptySupported bool
)

// PTYSupported reports whether the host can allocate pseudoterminals. The
// probe starts one short-lived child on a PTY and caches the verdict for
// the process lifetime; a failed probe is never retried.
func PTYSupported() bool {
	ptyOnce.Do(func() {
		probe, err := exec.LookPath("true")
		if err != nil {
			return
		}
		cmd := exec.Command(probe)
		f, err := pty.Start(cmd)
		if err != nil {
			return
		}
		_ = cmd.Wait()
		_ = f.Close()
		ptySupported = true
	})
	return ptySupported
}

// ptyInput adapts the PTY master into the Input contract: Close delivers
// EOT so CLIs reading stdin-to-EOF finish, leaving the master open for the
// remaining output.
type ptyInput struct {
	master io.Writer
}

func (w *ptyInput) Write(p []byte) (int, error) { return w.master.Write(p) }

func (w *ptyInput) Close() error {
	_, err := w.master.Write([]byte{0x04})
	return err
}

// ptyOutput filters the read-side errors a closing PTY produces: once the
// child exits, reads on the master fail with EIO, which callers should see
// as end of stream.
type ptyOutput struct {
	master io.Reader
}

func (r *ptyOutput) Read(p []byte) (int, error) {
	n, err := r.master.Read(p)
	if err != nil && err != io.EOF && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (l *Local) spawnPTY(ctx context.Context, command string, argv []string, opts Options) (Process, error) {
	cmd := exec.Command(command, argv...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	// pty.Start gives the child a new session with the slave as its
	// controlling terminal; the session leader's pgid is its pid, so group
	// signals work the same as in pipe mode.
	master, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	l.applyNice(cmd.Process.Pid, opts.Nice)

	p := &process{
		cmd:  cmd,
		out:  &ptyOutput{master: master},
		in:   &ptyInput{master: master},
		done: make(chan struct{}),
	}
	go p.reap(ctx, master)
	return p, nil
}
