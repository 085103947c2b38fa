package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// ExecExecutor runs a local command with the script on its standard input.
// With an empty Path the endpoint command is run through /bin/sh, so
// "ssh pi@host python3 -" works the same way the shell pipeline did.
type ExecExecutor struct {
	Path string
	Args []string
	Env  []string
}

func (e *ExecExecutor) Execute(ctx context.Context, ep ports.Endpoint, script []byte) (ports.RemoteProcess, error) {
	var cmd *exec.Cmd
	switch {
	case e.Path != "":
		cmd = exec.CommandContext(ctx, e.Path, e.Args...)
	case ep.Command != "":
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", ep.Command)
	default:
		return nil, &domain.ConnectError{Reason: domain.ConnectRemoteExit, Err: errors.New("no command configured")}
	}
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	// Kill the whole process group so children of sh -c die with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
	if len(script) > 0 {
		cmd.Stdin = bytes.NewReader(script)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.ConnectError{Reason: domain.ConnectRemoteExit, Err: err}
	}
	stderr := &tailBuffer{max: 4 << 10}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &domain.ConnectError{Reason: domain.ConnectRemoteExit, Err: fmt.Errorf("start %s: %w", cmd.Path, err)}
	}
	return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailBuffer

	waitOnce sync.Once
	waitErr  error
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }

func (p *localProcess) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if tail := p.stderr.String(); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
			p.waitErr = &domain.SourceError{Cause: domain.CauseRemoteExit, Err: err}
			return
		}
		p.waitErr = &domain.SourceError{Cause: domain.CauseNetwork, Err: err}
	})
	return p.waitErr
}

func (p *localProcess) Close() error {
	if p.cmd.Process != nil {
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = p.Wait()
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

var _ ports.Executor = (*ExecExecutor)(nil)
