package downloads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/tunneldl/api/models"
)

// ExecRunner runs yt-dlp as a child process
type ExecRunner struct {
	Binary string
	// PrefixArgs are inserted before the generated arguments
	PrefixArgs []string
	// Env, when set, replaces the child's environment
	Env []string
	// WaitDelay bounds how long Wait lingers on output after the process exits
	WaitDelay time.Duration
}

func NewExecRunner(binary string) *ExecRunner {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &ExecRunner{Binary: binary, WaitDelay: 5 * time.Second}
}

func (r *ExecRunner) command(ctx context.Context, args []string) *exec.Cmd {
	full := append(append([]string{}, r.PrefixArgs...), args...)
	cmd := exec.CommandContext(ctx, r.Binary, full...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	// Own process group, so signals also reach the ffmpeg children yt-dlp spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.WaitDelay
	return cmd
}

// Start launches a download. The process is not tied to ctx: it is stopped
// only through Terminate/Kill so cancellation can be graceful.
func (r *ExecRunner) Start(_ context.Context, inv Invocation) (Process, error) {
	cmd := r.command(context.Background(), BuildArgs(inv))

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", r.Binary, err)
	}

	p := &execProcess{cmd: cmd, out: pr, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		pw.Close()
		close(p.done)
	}()
	return p, nil
}

// Probe runs the downloader in metadata mode and parses its JSON
func (r *ExecRunner) Probe(ctx context.Context, inv Invocation) (*models.MediaInfo, error) {
	cmd := r.command(ctx, BuildProbeArgs(inv))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t := newTail(5)
		for _, line := range bytes.Split(stderr.Bytes(), []byte("\n")) {
			if len(bytes.TrimSpace(line)) > 0 {
				t.Add(string(line))
			}
		}
		if msg := t.Message(); msg != "" {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("probe %s: %w", inv.URL, err)
	}
	return ParseMediaInfo(stdout.Bytes())
}

type execProcess struct {
	cmd  *exec.Cmd
	out  io.Reader
	done chan struct{}
	err  error
}

func (p *execProcess) Output() io.Reader {
	return p.out
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return signalGroup(p.cmd.Process, sig)
}

// signalGroup signals every process in the child's group
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-proc.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() (int, error) {
	<-p.done
	if p.err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, p.err
}
