package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle is the opaque process handle a ProcessRecord owns. The real
// implementation wraps an exec.Cmd; tests substitute in-process fakes.
type Handle interface {
	// Terminate asks the process to exit, escalating to a kill if it
	// does not comply within the grace period.
	Terminate()
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Output returns the captured stdout/stderr, bounded.
	Output() string
}

// Spawner starts a backend process bound to a directory and port and blocks
// until the process announces readiness or the context expires. On success
// it returns the process handle.
type Spawner func(ctx context.Context, directory string, port int, env map[string]string) (Handle, error)

const (
	terminateGrace = 3 * time.Second
	maxOutputBytes = 64 * 1024
)

// osProcess wraps a spawned backend executable.
type osProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	out    *outputBuffer
	killMu sync.Mutex
	killed bool
}

// outputBuffer captures the tail of the child's combined output.
type outputBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *outputBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if len(b.buf) > maxOutputBytes {
		b.buf = b.buf[len(b.buf)-maxOutputBytes:]
	}
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// NewSpawner returns a Spawner that runs `command serve --hostname H --port P`
// in the project directory, with env merged over the parent environment.
// Readiness is the backend printing a line containing its bound base URL.
func NewSpawner(command, hostname string) Spawner {
	return func(ctx context.Context, directory string, port int, env map[string]string) (Handle, error) {
		baseURL := fmt.Sprintf("http://%s:%d", hostname, port)

		cmd := exec.Command(command, "serve", "--hostname", hostname, "--port", fmt.Sprintf("%d", port))
		cmd.Dir = directory
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, &StartError{Directory: directory, Port: port, Err: err}
		}
		cmd.Stderr = cmd.Stdout

		p := &osProcess{
			cmd:  cmd,
			done: make(chan struct{}),
			out:  &outputBuffer{},
		}

		if err := cmd.Start(); err != nil {
			return nil, &StartError{Directory: directory, Port: port, Err: err}
		}

		ready := make(chan struct{})
		go p.scanOutput(stdout, baseURL, ready)
		go func() {
			_ = cmd.Wait()
			close(p.done)
		}()

		select {
		case <-ready:
		case <-p.done:
			return nil, &StartError{
				Directory: directory,
				Port:      port,
				Output:    p.out.String(),
				Err:       fmt.Errorf("process exited before readiness"),
			}
		case <-ctx.Done():
			p.Terminate()
			return nil, &StartError{
				Directory: directory,
				Port:      port,
				Output:    p.out.String(),
				Err:       fmt.Errorf("readiness timeout: %w", ctx.Err()),
			}
		}

		log.Debug().
			Str("directory", directory).
			Int("port", port).
			Msg("Backend announced readiness")
		return p, nil
	}
}

// scanOutput reads child output line by line, capturing it and signalling
// readiness when the listening line appears.
func (p *osProcess) scanOutput(r io.Reader, baseURL string, ready chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	signalled := false
	for scanner.Scan() {
		line := scanner.Text()
		p.out.append(line)
		if !signalled && strings.Contains(line, baseURL) {
			signalled = true
			close(ready)
		}
	}
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (p *osProcess) Terminate() {
	p.killMu.Lock()
	if p.killed {
		p.killMu.Unlock()
		return
	}
	p.killed = true
	p.killMu.Unlock()

	if p.cmd.Process == nil {
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.done:
	case <-time.After(terminateGrace):
		log.Warn().Int("pid", p.cmd.Process.Pid).Msg("Backend ignored SIGTERM, killing")
		_ = p.cmd.Process.Kill()
	}
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) Output() string {
	return p.out.String()
}
