// Package engine runs the external capture engines (the intercepting proxy
// and the packet capturer) as supervised subprocesses.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound reports that the engine binary could not be located.
var ErrNotFound = errors.New("capture engine not found")

// ErrRunning is returned by Start when the process is already running.
var ErrRunning = errors.New("capture engine already running")

// StopGrace is how long Stop waits after the termination signal before
// killing the process.
const StopGrace = 5 * time.Second

// Process is one external engine.
type Process struct {
	Name string   // Label for logs and status
	Path string   // Binary name or path, resolved with exec.LookPath
	Args []string
	Env  []string // Extra environment entries appended to os.Environ

	// Output selects whether Start returns the merged stdout/stderr stream.
	// When false the output is discarded and Start returns nil.
	Output bool

	Logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	waitErr error
}

// Start launches the process. With Output set, the returned reader yields
// the merged stdout and stderr and reaches EOF when the process exits.
// Cancelling ctx stops the process the same way Stop does.
func (p *Process) Start(ctx context.Context) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		select {
		case <-p.done:
		default:
			return nil, fmt.Errorf("%s: %w", p.Name, ErrRunning)
		}
	}

	bin, err := exec.LookPath(p.Path)
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", p.Name, p.Path, ErrNotFound)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, bin, p.Args...)
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = StopGrace
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}

	var out *os.File
	if p.Output {
		pr, pw, err := os.Pipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%s: create pipe: %w", p.Name, err)
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		out = pr
		defer pw.Close()
	}

	if err := cmd.Start(); err != nil {
		cancel()
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("%s: start: %w", p.Name, err)
	}

	p.cmd = cmd
	p.cancel = cancel
	p.done = make(chan struct{})
	p.waitErr = nil
	p.logger().Info("capture engine started", "engine", p.Name, "pid", cmd.Process.Pid, "args", p.Args)

	go p.wait(cmd, p.done)

	if out == nil {
		return nil, nil
	}
	return out, nil
}

func (p *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(done)

	if err != nil {
		p.logger().Warn("capture engine exited", "engine", p.Name, "error", err)
	} else {
		p.logger().Info("capture engine exited", "engine", p.Name)
	}
}

// Running reports whether the process has been started and not yet exited.
func (p *Process) Running() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop signals the process to terminate, kills it after StopGrace, and waits
// for it to exit. Stopping a process that is not running is a no-op.
func (p *Process) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

func (p *Process) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// MitmdumpArgs builds the proxy command line: load the flow-logging addon,
// listen on listen (host:port) and accept any upstream certificate.
func MitmdumpArgs(addon, listen string) ([]string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("proxy listen address %q: %w", listen, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("proxy listen port %q: %w", port, err)
	}
	return []string{
		"-s", addon,
		"--listen-host", host,
		"--listen-port", port,
		"--ssl-insecure",
	}, nil
}

// RingFileName is the base name the packet capturer rotates under.
const RingFileName = "cap.pcapng"

// DumpcapArgs builds the packet capture command line: capture on iface into
// a ring of files rotated every seconds, keeping at most files of them.
func DumpcapArgs(iface, dir string, files, seconds int) []string {
	return []string{
		"-i", iface,
		"-b", "files:" + strconv.Itoa(files),
		"-b", "duration:" + strconv.Itoa(seconds),
		"-w", filepath.Join(dir, RingFileName),
	}
}
