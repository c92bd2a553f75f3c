// Package tunnel supervises the third-party tunneling subprocess and
// tracks its lifecycle. The provider is opaque: the only protocol is
// spawning it with the local port and scanning its combined output for
// the public URL.
package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Process is an opaque handle to a running tunnel subprocess. It exists
// so the manager's logic is testable with a fake.
type Process interface {
	// Signal delivers sig to the process (best effort once exited).
	Signal(sig os.Signal) error
	// Kill forcefully terminates the process.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitDescription reports how the process exited (exit code or
	// signal). Only meaningful after Done is closed.
	ExitDescription() string
}

// Launcher spawns tunnel subprocesses. The returned channel carries the
// process's combined stdout+stderr line by line and is closed when both
// streams end.
type Launcher interface {
	Launch(localPort int) (Process, <-chan string, error)
}

// CommandLauncher launches a real tunnel provider binary (ngrok by
// default) via os/exec.
type CommandLauncher struct {
	// Binary is the provider executable; defaults to "ngrok".
	Binary string
	// ExtraArgs are appended after the standard arguments.
	ExtraArgs []string
}

const lineBufferSize = 64

// Launch spawns `<binary> http <port> --log stdout` and streams its
// output.
func (l *CommandLauncher) Launch(localPort int) (Process, <-chan string, error) {
	bin := l.Binary
	if bin == "" {
		bin = "ngrok"
	}
	args := append([]string{"http", strconv.Itoa(localPort), "--log", "stdout"}, l.ExtraArgs...)
	cmd := exec.Command(bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn %s: %w", bin, err)
	}

	lines := make(chan string, lineBufferSize)
	var readers sync.WaitGroup
	readers.Add(2)
	go scanInto(stdout, lines, &readers)
	go scanInto(stderr, lines, &readers)

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		// Drain both pipes before Wait so Wait does not close them
		// under the scanners.
		readers.Wait()
		close(lines)
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, lines, nil
}

func scanInto(r io.Reader, lines chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *osProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) ExitDescription() string {
	select {
	case <-p.done:
	default:
		return "still running"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr == nil {
		return "exit status 0"
	}
	return p.exitErr.Error()
}
