package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fum4/openkit-sub000/internal/domain"
)

// Defaults for tunnel supervision timing.
const (
	DefaultStartTimeout = 20 * time.Second
	DefaultStopGrace    = 1500 * time.Millisecond
)

// publicURLPattern matches the provider's public hostnames in log
// output.
var publicURLPattern = regexp.MustCompile(`https://[A-Za-z0-9._-]+\.(?:ngrok-free\.app|ngrok\.app|ngrok\.dev|ngrok\.io)[^\s"']*`)

// Options tunes the manager. Zero values take the defaults.
type Options struct {
	StartTimeout time.Duration
	StopGrace    time.Duration
	// URLPattern overrides the public-URL matcher, e.g. for a
	// different provider.
	URLPattern *regexp.Regexp
}

// Manager supervises a single tunnel subprocess per gateway instance.
// All runtime fields are guarded by mu; concurrent Start callers share
// one in-flight attempt instead of racing to spawn duplicates.
type Manager struct {
	launcher     Launcher
	log          *slog.Logger
	now          func() time.Time
	startTimeout time.Duration
	stopGrace    time.Duration
	urlPattern   *regexp.Regexp

	mu         sync.Mutex
	enabled    bool
	status     string
	publicURL  string
	localPort  int
	startedAt  time.Time
	lastError  string
	proc       Process
	manualStop bool
	inflight   *startAttempt
}

// startAttempt is the shared handle concurrent Start callers wait on.
type startAttempt struct {
	port int
	done chan struct{}
	url  string
	err  error
}

// NewManager creates a stopped manager around launcher.
func NewManager(launcher Launcher, logger *slog.Logger, opts Options) *Manager {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.URLPattern == nil {
		opts.URLPattern = publicURLPattern
	}
	return &Manager{
		launcher:     launcher,
		log:          logger,
		now:          time.Now,
		startTimeout: opts.StartTimeout,
		stopGrace:    opts.StopGrace,
		urlPattern:   opts.URLPattern,
		status:       domain.TunnelStatusStopped,
	}
}

// SetNow overrides the manager's clock. Intended for tests.
func (m *Manager) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start ensures a tunnel is running for localPort and returns its
// public URL. Concurrent callers join the same in-flight attempt. A
// running tunnel on the same port is a no-op; forceRestart stops any
// existing process first.
func (m *Manager) Start(ctx context.Context, localPort int, forceRestart bool) (string, error) {
	m.mu.Lock()
	if a := m.inflight; a != nil && !forceRestart {
		m.mu.Unlock()
		return waitAttempt(ctx, a)
	}
	if !forceRestart && m.status == domain.TunnelStatusRunning && m.localPort == localPort && processAlive(m.proc) {
		u := m.publicURL
		m.mu.Unlock()
		return u, nil
	}

	// Starting never leaves two processes alive: any pre-existing
	// handle is terminated before the new spawn.
	prev := m.proc
	m.proc = nil
	a := &startAttempt{port: localPort, done: make(chan struct{})}
	m.inflight = a
	m.enabled = true
	m.status = domain.TunnelStatusStarting
	m.publicURL = ""
	m.localPort = localPort
	m.lastError = ""
	m.manualStop = false
	m.mu.Unlock()

	if prev != nil {
		m.terminate(prev)
	}
	go m.runStart(a)
	return waitAttempt(ctx, a)
}

// Stop terminates the tunnel subprocess, if any, and resets the runtime
// to the stopped baseline. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	proc := m.proc
	m.proc = nil
	m.manualStop = true
	m.enabled = false
	m.status = domain.TunnelStatusStopped
	m.publicURL = ""
	m.localPort = 0
	m.startedAt = time.Time{}
	m.lastError = ""
	m.mu.Unlock()

	if proc != nil {
		m.terminate(proc)
		m.log.Info("tunnel stopped")
	}
}

// Status returns a read-only projection of the runtime fields.
func (m *Manager) Status() domain.TunnelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := domain.TunnelSnapshot{
		Enabled:   m.enabled,
		Status:    m.status,
		PublicURL: m.publicURL,
		LocalPort: m.localPort,
		Error:     m.lastError,
	}
	if !m.startedAt.IsZero() {
		t := m.startedAt
		snap.StartedAt = &t
	}
	return snap
}

func (m *Manager) runStart(a *startAttempt) {
	proc, lines, err := m.launcher.Launch(a.port)
	if err != nil {
		m.finishStartError(a, &domain.TunnelError{
			Op:  "spawn tunnel subprocess",
			Err: fmt.Errorf("%w: %v", domain.ErrTunnelStartFailed, err),
		})
		return
	}

	// Register the handle immediately so Stop can reach a process that
	// is still scanning for its URL.
	m.mu.Lock()
	if m.manualStop || m.inflight != a {
		// Stopped or superseded while spawning; do not adopt the
		// process.
		m.mu.Unlock()
		m.terminate(proc)
		m.finishStartError(a, &domain.TunnelError{
			Op:  "start tunnel",
			Err: fmt.Errorf("%w: stopped before public url was ready", domain.ErrTunnelStartFailed),
		})
		return
	}
	m.proc = proc
	m.mu.Unlock()

	timer := time.NewTimer(m.startTimeout)
	defer timer.Stop()

	var lastOutput string
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Output ended; the exit path below reports the cause.
				lines = nil
				continue
			}
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				lastOutput = trimmed
			}
			raw := m.urlPattern.FindString(line)
			if raw == "" {
				continue
			}
			publicURL, err := normalizePublicURL(raw)
			if err != nil {
				continue
			}
			m.adoptRunning(a, proc, lines, publicURL)
			return

		case <-proc.Done():
			m.clearProc(proc)
			m.finishStartError(a, &domain.TunnelError{
				Op:         "start tunnel",
				LastOutput: lastOutput,
				Err:        fmt.Errorf("%w: process exited (%s)", domain.ErrTunnelStartFailed, proc.ExitDescription()),
			})
			return

		case <-timer.C:
			m.clearProc(proc)
			m.terminate(proc)
			m.finishStartError(a, &domain.TunnelError{
				Op:         "start tunnel",
				LastOutput: lastOutput,
				Err:        fmt.Errorf("%w: no public url within %s", domain.ErrTunnelStartFailed, m.startTimeout),
			})
			return
		}
	}
}

// adoptRunning transitions the attempt to running and installs the exit
// watcher.
func (m *Manager) adoptRunning(a *startAttempt, proc Process, lines <-chan string, publicURL string) {
	m.mu.Lock()
	if m.manualStop || m.inflight != a {
		m.mu.Unlock()
		m.terminate(proc)
		m.finishStartError(a, &domain.TunnelError{
			Op:  "start tunnel",
			Err: fmt.Errorf("%w: superseded before public url was adopted", domain.ErrTunnelStartFailed),
		})
		return
	}
	m.status = domain.TunnelStatusRunning
	m.publicURL = publicURL
	m.startedAt = m.now()
	m.lastError = ""
	m.inflight = nil
	m.mu.Unlock()

	// Keep the provider's output flowing so its writes never block.
	go drainLines(lines)
	go m.watchExit(proc)

	m.log.Info("tunnel running", "public_url", publicURL, "local_port", a.port)

	a.url = publicURL
	close(a.done)
}

func (m *Manager) finishStartError(a *startAttempt, terr *domain.TunnelError) {
	m.mu.Lock()
	owned := m.inflight == a
	if owned {
		m.inflight = nil
	}
	if owned && !m.manualStop {
		m.status = domain.TunnelStatusError
		m.lastError = terr.Error()
	}
	m.mu.Unlock()

	m.log.Error("tunnel start failed", "err", terr)

	a.err = terr
	close(a.done)
}

// watchExit flips the runtime to error when the adopted process exits
// without an operator stop.
func (m *Manager) watchExit(proc Process) {
	<-proc.Done()

	m.mu.Lock()
	if m.proc != proc || m.manualStop {
		// Superseded or stopped cleanly; nothing to report.
		m.mu.Unlock()
		return
	}
	m.proc = nil
	m.status = domain.TunnelStatusError
	m.publicURL = ""
	m.lastError = fmt.Sprintf("%v: %s", domain.ErrTunnelExited, proc.ExitDescription())
	m.mu.Unlock()

	m.log.Warn("tunnel exited unexpectedly", "exit", proc.ExitDescription())
}

// terminate asks the process to exit, escalating to a kill after the
// grace period. It returns within two grace periods even if the process
// ignores the kill.
func (m *Manager) terminate(proc Process) {
	select {
	case <-proc.Done():
		return
	default:
	}

	_ = proc.Signal(syscall.SIGTERM)
	timer := time.NewTimer(m.stopGrace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return
	case <-timer.C:
	}

	_ = proc.Kill()
	killTimer := time.NewTimer(m.stopGrace)
	defer killTimer.Stop()
	select {
	case <-proc.Done():
	case <-killTimer.C:
		m.log.Warn("tunnel process ignored kill")
	}
}

// clearProc detaches proc from the runtime if it is still the current
// handle.
func (m *Manager) clearProc(proc Process) {
	m.mu.Lock()
	if m.proc == proc {
		m.proc = nil
	}
	m.mu.Unlock()
}

func waitAttempt(ctx context.Context, a *startAttempt) (string, error) {
	select {
	case <-a.done:
		return a.url, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func processAlive(proc Process) bool {
	if proc == nil {
		return false
	}
	select {
	case <-proc.Done():
		return false
	default:
		return true
	}
}

func drainLines(lines <-chan string) {
	if lines == nil {
		return
	}
	for range lines {
	}
}

// normalizePublicURL forces https, strips path/query/fragment, and
// removes any trailing slash so callers always see a bare origin.
func normalizePublicURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("public url %q has no host", raw)
	}
	return "https://" + strings.ToLower(u.Host), nil
}
