// Package supervisor manages the lifecycle of the local model server: a
// bundled Python process that serves the synthesis API over HTTP.
//
// The process moves through three states. Start launches it and reports
// [StatusStarting]; once the server log announces it is listening AND a
// health probe confirms the model answers requests, the state becomes
// [StatusRunning]. Process exit, a failed health probe, or Stop all return it
// to [StatusStopped]. Log output is kept in a bounded in-memory buffer so a
// UI can show the most recent server activity.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/HG-ha/Parrot/internal/observe"
)

// Status describes the model process lifecycle state.
type Status string

const (
	// StatusStopped means no model process is active.
	StatusStopped Status = "stopped"

	// StatusStarting means the process is launched but the model has not yet
	// confirmed it is serving requests.
	StatusStarting Status = "starting"

	// StatusRunning means the model answered a health probe and is serving.
	StatusRunning Status = "running"
)

// serverScript is the entry point of the bundled model server, relative to
// the model directory.
const serverScript = "fastapi_app.py"

// defaultReadyMarker is the log line fragment that signals the embedded HTTP
// server has bound its port. Seeing it starts the health probe; it does not
// by itself mean the model is ready.
const defaultReadyMarker = "Uvicorn running on"

// maxOutputLines bounds the in-memory log buffer.
const maxOutputLines = 200

var (
	// ErrModelNotFound is returned by Start when the model directory does
	// not exist. The caller should offer to download the model.
	ErrModelNotFound = errors.New("supervisor: model directory not found")

	// ErrInterpreterNotFound is returned by Start when the model directory
	// exists but its bundled Python interpreter is missing, which indicates
	// a broken extraction.
	ErrInterpreterNotFound = errors.New("supervisor: bundled interpreter not found")

	// ErrAlreadyActive is returned by Start when a process is already
	// starting or running.
	ErrAlreadyActive = errors.New("supervisor: model process already active")
)

// OutputFunc receives the full current log buffer, newest line last, each
// time a new line arrives.
type OutputFunc func(text string)

// StatusFunc receives every state transition.
type StatusFunc func(st Status)

// Supervisor launches, monitors, and stops the model server process. It is
// safe for concurrent use.
//
// The zero value is not usable; create instances with [New].
type Supervisor struct {
	modelDir       string
	readyMarker    string
	healthAttempts int
	healthInterval time.Duration
	stopTimeout    time.Duration
	httpClient     *http.Client
	metrics        *observe.Metrics
	launch         func(host, port string) *exec.Cmd

	mu      sync.Mutex
	status  Status
	cmd     *exec.Cmd
	output  []string
	baseURL string
}

// Option is a functional option for configuring a Supervisor.
type Option func(*Supervisor)

// WithReadyMarker overrides the log line fragment that triggers the health
// probe.
func WithReadyMarker(marker string) Option {
	return func(s *Supervisor) {
		s.readyMarker = marker
	}
}

// WithHealthPolicy overrides how often and how long the health probe retries
// before declaring the start failed.
func WithHealthPolicy(attempts int, interval time.Duration) Option {
	return func(s *Supervisor) {
		s.healthAttempts = attempts
		s.healthInterval = interval
	}
}

// WithHTTPClient overrides the HTTP client used for health probes.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) {
		s.httpClient = c
	}
}

// WithMetrics records process lifecycle events on m. When not set, no
// metrics are emitted.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithLaunchCommand overrides how the model process is built. The supervisor
// then skips its model-directory and interpreter checks; the returned command
// must not have been started.
func WithLaunchCommand(fn func(host, port string) *exec.Cmd) Option {
	return func(s *Supervisor) {
		s.launch = fn
	}
}

// New creates a Supervisor for the model installed at modelDir.
func New(modelDir string, opts ...Option) *Supervisor {
	s := &Supervisor{
		modelDir:       modelDir,
		readyMarker:    defaultReadyMarker,
		healthAttempts: 30,
		healthInterval: time.Second,
		stopTimeout:    5 * time.Second,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		status:         StatusStopped,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// interpreterPath returns the bundled Python interpreter inside the model
// directory.
func (s *Supervisor) interpreterPath() string {
	name := "python"
	if runtime.GOOS == "windows" {
		name = "python.exe"
	}
	return filepath.Join(s.modelDir, name)
}

// buildCommand constructs the model server command. The bundled interpreter
// must resolve its standard library inside the model directory, not from any
// system Python, hence PYTHONHOME and PYTHONPATH.
func (s *Supervisor) buildCommand(host, port string) *exec.Cmd {
	cmd := exec.Command(s.interpreterPath(), serverScript, "--host", host, "--port", port)
	cmd.Dir = s.modelDir
	cmd.Env = append(os.Environ(),
		"PYTHONHOME="+s.modelDir,
		"PYTHONPATH="+filepath.Join(s.modelDir, "Lib", "site-packages"),
	)
	return cmd
}

// Start launches the model server on host:port. It returns once the process
// is spawned; readiness is reported asynchronously through onStatus, which
// sees [StatusStarting] immediately and later either [StatusRunning] or
// [StatusStopped]. onOutput, when non-nil, receives the accumulated log
// buffer on every new line. Both callbacks may be invoked from internal
// goroutines.
func (s *Supervisor) Start(host, port string, onOutput OutputFunc, onStatus StatusFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusStopped {
		return ErrAlreadyActive
	}

	var cmd *exec.Cmd
	if s.launch != nil {
		cmd = s.launch(host, port)
	} else {
		if _, err := os.Stat(s.modelDir); err != nil {
			s.recordStart("model_not_found")
			return fmt.Errorf("%w: %s", ErrModelNotFound, s.modelDir)
		}
		if _, err := os.Stat(s.interpreterPath()); err != nil {
			s.recordStart("interpreter_not_found")
			return fmt.Errorf("%w: %s", ErrInterpreterNotFound, s.interpreterPath())
		}
		cmd = s.buildCommand(host, port)
	}
	setSysProcAttr(cmd)

	// One pipe carries both streams so the buffer preserves interleaving.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("supervisor: create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		s.recordStart("launch_failed")
		return fmt.Errorf("supervisor: launch model process: %w", err)
	}
	// The child holds the write end now; closing ours makes the read end
	// report EOF when the process exits.
	pw.Close()

	s.cmd = cmd
	s.status = StatusStarting
	s.output = nil
	s.baseURL = fmt.Sprintf("http://%s:%s", host, port)
	s.recordStart("launched")
	slog.Info("model process launched", "pid", cmd.Process.Pid, "addr", s.baseURL)

	if onStatus != nil {
		go onStatus(StatusStarting)
	}
	go s.captureOutput(pr, cmd, onOutput, onStatus)
	return nil
}

// captureOutput drains the process output line by line until EOF, then reaps
// the process and marks the supervisor stopped.
func (s *Supervisor) captureOutput(r *os.File, cmd *exec.Cmd, onOutput OutputFunc, onStatus StatusFunc) {
	defer r.Close()

	sc := newLineScanner(r)
	for sc.Scan() {
		line := cleanLine(sc.Text())

		s.mu.Lock()
		s.output = append(s.output, line)
		if len(s.output) > maxOutputLines {
			s.output = s.output[len(s.output)-maxOutputLines:]
		}
		text := strings.Join(s.output, "\n")
		starting := s.status == StatusStarting
		s.mu.Unlock()

		if onOutput != nil {
			onOutput(text)
		}
		if starting && strings.Contains(line, s.readyMarker) {
			go s.awaitHealthy(onStatus)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("reading model process output", "err", err)
	}

	err := cmd.Wait()

	s.mu.Lock()
	wasRunning := s.status == StatusRunning
	stopped := s.status == StatusStopped
	s.status = StatusStopped
	s.cmd = nil
	s.mu.Unlock()

	if wasRunning {
		s.setModelUp(false)
	}
	if !stopped {
		// Unexpected exit, not a Stop call.
		slog.Warn("model process exited", "err", err)
		if onStatus != nil {
			onStatus(StatusStopped)
		}
	}
}

// awaitHealthy polls the model status endpoint until it answers or the retry
// budget is spent. The log marker only proves the HTTP server bound its port;
// model weights may still be loading, so only a 200 response flips the state
// to running. A spent budget stops the process.
func (s *Supervisor) awaitHealthy(onStatus StatusFunc) {
	for i := 0; i < s.healthAttempts; i++ {
		if s.probe() {
			s.mu.Lock()
			if s.status != StatusStarting {
				s.mu.Unlock()
				return
			}
			s.status = StatusRunning
			s.mu.Unlock()

			s.setModelUp(true)
			slog.Info("model is serving", "addr", s.BaseURL())
			if onStatus != nil {
				onStatus(StatusRunning)
			}
			return
		}
		time.Sleep(s.healthInterval)
	}

	slog.Error("model did not become healthy, stopping it", "attempts", s.healthAttempts)
	if err := s.Stop(); err != nil {
		slog.Error("stopping unhealthy model", "err", err)
	}
	if onStatus != nil {
		onStatus(StatusStopped)
	}
}

// probe performs one health request.
func (s *Supervisor) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL()+"/model_status", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates the model process and its children. Stopping an already
// stopped supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	wasRunning := s.status == StatusRunning
	s.status = StatusStopped
	s.cmd = nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if wasRunning {
		s.setModelUp(false)
	}

	slog.Info("stopping model process", "pid", cmd.Process.Pid)
	if err := killTree(cmd.Process.Pid, s.stopTimeout); err != nil {
		return fmt.Errorf("supervisor: kill model process tree: %w", err)
	}
	return nil
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsRunning reports whether the model answered a health probe and is serving.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// IsStarting reports whether the process is launched but not yet confirmed
// healthy.
func (s *Supervisor) IsStarting() bool {
	return s.Status() == StatusStarting
}

// Output returns the buffered log lines, oldest first.
func (s *Supervisor) Output() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.output))
	copy(out, s.output)
	return out
}

// OutputText returns the buffered log lines joined with newlines, the form
// the output callback receives and display surfaces render.
func (s *Supervisor) OutputText() string {
	return strings.Join(s.Output(), "\n")
}

// BaseURL returns the address of the most recently started model server,
// e.g. "http://127.0.0.1:8000". Empty before the first Start.
func (s *Supervisor) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// newLineScanner returns a line scanner sized for long model log lines, such
// as full tracebacks printed on one line.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}

// cleanLine trims the line and drops non-printable characters; the bundled
// server emits ANSI fragments and the occasional mangled byte under Windows
// code pages.
func cleanLine(line string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(line))
}

func (s *Supervisor) recordStart(status string) {
	if s.metrics != nil {
		s.metrics.RecordProcessStart(context.Background(), status)
	}
}

func (s *Supervisor) setModelUp(up bool) {
	if s.metrics != nil {
		s.metrics.SetModelUp(context.Background(), up)
	}
}
