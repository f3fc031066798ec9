//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// hostPort splits an httptest server URL into host and port.
func hostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	return u.Hostname(), u.Port()
}

// shellLaunch returns a launch override running script through sh.
func shellLaunch(script string) func(host, port string) *exec.Cmd {
	return func(host, port string) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

// awaitStatus fails the test unless want arrives on ch before the deadline.
func awaitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func TestStartMissingModelDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"))
	err := s.Start("127.0.0.1", "8000", nil, nil)
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
	if s.Status() != StatusStopped {
		t.Errorf("status = %q after failed start", s.Status())
	}
}

func TestStartMissingInterpreter(t *testing.T) {
	dir := t.TempDir() // exists, but holds no interpreter
	s := New(dir)
	err := s.Start("127.0.0.1", "8000", nil, nil)
	if !errors.Is(err, ErrInterpreterNotFound) {
		t.Errorf("err = %v, want ErrInterpreterNotFound", err)
	}
}

func TestLifecycleBecomesRunning(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model_status" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()
	host, port := hostPort(t, health.URL)

	s := New(t.TempDir(),
		WithLaunchCommand(shellLaunch(`echo "INFO: Uvicorn running on http://addr"; sleep 30`)),
		WithHealthPolicy(5, 50*time.Millisecond),
	)
	statusCh := make(chan Status, 8)
	err := s.Start(host, port, nil, func(st Status) { statusCh <- st })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	awaitStatus(t, statusCh, StatusStarting)
	awaitStatus(t, statusCh, StatusRunning)
	if !s.IsRunning() {
		t.Error("IsRunning = false after running transition")
	}
	if got := s.BaseURL(); got != health.URL {
		t.Errorf("BaseURL = %q, want %q", got, health.URL)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Status() != StatusStopped {
		t.Errorf("status after Stop = %q", s.Status())
	}
}

func TestUnhealthyModelIsStopped(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer health.Close()
	host, port := hostPort(t, health.URL)

	s := New(t.TempDir(),
		WithLaunchCommand(shellLaunch(`echo "Uvicorn running on http://addr"; sleep 30`)),
		WithHealthPolicy(2, 10*time.Millisecond),
	)
	statusCh := make(chan Status, 8)
	if err := s.Start(host, port, nil, func(st Status) { statusCh <- st }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	awaitStatus(t, statusCh, StatusStopped)
	if s.IsRunning() || s.IsStarting() {
		t.Errorf("status = %q after failed health probes, want stopped", s.Status())
	}
}

func TestStartWhileActive(t *testing.T) {
	s := New(t.TempDir(), WithLaunchCommand(shellLaunch(`sleep 30`)))
	statusCh := make(chan Status, 8)
	if err := s.Start("127.0.0.1", "0", nil, func(st Status) { statusCh <- st }); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer s.Stop()

	err := s.Start("127.0.0.1", "0", nil, nil)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start: err = %v, want ErrAlreadyActive", err)
	}
}

func TestOutputBufferIsBounded(t *testing.T) {
	s := New(t.TempDir(), WithLaunchCommand(shellLaunch(`seq 1 250`)))
	statusCh := make(chan Status, 8)
	if err := s.Start("127.0.0.1", "0", nil, func(st Status) { statusCh <- st }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// seq exits on its own, which reports stopped.
	awaitStatus(t, statusCh, StatusStopped)

	out := s.Output()
	if len(out) != maxOutputLines {
		t.Fatalf("buffer holds %d lines, want %d", len(out), maxOutputLines)
	}
	if out[0] != "51" || out[len(out)-1] != "250" {
		t.Errorf("buffer window = [%s .. %s], want [51 .. 250]", out[0], out[len(out)-1])
	}
}

func TestOutputTextJoinsLines(t *testing.T) {
	s := New(t.TempDir(), WithLaunchCommand(shellLaunch(`printf 'one\ntwo\nthree\n'`)))
	statusCh := make(chan Status, 8)
	if err := s.Start("127.0.0.1", "0", nil, func(st Status) { statusCh <- st }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStatus(t, statusCh, StatusStopped)

	if got, want := s.OutputText(), "one\ntwo\nthree"; got != want {
		t.Errorf("OutputText() = %q, want %q", got, want)
	}
}

func TestOutputCallbackSeesLines(t *testing.T) {
	s := New(t.TempDir(), WithLaunchCommand(shellLaunch(`echo hello model`)))
	statusCh := make(chan Status, 8)
	outputCh := make(chan string, 8)
	err := s.Start("127.0.0.1", "0",
		func(text string) { outputCh <- text },
		func(st Status) { statusCh <- st },
	)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitStatus(t, statusCh, StatusStopped)

	select {
	case text := <-outputCh:
		if text != "hello model" {
			t.Errorf("callback text = %q", text)
		}
	default:
		t.Error("output callback never fired")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	for i := 0; i < 3; i++ {
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop #%d on idle supervisor: %v", i+1, err)
		}
	}
}

func TestStopKillsProcessTree(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "child-alive")
	// The launched shell spawns a child that would create the marker file
	// after a delay; a proper tree kill prevents that.
	script := fmt.Sprintf(`(sleep 2; touch %s) & sleep 30`, marker)

	s := New(t.TempDir(), WithLaunchCommand(shellLaunch(script)))
	if err := s.Start("127.0.0.1", "0", nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Error("child process survived Stop")
	}
}

func TestCleanLine(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain line", "plain line"},
		{"  padded \n", "padded"},
		{"with\x1b[0mansi", "with[0mansi"},
		{"tab\tseparated", "tabseparated"},
	}
	for _, tc := range tests {
		if got := cleanLine(tc.in); got != tc.want {
			t.Errorf("cleanLine(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
