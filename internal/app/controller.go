// Package app wires the persistence, supervision, acquisition, and gateway
// layers into the operations the UI calls: run or reach a model, synthesize
// speech, and record the result.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HG-ha/Parrot/internal/acquire"
	"github.com/HG-ha/Parrot/internal/config"
	"github.com/HG-ha/Parrot/internal/gateway"
	"github.com/HG-ha/Parrot/internal/observe"
	"github.com/HG-ha/Parrot/internal/store"
	"github.com/HG-ha/Parrot/internal/supervisor"
	"github.com/HG-ha/Parrot/pkg/types"
)

// GenerationJob bundles a synthesis request with the presentation fields that
// go into the history record but not onto the wire.
type GenerationJob struct {
	Request types.GenerationRequest

	// Speaker is the role name shown in the history list.
	Speaker string

	// Reference is the reference audio the synthesis was cloned from.
	Reference string
}

// Controller coordinates the application's core operations. It is safe for
// concurrent use.
type Controller struct {
	settings   *config.Settings
	paths      config.Paths
	store      *store.Store
	supervisor *supervisor.Supervisor
	acquirer   *acquire.Acquirer
	metrics    *observe.Metrics

	newClient func(baseURL string) (*gateway.Client, error)
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithMetrics threads m through to the operations the controller performs
// itself. The wired subsystems carry their own metrics options.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClientFactory overrides how gateway clients are constructed.
func WithClientFactory(fn func(baseURL string) (*gateway.Client, error)) Option {
	return func(c *Controller) {
		c.newClient = fn
	}
}

// New creates a Controller over the given subsystems.
func New(settings *config.Settings, paths config.Paths, st *store.Store, sup *supervisor.Supervisor, acq *acquire.Acquirer, opts ...Option) *Controller {
	c := &Controller{
		settings:   settings,
		paths:      paths,
		store:      st,
		supervisor: sup,
		acquirer:   acq,
		newClient:  defaultClientFactory,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func defaultClientFactory(baseURL string) (*gateway.Client, error) {
	return gateway.New(baseURL)
}

// Store exposes the persistence layer for the role and history screens.
func (c *Controller) Store() *store.Store {
	return c.store
}

// Supervisor exposes the model process manager for the settings screen.
func (c *Controller) Supervisor() *supervisor.Supervisor {
	return c.supervisor
}

// client builds a gateway client for the currently configured API address.
func (c *Controller) client() (*gateway.Client, error) {
	return c.newClient(c.settings.APIURL)
}

// CheckConnection verifies the configured API server answers.
func (c *Controller) CheckConnection(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	return cl.CheckConnection(ctx)
}

// ModelInstalled reports whether the model directory exists.
func (c *Controller) ModelInstalled() bool {
	_, err := os.Stat(c.paths.ModelDir)
	return err == nil
}

// EnsureModel downloads and unpacks the model bundle unless it is already
// installed.
func (c *Controller) EnsureModel(ctx context.Context, progress acquire.ProgressFunc) error {
	if c.ModelInstalled() {
		return nil
	}
	return c.acquirer.Acquire(ctx, progress)
}

// StartModel launches the local model process on the configured host and
// port.
func (c *Controller) StartModel(onOutput supervisor.OutputFunc, onStatus supervisor.StatusFunc) error {
	return c.supervisor.Start(c.settings.ModelHost, c.settings.ModelPort, onOutput, onStatus)
}

// StopModel terminates the local model process if one is active.
func (c *Controller) StopModel() error {
	return c.supervisor.Stop()
}

// Generate synthesizes speech for job, archives the produced audio into the
// history directory, and records it. The history record is inserted only
// after the audio file is safely in place, so every listed record has a
// playable file.
//
// The WebSocket transport is tried first for its progress stream; when the
// upgrade itself fails the REST endpoint is used instead.
func (c *Controller) Generate(ctx context.Context, job GenerationJob, onProgress gateway.ProgressFunc) (types.HistoryRecord, error) {
	cl, err := c.client()
	if err != nil {
		return types.HistoryRecord{}, err
	}
	if err := cl.CheckConnection(ctx); err != nil {
		return types.HistoryRecord{}, err
	}

	produced, err := cl.GenerateAudio(ctx, job.Request, onProgress)
	if err != nil && !errors.Is(err, gateway.ErrGenerationFailed) && !errors.Is(err, gateway.ErrUnknownMode) {
		// Transport-level failure; the server may still speak plain HTTP.
		slog.Warn("websocket generation failed, retrying over rest", "err", err)
		produced, err = cl.GenerateAudioREST(ctx, job.Request)
	}
	if err != nil {
		return types.HistoryRecord{}, err
	}

	localPath, err := c.archiveAudio(ctx, cl, produced)
	if err != nil {
		return types.HistoryRecord{}, err
	}

	rec := types.HistoryRecord{
		Text:        job.Request.Text,
		Speaker:     job.Speaker,
		Reference:   job.Reference,
		FilePath:    localPath,
		Speed:       job.Request.Speed,
		Mode:        job.Request.Mode,
		Timestamp:   time.Now().Format(types.TimestampLayout),
		Instruction: job.Request.Instruction,
		SpeakerText: job.Request.SpeakerText,
	}
	id, err := c.store.AddHistory(rec)
	if err != nil {
		return types.HistoryRecord{}, fmt.Errorf("app: record generation: %w", err)
	}
	rec.ID = id
	return rec, nil
}

// archiveAudio brings the produced audio into the history directory. A path
// that exists locally (the server runs on this machine) is moved; otherwise
// the file is fetched through the server's download endpoint.
func (c *Controller) archiveAudio(ctx context.Context, cl *gateway.Client, produced string) (string, error) {
	if err := os.MkdirAll(c.paths.HistoryDir, 0o755); err != nil {
		return "", fmt.Errorf("app: create history dir: %w", err)
	}
	target := c.historyTarget(filepath.Base(produced))

	if _, err := os.Stat(produced); err == nil {
		if err := moveFile(produced, target); err != nil {
			return "", fmt.Errorf("app: archive audio: %w", err)
		}
		return target, nil
	}

	if err := cl.DownloadFile(ctx, filepath.Base(produced), target); err != nil {
		return "", err
	}
	return target, nil
}

// historyTarget picks a free path in the history directory for name,
// suffixing a short random id when the name is taken.
func (c *Controller) historyTarget(name string) string {
	target := filepath.Join(c.paths.HistoryDir, name)
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		return target
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(c.paths.HistoryDir, fmt.Sprintf("%s-%s%s", stem, uuid.NewString()[:8], ext))
}

// moveFile renames src to dst, falling back to copy-and-delete when the two
// live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Shutdown stops the model process and closes the store.
func (c *Controller) Shutdown() error {
	var errs []error
	if err := c.supervisor.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
