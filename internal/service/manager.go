package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unweave/unweave/internal/log"
	"github.com/unweave/unweave/internal/model"
	"github.com/unweave/unweave/internal/progress"
	"github.com/unweave/unweave/internal/registry"
)

// Releaser frees compute backend memory held after a job.
type Releaser interface {
	Release(ctx context.Context) error
}

// Manager accepts separation jobs and drives each of them in its own
// goroutine: it launches the worker, reports progress into the registry and
// records the outcome.
type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      Config
	registry *registry.Registry
	procs    *Processes
	releaser Releaser
	parser   progress.Parser

	mx     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewManager returns a manager whose jobs live until ctx is canceled or
// Close is called. releaser may be nil.
func NewManager(ctx context.Context, cfg Config, reg *registry.Registry, releaser Releaser) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		registry: reg,
		procs:    NewProcesses(),
		releaser: releaser,
		parser:   progress.Tqdm{},
	}
}

// WithParser changes the progress parser.
// This method exists for a unit testing only.
func (m *Manager) WithParser(p progress.Parser) *Manager {
	m.parser = p
	return m
}

type jobPaths struct {
	id      string
	tempDir string
	outDir  string
	input   string
}

func (m *Manager) paths(id, name string) jobPaths {
	p := jobPaths{
		id:      id,
		tempDir: filepath.Join(m.cfg.TempDir, id),
		outDir:  filepath.Join(m.cfg.OutputDir, id),
	}
	if name != "" {
		p.input = filepath.Join(p.tempDir, name)
	}
	return p
}

// Submit stores the upload read from src under its base name, creates an
// uploading job record and starts the separation in the background.
// Returns the new job id.
func (m *Manager) Submit(ctx context.Context, filename string, src io.Reader) (string, error) {
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidInput, filename)
	}
	if m.isClosed() {
		return "", ErrClosed
	}

	id := uuid.NewString()
	ctx = log.ContextAttrs(ctx, slog.String("job_id", id))
	p := m.paths(id, name)
	if err := m.store(p, src); err != nil {
		m.cleanup(ctx, p.tempDir, p.outDir)
		return "", err
	}

	err := m.registry.Create(model.Job{
		ID:         id,
		Status:     model.StatusUploading,
		Message:    "Upload received, starting separation...",
		StartedAt:  time.Now().UTC(),
		DeviceUsed: m.cfg.Device,
	})
	if err != nil {
		m.cleanup(ctx, p.tempDir, p.outDir)
		return "", fmt.Errorf("creating job record: %w", err)
	}

	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed {
		m.registry.Delete(id)
		m.cleanup(ctx, p.tempDir, p.outDir)
		return "", ErrClosed
	}
	jobCtx := log.ContextAttrs(m.ctx, slog.String("job_id", id))
	m.wg.Go(func() {
		m.run(jobCtx, p)
	})
	slog.InfoContext(ctx, "job submitted", "input", name)
	return id, nil
}

// SubmitFile is Submit reading the file at path.
func (m *Manager) SubmitFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()
	return m.Submit(ctx, filepath.Base(path), f)
}

func (m *Manager) store(p jobPaths, src io.Reader) error {
	for _, dir := range []string{p.tempDir, p.outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating job directory: %w", err)
		}
	}
	f, err := os.Create(p.input)
	if err != nil {
		return fmt.Errorf("creating input file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return fmt.Errorf("storing input file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storing input file: %w", err)
	}
	return nil
}

// Status returns a copy of the job record.
func (m *Manager) Status(id string) (model.Job, error) {
	job, ok := m.registry.Get(id)
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return job, nil
}

// List returns a summary of every known job.
func (m *Manager) List() map[string]model.Summary {
	return m.registry.List()
}

// Cancel marks the job cancelled, terminates its worker and removes its
// files. Returns model.ErrNotFound for unknown jobs and
// model.ErrInvalidState for jobs which already finished.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	_, err := m.registry.Update(id, func(j *model.Job) error {
		j.Status = model.StatusCancelled
		j.ETASeconds = nil
		j.Message = "Cancelled"
		return nil
	})
	if err != nil {
		return err
	}

	ctx = log.ContextAttrs(ctx, slog.String("job_id", id))
	slog.InfoContext(ctx, "cancelling job")
	if err := m.procs.Terminate(ctx, id); err != nil {
		slog.ErrorContext(ctx, "terminating worker", "error", err)
	}
	p := m.paths(id, "")
	m.cleanup(ctx, p.tempDir, p.outDir)
	m.release(ctx)
	return nil
}

// Close terminates running workers and waits until every job goroutine
// returns. Submit fails afterwards.
func (m *Manager) Close() {
	m.mx.Lock()
	m.closed = true
	m.mx.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.closed
}

func (m *Manager) run(ctx context.Context, p jobPaths) {
	err := m.safeSeparate(ctx, p)
	switch {
	case err == nil:
		return
	case errors.Is(err, errCancelled), errors.Is(err, model.ErrInvalidState):
		slog.InfoContext(ctx, "job was cancelled: cleaning up")
		m.cleanup(ctx, p.tempDir, p.outDir)
		m.release(ctx)
		return
	}

	slog.ErrorContext(ctx, "separation failed", "error", err)
	m.cleanup(ctx, p.tempDir, p.outDir)
	m.release(ctx)
	msg := failureMessage(err)
	_, err = m.registry.Update(p.id, func(j *model.Job) error {
		j.Status = model.StatusError
		j.Progress = 0
		j.ETASeconds = nil
		j.Message = msg
		return nil
	})
	switch {
	case errors.Is(err, model.ErrInvalidState):
		slog.DebugContext(ctx, "job already finished", "error", err)
	case err != nil:
		slog.ErrorContext(ctx, "recording failure", "error", err)
	}
}

func (m *Manager) safeSeparate(ctx context.Context, p jobPaths) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "separation panicked", "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return m.separate(ctx, p)
}

func (m *Manager) separate(ctx context.Context, p jobPaths) error {
	start := time.Now()
	_, err := m.registry.Update(p.id, func(j *model.Job) error {
		j.Status = model.StatusProcessing
		j.Progress = 0
		j.ETASeconds = nil
		j.Message = "Initializing worker..."
		return nil
	})
	if err != nil {
		return err
	}

	runner := NewRunner(m.cfg.TerminateGrace)
	track := newTracker(m.registry, m.parser, p.id)
	if err := runner.Start(ctx, m.cfg.Cmd(p.id, p.input, p.outDir), track.line); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	m.procs.Track(p.id, runner)
	// cancel may have come before the worker was tracked
	if m.cancelled(p.id) {
		_ = m.procs.Terminate(ctx, p.id)
	}
	res := runner.Wait()
	m.procs.Untrack(p.id, runner)
	slog.DebugContext(ctx, "worker exited",
		"exit_code", res.ExitCode(),
		"duration", res.Stopped.Sub(res.Started),
	)

	if m.cancelled(p.id) {
		return errCancelled
	}
	lines := outputLines(res.Stdout.String())
	switch {
	case res.TimedOut:
		return ErrTimeout
	case ctx.Err() != nil:
		return fmt.Errorf("worker interrupted: %w", ctx.Err())
	case res.ExitCode() != 0:
		return &WorkerError{ExitCode: res.ExitCode(), Message: errorMessage(lines)}
	}

	stems := collectStems(ctx, m.cfg.StemsURL, p.id, p.outDir, resultFiles(lines))
	m.cleanup(ctx, p.tempDir)
	m.release(ctx)
	elapsed := math.Round(time.Since(start).Seconds()*10) / 10
	_, err = m.registry.Update(p.id, func(j *model.Job) error {
		j.Status = model.StatusComplete
		j.Progress = 100
		j.ETASeconds = nil
		j.Message = "Separation complete!"
		j.Stems = stems
		j.ProcessingTime = &elapsed
		j.DeviceUsed = m.cfg.Device
		return nil
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "separation complete", "elapsed", elapsed, "stems", len(stems))
	return nil
}

// cancelled reports whether the record is gone or cancelled.
func (m *Manager) cancelled(id string) bool {
	job, ok := m.registry.Get(id)
	return !ok || job.Status == model.StatusCancelled
}

func (m *Manager) release(ctx context.Context) {
	if m.releaser == nil {
		return
	}
	if err := m.releaser.Release(ctx); err != nil {
		slog.WarnContext(ctx, "releasing device memory", "error", err)
	}
}

// cleanup removes dirs, failures are logged only.
func (m *Manager) cleanup(ctx context.Context, dirs ...string) {
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			slog.WarnContext(ctx, "removing job directory", "dir", dir, "error", err)
		}
	}
}
