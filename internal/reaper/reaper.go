// Package reaper removes expired job outputs and finished job records.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/unweave/unweave/internal/config"
	"github.com/unweave/unweave/internal/model"
	"github.com/unweave/unweave/internal/registry"
)

type Config struct {
	OutputDir     string
	Retention     time.Duration
	Interval      time.Duration
	Schedule      string // cron expression, wins over Interval
	FallbackDelay time.Duration
}

func NewConfig(cfg config.Config) Config {
	return Config{
		OutputDir:     cfg.Storage.OutputDir,
		Retention:     cfg.Cleanup.Retention,
		Interval:      cfg.Cleanup.Interval,
		Schedule:      cfg.Cleanup.Schedule,
		FallbackDelay: cfg.Cleanup.FallbackDelay,
	}
}

type Reaper struct {
	cfg      Config
	registry *registry.Registry
}

func New(cfg Config, reg *registry.Registry) *Reaper {
	return &Reaper{
		cfg:      cfg,
		registry: reg,
	}
}

// Sweep deletes output directories modified before now minus retention and
// finished job records started before that point. A failing directory
// does not stop the sweep, all errors are returned together.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-r.cfg.Retention)

	ids := r.registry.DeleteFunc(func(j model.Job) bool {
		// cancelled records are kept visible after Cancel and expire here
		return j.Status.Terminal() && j.StartedAt.Before(cutoff)
	})
	if len(ids) > 0 {
		slog.InfoContext(ctx, "expired jobs removed", "count", len(ids))
	}

	entries, err := os.ReadDir(r.cfg.OutputDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading output directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(r.cfg.OutputDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", dir, err))
			continue
		}
		slog.DebugContext(ctx, "expired output removed", "dir", dir)
	}
	return errors.Join(errs...)
}

// Do runs Sweep on the configured schedule until ctx is canceled. A failed
// sweep is retried once more after the fallback delay.
func (r *Reaper) Do(ctx context.Context) error {
	def, err := r.jobDefinition(ctx)
	if err != nil {
		return err
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	opts := []gocron.JobOption{
		gocron.WithName("reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if r.cfg.Schedule == "" {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	_, err = s.NewJob(def, gocron.NewTask(func() { r.cycle(ctx, s) }), opts...)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	slog.DebugContext(ctx, "starting reaper", "retention", r.cfg.Retention)
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}

func (r *Reaper) jobDefinition(ctx context.Context) (gocron.JobDefinition, error) {
	switch {
	case r.cfg.Schedule != "":
		if _, err := config.ParseCron(r.cfg.Schedule); err != nil {
			return nil, fmt.Errorf("parsing cleanup.schedule: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", r.cfg.Schedule)
		return gocron.CronJob(r.cfg.Schedule, false), nil
	case r.cfg.Interval > 0:
		return gocron.DurationJob(r.cfg.Interval), nil
	default:
		return nil, errors.New("both cleanup.schedule and cleanup.interval are empty")
	}
}

func (r *Reaper) cycle(ctx context.Context, s gocron.Scheduler) {
	err := r.Sweep(ctx, time.Now())
	if err == nil {
		return
	}
	slog.ErrorContext(ctx, "cleanup failed", "error", err, "retry_in", r.cfg.FallbackDelay)
	if ctx.Err() != nil {
		return
	}
	_, err = s.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(r.cfg.FallbackDelay))),
		gocron.NewTask(func() { r.cycle(ctx, s) }),
		gocron.WithName("reaper retry"),
	)
	if err != nil {
		slog.ErrorContext(ctx, "scheduling cleanup retry", "error", err)
	}
}
