package service

import (
	"slices"
	"time"

	"github.com/unweave/unweave/internal/config"
)

type Config struct {
	TempDir        string
	OutputDir      string
	ModelsDir      string
	StemsURL       string
	Worker         Command
	TerminateGrace time.Duration
	Device         string
}

// NewConfig derives the manager settings from the application
// configuration. device is the detected compute backend type passed to
// every worker.
func NewConfig(cfg config.Config, device string) Config {
	return Config{
		TempDir:   cfg.Storage.TempDir,
		OutputDir: cfg.Storage.OutputDir,
		ModelsDir: cfg.Storage.ModelsDir,
		StemsURL:  cfg.Storage.StemsURL,
		Worker: Command{
			Path:    cfg.Worker.Path,
			Args:    slices.Clone(cfg.Worker.Args),
			Env:     cfg.Worker.Environ(),
			Timeout: cfg.Worker.Timeout,
		},
		TerminateGrace: cfg.Worker.TerminateGrace,
		Device:         device,
	}
}

// Cmd returns the worker command for a single job.
func (c Config) Cmd(id, input, outDir string) Command {
	cmd := c.Worker
	cmd.Args = append(slices.Clone(c.Worker.Args),
		"--job_id", id,
		"--input", input,
		"--out_dir", outDir,
		"--device_type", c.Device,
		"--models_dir", c.ModelsDir,
	)
	return cmd
}
