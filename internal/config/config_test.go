package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/unweave/unweave/internal/config"

	"github.com/stretchr/testify/require"
)

const testConfig = `
server:
  addr: "127.0.0.1:9000"
storage:
  temp_dir: /tmp/unweave/temp
  output_dir: /tmp/unweave/out
worker:
  path: /usr/bin/python3
  args:
    - worker.py
    - --verbose
  env:
    HOME: $HOME
    PYTHONUNBUFFERED: "1"
  terminate_grace: PT5S
  timeout: 2h
cleanup:
  retention: 45m
  schedule: "*/15 * * * *"
`

func TestRead(t *testing.T) {
	cfg, err := config.Read(strings.NewReader(testConfig))
	require.NoError(t, err)
	t.Logf("got: %+v", cfg)

	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	require.Equal(t, "/tmp/unweave/out", cfg.Storage.OutputDir)
	require.Equal(t, "models", cfg.Storage.ModelsDir)
	require.Equal(t, []string{"worker.py", "--verbose"}, cfg.Worker.Args)
	require.Equal(t, 5*time.Second, cfg.Worker.TerminateGrace)
	require.Equal(t, 2*time.Hour, cfg.Worker.Timeout)
	require.Equal(t, 45*time.Minute, cfg.Cleanup.Retention)
	require.Equal(t, 10*time.Minute, cfg.Cleanup.Interval)
	require.Equal(t, time.Minute, cfg.Cleanup.FallbackDelay)
	require.Equal(t, int64(50*1024*1024), cfg.Upload.MaxBytes())

	t.Run("environ", func(t *testing.T) {
		env := cfg.Worker.Environ()
		require.Contains(t, env, "PYTHONUNBUFFERED=1")
		require.Contains(t, env, "HOME="+os.Getenv("HOME"))
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unweave.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	t.Setenv("UNWEAVE_SERVER_ADDR", ":7000")
	t.Setenv("DEVICE_OVERRIDE", " CUDA ")
	t.Setenv("MAX_FILE_SIZE_MB", "10")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Addr)
	require.Equal(t, "cuda", cfg.Device.Override)
	require.Equal(t, 10, cfg.Upload.MaxFileSizeMB)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaults(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		require.Equal(t, ":8000", cfg.Server.Addr)
		require.Equal(t, 3*time.Second, cfg.Worker.TerminateGrace)
		require.Equal(t, time.Hour, cfg.Cleanup.Retention)
		require.Equal(t, 10*time.Minute, cfg.Cleanup.Interval)
		require.Equal(t, "json", cfg.Log.Format)
		require.Equal(t, config.Default(), cfg)
	})

	t.Run("cloud mode", func(t *testing.T) {
		t.Setenv("CLOUD_MODE", "true")
		cfg, err := config.Load("")
		require.NoError(t, err)
		require.True(t, cfg.CloudMode)
		require.Equal(t, 30*time.Minute, cfg.Cleanup.Retention)
		require.Equal(t, 5*time.Minute, cfg.Cleanup.Interval)
	})

	t.Run("legacy retention", func(t *testing.T) {
		t.Setenv("CLEANUP_INTERVAL_SECONDS", "120")
		cfg, err := config.Load("")
		require.NoError(t, err)
		require.Equal(t, 2*time.Minute, cfg.Cleanup.Retention)
	})
}

func TestValidate(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"bad format", "log:\n  format: xml\n", "Config.Log.Format"},
		{"zero upload", "upload:\n  max_file_size_mb: 0\n", "Config.Upload.MaxFileSizeMB"},
		{"relative stems url", "storage:\n  stems_url: stems\n", "Config.Storage.StemsURL"},
		{"bad cron", "cleanup:\n  schedule: \"* * 32 * *\"\n", "parsing cleanup.schedule"},
		{"bad duration", "worker:\n  terminate_grace: soon\n", "decoding config"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := config.Read(strings.NewReader(tt.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tt.then)
		})
	}
}
