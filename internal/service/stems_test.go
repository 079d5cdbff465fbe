package service

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given   string
		label   string
		matched bool
	}{
		{"/out/vocals.mp3", "Vocals", true},
		{"song_DRUMS.wav", "Drums", true},
		{"Bass.flac", "Bass", true},
		{"guitar_piano.mp3", "Guitar", true},
		{"piano.mp3", "Piano", true},
		{"other.mp3", "Other", true},
		{"mix.mp3", "Other", false},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			label, matched := classify(tt.given)
			require.Equal(t, tt.label, label)
			require.Equal(t, tt.matched, matched)
		})
	}
}

func TestOutputMarkers(t *testing.T) {
	t.Parallel()
	lines := outputLines("loading model\r\nDONE: /o/vocals.mp3, ,/o/drums.mp3 \nDONE:/o/bass.mp3\n")
	require.Equal(t, []string{"/o/vocals.mp3", "/o/drums.mp3"}, resultFiles(lines))
	require.Equal(t, unknownError, errorMessage(lines))

	lines = outputLines("ERROR:\nERROR: model not found\n")
	require.Empty(t, resultFiles(lines))
	require.Equal(t, "model not found", errorMessage(lines))
}

func TestCollectStems(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"track_vocals.wav", "mix.flac", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "drums.mp3"), 0o755))

	var testCases = []struct {
		scenario string
		given    []string
		then     map[string]string
	}{
		{
			"reported",
			[]string{"/x/vocals.mp3", "/x/drums.mp3", "/x/mix.mp3"},
			map[string]string{
				"Vocals": "/stems/id/vocals.mp3",
				"Drums":  "/stems/id/drums.mp3",
				"Other":  "/stems/id/mix.mp3",
			},
		},
		{
			"nothing reported",
			nil,
			map[string]string{
				"Vocals":   "/stems/id/track_vocals.wav",
				"mix.flac": "/stems/id/mix.flac",
			},
		},
		{
			"no keyword reported",
			[]string{"/x/mix.mp3"},
			map[string]string{
				"Vocals":   "/stems/id/track_vocals.wav",
				"mix.flac": "/stems/id/mix.flac",
			},
		},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			stems := collectStems(t.Context(), "/stems", "id", dir, tt.given)
			require.Equal(t, tt.then, stems)
		})
	}

	t.Run("missing directory", func(t *testing.T) {
		stems := collectStems(t.Context(), "/stems", "id", filepath.Join(dir, "missing"), nil)
		require.NotNil(t, stems)
		require.Empty(t, stems)
	})
}

func TestFailureMessage(t *testing.T) {
	t.Parallel()
	require.Equal(t, "model not found", failureMessage(&WorkerError{ExitCode: 1, Message: "model not found"}))
	require.Equal(t, "failed to start worker", failureMessage(ErrLaunch))
	require.Equal(t, "worker timed out", failureMessage(ErrTimeout))
	require.Equal(t, "boom", failureMessage(errors.New("boom")))
}
