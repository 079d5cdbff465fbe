package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/unweave/unweave/internal/model"
	"github.com/unweave/unweave/internal/progress"
	"github.com/unweave/unweave/internal/registry"
)

const downloadMarker = "Downloading"

var errNotProcessing = errors.New("job is not processing")

// tracker turns the stderr lines of one worker into progress updates of
// its job record. It is called from a single goroutine.
type tracker struct {
	registry    *registry.Registry
	parser      progress.Parser
	id          string
	downloading bool
	last        int
}

func newTracker(reg *registry.Registry, parser progress.Parser, id string) *tracker {
	return &tracker{
		registry: reg,
		parser:   parser,
		id:       id,
	}
}

func (t *tracker) line(ctx context.Context, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	slog.DebugContext(ctx, "worker", "stderr", line)

	if strings.Contains(line, downloadMarker) && !t.downloading {
		// a new phase starts from zero
		t.downloading = true
		t.last = 0
	}
	u, ok := t.parser.Parse(line)
	if !ok {
		return
	}
	pct := min(max(u.Percent, 0), 100)

	if t.downloading && pct == 100 {
		t.downloading = false
		t.last = 0
		t.update(ctx, func(j *model.Job) {
			j.Progress = 0
			j.ETASeconds = nil
			j.Message = "Model downloaded. Separating stems..."
		})
		return
	}

	// progress never goes back within a phase
	pct = max(pct, t.last)
	t.last = pct
	phase := "Separating stems"
	if t.downloading {
		phase = "Downloading model"
	}
	t.update(ctx, func(j *model.Job) {
		j.Progress = pct
		j.ETASeconds = u.ETASeconds
		j.Message = fmt.Sprintf("%s... %d%%", phase, pct)
	})
}

func (t *tracker) update(ctx context.Context, fn func(j *model.Job)) {
	_, err := t.registry.Update(t.id, func(j *model.Job) error {
		if j.Status != model.StatusProcessing {
			return errNotProcessing
		}
		fn(j)
		return nil
	})
	if err != nil {
		slog.DebugContext(ctx, "progress update skipped", "error", err)
	}
}
