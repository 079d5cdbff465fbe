// Package device selects the compute backend used by separation workers.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	CUDA     = "cuda"
	MPS      = "mps"
	DirectML = "directml"
	CPU      = "cpu"
)

const queryTimeout = 5 * time.Second

type Info struct {
	Type   string   `json:"device_type"`
	Name   string   `json:"device_name"`
	VRAMGB *float64 `json:"vram_gb,omitempty"`
}

// GPU reports whether the backend is an accelerator.
func (i Info) GPU() bool {
	return i.Type != CPU
}

// Detector probes the host for accelerators.
type Detector struct {
	NvidiaSMI string
	GOOS      string
	GOARCH    string
}

func NewDetector() Detector {
	return Detector{
		NvidiaSMI: "nvidia-smi",
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
	}
}

// Detect is NewDetector().Detect.
func Detect(ctx context.Context, override string) Info {
	return NewDetector().Detect(ctx, override)
}

// Detect returns the backend to use. A non-empty override wins when the
// requested backend is available, otherwise the best available backend is
// chosen in the order cuda, mps, cpu.
func (d Detector) Detect(ctx context.Context, override string) Info {
	override = strings.ToLower(strings.TrimSpace(override))
	switch override {
	case "":
	case CPU:
		return Info{Type: CPU, Name: "CPU (forced)"}
	case CUDA:
		info, err := d.cuda(ctx)
		if err == nil {
			return info
		}
		slog.WarnContext(ctx, "cuda requested but not available", "error", err)
	case MPS:
		if d.mps() {
			return Info{Type: MPS, Name: "Apple Silicon (MPS)"}
		}
		slog.WarnContext(ctx, "mps requested but not available")
	case DirectML:
		if d.GOOS == "windows" {
			return Info{Type: DirectML, Name: "DirectML"}
		}
		slog.WarnContext(ctx, "directml requested but not available", "os", d.GOOS)
	default:
		slog.WarnContext(ctx, "unknown device override, detecting", "override", override)
	}

	info, err := d.cuda(ctx)
	if err == nil {
		return info
	}
	slog.DebugContext(ctx, "cuda not detected", "error", err)
	if d.mps() {
		return Info{Type: MPS, Name: "Apple Silicon (MPS)"}
	}
	return Info{Type: CPU, Name: "CPU"}
}

func (d Detector) mps() bool {
	return d.GOOS == "darwin" && d.GOARCH == "arm64"
}

func (d Detector) cuda(ctx context.Context) (Info, error) {
	if d.NvidiaSMI == "" {
		return Info{}, errors.New("nvidia-smi not configured")
	}
	path, err := exec.LookPath(d.NvidiaSMI)
	if err != nil {
		return Info{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path,
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return Info{}, fmt.Errorf("querying gpu: %w", err)
	}
	return parseQuery(out)
}

// parseQuery reads the first line of nvidia-smi csv output: name, MiB.
func parseQuery(out []byte) (Info, error) {
	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	name, mem, ok := strings.Cut(string(line), ",")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Info{}, fmt.Errorf("unexpected gpu query output: %q", line)
	}
	info := Info{Type: CUDA, Name: name}
	if mib, err := strconv.ParseFloat(strings.TrimSpace(mem), 64); err == nil {
		gb := math.Round(mib/1024*10) / 10
		info.VRAMGB = &gb
	}
	return info, nil
}

// Backend is the process wide compute backend. Release is serialized and
// can be called any number of times.
type Backend struct {
	info    Info
	mx      sync.Mutex
	release []string
}

// NewBackend returns a backend for info. releaseCommand, when not empty,
// is executed on every Release.
func NewBackend(info Info, releaseCommand []string) *Backend {
	return &Backend{
		info:    info,
		release: append([]string(nil), releaseCommand...),
	}
}

func (b *Backend) Info() Info {
	return b.info
}

// Release frees accelerator memory cached after a job.
func (b *Backend) Release(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if len(b.release) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, b.release[0], b.release[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running release command: %w: %s", err, bytes.TrimSpace(out))
	}
	slog.DebugContext(ctx, "device memory released", "device", b.info.Type)
	return nil
}
