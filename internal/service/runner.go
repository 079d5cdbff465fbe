package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNotStarted = errors.New("worker not started")
	ErrInProgress = errors.New("worker already running")
)

// DefaultTerminateGrace is how long a worker may take to exit after the
// graceful termination signal, before it gets killed.
const DefaultTerminateGrace = 3 * time.Second

const maxLineSize = 1024 * 1024

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   *bytes.Buffer
	TimedOut bool
	Err      error
}

// ExitCode returns the exit code of the worker, or -1 if it did not exit
// normally or was never started.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner supervises a single worker process. Start launches the worker and
// drains stdout and stderr concurrently, Wait blocks until both streams are
// closed and the process is reaped. Terminate can be called from any
// goroutine at any time.
type Runner struct {
	grace time.Duration

	mx        sync.Mutex
	cmd       *exec.Cmd
	streams   *errgroup.Group
	done      chan struct{}
	watchDone chan struct{}
	timedOut  atomic.Bool
	result    Result
}

func NewRunner(grace time.Duration) *Runner {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	return &Runner{
		grace:  grace,
		result: Result{Err: ErrNotStarted},
	}
}

// Start runs the worker. It does NOT wait for the worker to finish, use Wait.
// Each stderr line is passed to stderrFunc, lines are separated by \n or \r,
// so progress bars redrawing a single line are reported too.
// Canceled ctx or elapsed proto.Timeout terminate the worker.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}
	r.timedOut.Store(false)

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	setProcAttrs(cmd)

	stdout, stderr, err := openPipes(cmd)
	if err != nil {
		r.result.Err = err
		return err
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	slog.DebugContext(ctx, "worker started", "path", proto.Path, "pid", cmd.Process.Pid)

	var buf bytes.Buffer
	r.result.Stdout = &buf
	streams := new(errgroup.Group)
	streams.Go(func() error {
		_, err := io.Copy(&buf, stdout)
		return err
	})
	streams.Go(func() error {
		return processStderr(ctx, stderr, stderrFunc)
	})

	r.cmd = cmd
	r.streams = streams
	r.done = make(chan struct{})
	r.watchDone = make(chan struct{})
	go r.watch(ctx, proto.Timeout, r.done, r.watchDone)
	return nil
}

// Wait blocks until the started worker exits and both its output streams
// are drained. It returns the last result if no worker is running.
func (r *Runner) Wait() Result {
	r.mx.Lock()
	cmd, streams, done, watchDone := r.cmd, r.streams, r.done, r.watchDone
	r.mx.Unlock()
	if cmd == nil {
		return r.LastResult()
	}

	// pipes must be drained before cmd.Wait closes them
	streamErr := streams.Wait()
	err := cmd.Wait()
	stopped := time.Now().UTC()
	close(done)
	<-watchDone

	if streamErr != nil {
		slog.Warn("reading worker output", "error", streamErr)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.TimedOut = r.timedOut.Load()
	r.result.Err = err
	r.cmd = nil
	return r.result
}

// Terminate asks the running worker to exit, waits up to the grace period
// and kills it afterwards. The whole process group is signaled, so helper
// processes spawned by the worker go away too. It is a no-op when nothing
// runs.
func (r *Runner) Terminate(ctx context.Context) error {
	r.mx.Lock()
	cmd, done := r.cmd, r.done
	r.mx.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	slog.DebugContext(ctx, "terminating worker", "pid", pid)
	if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "terminate signal failed", "pid", pid, "error", err)
	}
	if wait(done, r.grace) {
		return nil
	}

	slog.WarnContext(ctx, "worker ignored terminate signal: killing", "pid", pid, "grace", r.grace)
	if err := kill(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing worker %d: %w", pid, err)
	}
	if !wait(done, r.grace) {
		return fmt.Errorf("worker %d still running after kill", pid)
	}
	return nil
}

// LastResult returns the last worker result or a result with
// ErrNotStarted if nothing has been started yet.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result
}

func (r *Runner) watch(ctx context.Context, timeout time.Duration, done <-chan struct{}, watchDone chan<- struct{}) {
	defer close(watchDone)
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-done:
		return
	case <-ctx.Done():
		slog.DebugContext(ctx, "context canceled: terminating worker")
	case <-deadline:
		r.timedOut.Store(true)
		slog.WarnContext(ctx, "worker timed out", "timeout", timeout)
	}
	if err := r.Terminate(context.WithoutCancel(ctx)); err != nil {
		slog.ErrorContext(ctx, "terminating worker", "error", err)
	}
}

// openPipes returns the stdout and stderr pipes of cmd. Nothing stays open
// on error.
func openPipes(cmd *exec.Cmd) (stdout, stderr io.ReadCloser, err error) {
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) error {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if stderrFunc != nil {
			stderrFunc(ctx, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		slog.WarnContext(ctx, "processing stderr", "error", err)
		// keep draining, a blocked writer would never exit
		_, err = io.Copy(io.Discard, stderr)
		return err
	}
	return nil
}

// scanLines is bufio.ScanLines treating a carriage return as a line end too.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func wait(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
