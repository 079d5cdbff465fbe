package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Processes is a table of running workers keyed by job id. It is guarded by
// its own lock, so terminating a worker never blocks job record updates.
type Processes struct {
	mx sync.Mutex
	m  map[string]*Runner
}

func NewProcesses() *Processes {
	return &Processes{m: make(map[string]*Runner)}
}

func (p *Processes) Track(id string, r *Runner) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.m[id] = r
}

// Untrack removes the entry for id if it still points to r.
func (p *Processes) Untrack(id string, r *Runner) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.m[id] == r {
		delete(p.m, id)
	}
}

func (p *Processes) Len() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.m)
}

// Terminate stops the worker of job id and drops it from the table.
// Unknown ids are a no-op.
func (p *Processes) Terminate(ctx context.Context, id string) error {
	p.mx.Lock()
	r, ok := p.m[id]
	delete(p.m, id)
	p.mx.Unlock()
	if !ok {
		return nil
	}
	if err := r.Terminate(ctx); err != nil {
		return fmt.Errorf("terminating worker of job %s: %w", id, err)
	}
	return nil
}

// TerminateAll stops all tracked workers concurrently.
func (p *Processes) TerminateAll(ctx context.Context) error {
	p.mx.Lock()
	ids := make([]string, 0, len(p.m))
	for id := range p.m {
		ids = append(ids, id)
	}
	p.mx.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return p.Terminate(ctx, id)
		})
	}
	return g.Wait()
}
