// Package registry holds the process-wide table of job records. It is the
// single source of truth for status polling. Every read copies the record
// out and every write is a merge function applied under the lock, so
// callers never hold a reference into the table.
package registry

import (
	"fmt"
	"sync"

	"github.com/unweave/unweave/internal/model"
)

type Registry struct {
	mx   sync.Mutex
	jobs map[string]*model.Job
}

func New() *Registry {
	return &Registry{
		jobs: make(map[string]*model.Job),
	}
}

// Create stores a new record. Identifiers are random 128-bit values, a
// collision is not expected and an existing record is replaced.
func (r *Registry) Create(job model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	j := job.Clone()
	r.mx.Lock()
	defer r.mx.Unlock()
	r.jobs[j.ID] = &j
	return nil
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (model.Job, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return j.Clone(), true
}

// List returns status summaries of all records.
func (r *Registry) List() map[string]model.Summary {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make(map[string]model.Summary, len(r.jobs))
	for id, j := range r.jobs {
		ret[id] = j.Summary()
	}
	return ret
}

// Update applies fn to a copy of the record and stores the result if fn
// returns nil and the record stays valid. Terminal records are never
// mutated, model.ErrInvalidState is returned instead. Returns the stored
// record.
func (r *Registry) Update(id string, fn func(j *model.Job) error) (model.Job, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if cur.Status.Terminal() {
		return cur.Clone(), fmt.Errorf("%w: %s is %s", model.ErrInvalidState, id, cur.Status)
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	next.ID = cur.ID
	if err := next.Validate(); err != nil {
		return cur.Clone(), err
	}
	r.jobs[id] = &next
	return next.Clone(), nil
}

// Delete removes the record, it is a no-op for unknown ids.
func (r *Registry) Delete(id string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.jobs, id)
}

// DeleteFunc removes all records for which del returns true and returns
// their ids.
func (r *Registry) DeleteFunc(del func(j model.Job) bool) []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	var ids []string
	for id, j := range r.jobs {
		if del(*j) {
			delete(r.jobs, id)
			ids = append(ids, id)
		}
	}
	return ids
}
