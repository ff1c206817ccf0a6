// Package registry holds every task known to the process, keyed by id.
//
// The engine is the only writer. Readers always receive deep copies, so a
// snapshot handed to the status API can never be observed half-updated.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haricheung/taskflow/internal/types"
)

// Persister receives every committed task record. Implementations must not
// block; internal/store queues writes on a channel.
type Persister interface {
	Write(task types.Task)
	Delete(id string)
}

// Registry is the process-wide task map.
//
// Expectations:
//   - Get returns ErrNotFound for unknown ids and never a zero-valued Task
//   - Get and List return deep copies; mutating them does not affect stored records
//   - Create rejects a duplicate id
//   - Update rejects an unknown id
//   - Every committed record is forwarded to the Persister when one is set
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]types.Task
	p     Persister
}

// New creates an empty Registry. p may be nil.
func New(p Persister) *Registry {
	return &Registry{tasks: make(map[string]types.Task), p: p}
}

// Create stores a new task record.
func (r *Registry) Create(t types.Task) error {
	r.mu.Lock()
	if _, exists := r.tasks[t.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: task %s already exists: %w", t.ID, types.ErrOrchestration)
	}
	c := t.Clone()
	r.tasks[t.ID] = c
	r.mu.Unlock()
	r.persist(c)
	return nil
}

// Update replaces the stored record for t.ID.
func (r *Registry) Update(t types.Task) error {
	r.mu.Lock()
	if _, exists := r.tasks[t.ID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: update %s: %w", t.ID, types.ErrNotFound)
	}
	c := t.Clone()
	r.tasks[t.ID] = c
	r.mu.Unlock()
	r.persist(c)
	return nil
}

// Get returns a snapshot of the task with the given id.
func (r *Registry) Get(id string) (types.Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return types.Task{}, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns snapshots of all tasks, newest first.
func (r *Registry) List() []types.Task {
	r.mu.RLock()
	out := make([]types.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Load inserts previously persisted records without forwarding them back to
// the Persister. Existing ids are overwritten.
func (r *Registry) Load(tasks []types.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		r.tasks[t.ID] = t.Clone()
	}
}

// Prune removes terminal tasks last updated before cutoff and returns their ids.
//
// Expectations:
//   - Never removes a task that is still pending, planning, or executing
//   - Removes terminal tasks whose UpdatedAt is before cutoff
//   - Deletes pruned ids from the Persister
func (r *Registry) Prune(cutoff time.Time) []string {
	r.mu.Lock()
	var removed []string
	for id, t := range r.tasks {
		if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()
	if r.p != nil {
		for _, id := range removed {
			r.p.Delete(id)
		}
	}
	sort.Strings(removed)
	return removed
}

// RunJanitor prunes terminal tasks older than ttl every interval until ctx is
// cancelled. A non-positive ttl disables pruning and returns immediately.
func (r *Registry) RunJanitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Prune(time.Now().Add(-ttl)); len(removed) > 0 {
				slog.Info("[REGISTRY] pruned expired tasks", "count", len(removed), "ttl", ttl.String())
			}
		}
	}
}

func (r *Registry) persist(t types.Task) {
	if r.p != nil {
		r.p.Write(t)
	}
}
