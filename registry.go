package netmux

import (
	"fmt"
	"sort"
	"sync"

	"github.com/joy-dx/netmux/dto"
)

// TaskRegistry maps transport identifiers to the tasks owning them.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[dto.TaskID]Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[dto.TaskID]Task)}
}

// Register fails with dto.ErrDuplicateRegistration when id is already owned,
// leaving the existing entry untouched.
func (r *TaskRegistry) Register(id dto.TaskID, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[id]; exists {
		return fmt.Errorf("register task %s: %w", id, dto.ErrDuplicateRegistration)
	}
	r.tasks[id] = task
	return nil
}

func (r *TaskRegistry) Lookup(id dto.TaskID) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	return task, ok
}

func (r *TaskRegistry) Remove(id dto.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// removeOwned deletes the entry only while task still owns it.
func (r *TaskRegistry) removeOwned(id dto.TaskID, task Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.tasks[id]; ok && current == task {
		delete(r.tasks, id)
		return true
	}
	return false
}

func (r *TaskRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Tasks returns the registered tasks ordered by identifier.
func (r *TaskRegistry) Tasks() []Task {
	r.mu.Lock()
	out := make([]Task, 0, len(r.tasks))
	ids := make([]dto.TaskID, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, r.tasks[id])
	}
	r.mu.Unlock()
	return out
}
