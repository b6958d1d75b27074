package task

import (
	"log/slog"
	"sync"
)

// Registry is the single shared map from user id to active task context.
// All access goes through one mutex to preserve the at-most-one-task-per-user
// invariant; everything inside a Context is privately owned by its task.
type Registry struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]*Context)}
}

// Begin creates the context for a new task owned by userID. An existing
// context for the same user is cancelled first and returned so the caller
// can await its teardown.
func (r *Registry) Begin(userID, workDir string) (tc *Context, replaced *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.contexts[userID]; old != nil {
		old.Cancel()
		replaced = old
	}

	tc = NewContext(userID, workDir)
	r.contexts[userID] = tc

	if replaced != nil {
		slog.Info("replacing active task", "userId", userID, "oldTaskId", replaced.TaskID, "taskId", tc.TaskID)
	}
	return tc, replaced
}

// Get returns the active context for a user, or nil.
func (r *Registry) Get(userID string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contexts[userID]
}

// Remove detaches tc from the registry. A context that has already been
// replaced by a newer task is left untouched.
func (r *Registry) Remove(tc *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contexts[tc.UserID] == tc {
		delete(r.contexts, tc.UserID)
	}
}

// Count returns the number of active contexts.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// CancelAll broadcasts cancellation to every active task. Used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tc := range r.contexts {
		tc.Cancel()
	}
}
