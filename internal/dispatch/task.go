package dispatch

import (
	"context"
	"sync"
	"time"
)

type State string

const (
	StateCreated    State = "created"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Task is the handle of one detached agent run.
type Task struct {
	ID        string
	SessionID string
	UserID    string
	MessageID string
	Message   string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	err        error
	cause      error // why the task was cancelled, if it was
	finishedAt time.Time
}

// Info is a point-in-time copy of a task, safe to serialise.
type Info struct {
	ID         string     `json:"task_id"`
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	MessageID  string     `json:"message_id"`
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func newTask(base context.Context, id string, req SubmitRequest, now time.Time) *Task {
	ctx, cancel := context.WithCancel(base)
	return &Task{
		ID:        id,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		MessageID: req.MessageID,
		Message:   req.Message,
		CreatedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateCreated,
	}
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:        t.ID,
		SessionID: t.SessionID,
		UserID:    t.UserID,
		MessageID: t.MessageID,
		State:     t.state,
		CreatedAt: t.CreatedAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		info.FinishedAt = &finished
	}
	return info
}

func (t *Task) markDispatched() {
	t.mu.Lock()
	if t.state == StateCreated {
		t.state = StateDispatched
	}
	t.mu.Unlock()
}

// finish moves the task to a terminal state. Only the first call wins.
func (t *Task) finish(state State, err error, now time.Time) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.err = err
	t.finishedAt = now
	t.mu.Unlock()
	t.cancel()
	close(t.done)
	return true
}

// abort records why the task is being cancelled and cancels its context.
func (t *Task) abort(cause error) {
	t.mu.Lock()
	if t.cause == nil && !t.state.Terminal() {
		t.cause = cause
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Task) cancelCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *Task) finishedBefore(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Terminal() && t.finishedAt.Before(cutoff)
}

// registry tracks tasks by id and by user.
type registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	byUser map[string]map[string]*Task
}

func newRegistry() *registry {
	return &registry{
		tasks:  make(map[string]*Task),
		byUser: make(map[string]map[string]*Task),
	}
}

func (r *registry) add(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
	userTasks := r.byUser[t.UserID]
	if userTasks == nil {
		userTasks = make(map[string]*Task)
		r.byUser[t.UserID] = userTasks
	}
	userTasks[t.ID] = t
}

func (r *registry) remove(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(t)
}

func (r *registry) removeLocked(t *Task) {
	delete(r.tasks, t.ID)
	if userTasks := r.byUser[t.UserID]; userTasks != nil {
		delete(userTasks, t.ID)
		if len(userTasks) == 0 {
			delete(r.byUser, t.UserID)
		}
	}
}

func (r *registry) get(id string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[id]
}

func (r *registry) forUser(userID string) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.byUser[userID]))
	for _, t := range r.byUser[userID] {
		out = append(out, t)
	}
	return out
}

func (r *registry) match(fn func(*Task) bool) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if fn(t) {
			out = append(out, t)
		}
	}
	return out
}

// prune forgets tasks that finished before cutoff.
func (r *registry) prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.finishedBefore(cutoff) {
			r.removeLocked(t)
			n++
		}
	}
	return n
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
