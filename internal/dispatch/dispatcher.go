// Package dispatch accepts chat messages, acknowledges them at once and runs
// the agent for each one as a detached task. Results reach the client only
// through the session store; failures through the error channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentsync/internal/agent"
	"agentsync/internal/errchan"
	"agentsync/internal/event"
	"agentsync/internal/logging"
	"agentsync/internal/models"
	"agentsync/internal/worker"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultRunTimeout    = 5 * time.Minute
	DefaultRetention     = 10 * time.Minute
	DefaultPruneInterval = time.Minute
	reportTimeout        = 5 * time.Second
)

var (
	ErrBusy         = errors.New("dispatcher is busy, try again later")
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	ErrCanceled     = errors.New("task canceled")
	ErrTaskNotFound = errors.New("task not found")
)

// ValidationError names the required fields a submission is missing.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

type SubmitRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	// MessageID is optional; one is generated when empty.
	MessageID string `json:"message_id,omitempty"`
}

// Scheduler runs jobs without blocking the submitter.
type Scheduler interface {
	Submit(job worker.Job) error
	CancelUser(userID string) int
	Stop()
}

type Publisher interface {
	Publish(topic string, ev event.TaskEvent) error
}

type Options struct {
	Runner    agent.Runner
	Scheduler Scheduler
	// Reporter and Bus are optional.
	Reporter   errchan.Reporter
	Bus        Publisher
	Relay      *CancelRelay
	RunTimeout time.Duration
	Retention  time.Duration
	Now        func() time.Time
}

type Dispatcher struct {
	runner     agent.Runner
	sched      Scheduler
	reporter   errchan.Reporter
	bus        Publisher
	relay      *CancelRelay
	runTimeout time.Duration
	retention  time.Duration
	now        func() time.Time

	tasks *registry

	base       context.Context
	cancelBase context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Runner == nil {
		return nil, errors.New("dispatcher requires a runner")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("dispatcher requires a scheduler")
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:     opts.Runner,
		sched:      opts.Scheduler,
		reporter:   opts.Reporter,
		bus:        opts.Bus,
		relay:      opts.Relay,
		runTimeout: opts.RunTimeout,
		retention:  opts.Retention,
		now:        opts.Now,
		tasks:      newRegistry(),
		base:       base,
		cancelBase: cancel,
	}, nil
}

// Validate reports the required fields req is missing as a *ValidationError.
func Validate(req SubmitRequest) error {
	var missing []string
	if strings.TrimSpace(req.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(req.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// Submit validates req, hands the agent run to the scheduler and returns
// the acknowledgement. It never waits for the run itself.
func (d *Dispatcher) Submit(_ context.Context, req SubmitRequest) (models.Ack, error) {
	if err := Validate(req); err != nil {
		return models.Ack{}, err
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" {
		req.MessageID = ulid.Make().String()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return models.Ack{}, ErrShuttingDown
	}

	now := d.now()
	task := newTask(d.base, ulid.Make().String(), req, now)
	d.tasks.add(task)

	err := d.sched.Submit(worker.Job{
		UserID: req.UserID,
		Run:    func() { d.execute(task) },
		Drop:   func() { d.dropped(task) },
	})
	if err != nil {
		d.tasks.remove(task)
		task.cancel()
		if errors.Is(err, worker.ErrStopped) {
			return models.Ack{}, ErrShuttingDown
		}
		return models.Ack{}, ErrBusy
	}
	task.markDispatched()
	d.publish(event.TopicTaskDispatched, task, nil)

	logging.Debug().
		Str("task_id", task.ID).
		Str("session_id", task.SessionID).
		Str("user_id", task.UserID).
		Msg("task dispatched")

	return models.Ack{
		Success:   true,
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		TaskID:    task.ID,
		Timestamp: now.UnixMilli(),
	}, nil
}

func (d *Dispatcher) execute(t *Task) {
	t.markDispatched()
	if err := t.ctx.Err(); err != nil {
		d.fail(t, err)
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, d.runTimeout)
	defer cancel()

	start := d.now()
	err := d.runSafely(ctx, t)
	switch {
	case err == nil:
		d.complete(t, start)
	case errors.Is(err, agent.ErrDuplicateMessage):
		logging.Info().Str("task_id", t.ID).Str("message_id", t.MessageID).Msg("message already handled")
		d.complete(t, start)
	default:
		d.fail(t, err)
	}
}

func (d *Dispatcher) runSafely(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return d.runner.Run(ctx, agent.RunRequest{
		SessionID:   t.SessionID,
		UserID:      t.UserID,
		MessageID:   t.MessageID,
		Message:     t.Message,
		SubmittedAt: t.CreatedAt,
	})
}

func (d *Dispatcher) dropped(t *Task) {
	cause := t.cancelCause()
	if cause == nil {
		cause = ErrShuttingDown
	}
	d.fail(t, cause)
}

func (d *Dispatcher) complete(t *Task, start time.Time) {
	if !t.finish(StateCompleted, nil, d.now()) {
		return
	}
	logging.Info().
		Str("task_id", t.ID).
		Str("session_id", t.SessionID).
		Dur("elapsed", d.now().Sub(start)).
		Msg("task completed")
	d.publish(event.TopicTaskCompleted, t, nil)
}

// fail is the single place a task failure is logged, reported and
// published. Tasks cancelled on purpose are not reported to the user.
func (d *Dispatcher) fail(t *Task, err error) {
	if cause := t.cancelCause(); cause != nil && errors.Is(err, context.Canceled) {
		err = cause
	}
	if !t.finish(StateFailed, err, d.now()) {
		return
	}
	logging.Error().
		Err(err).
		Str("task_id", t.ID).
		Str("session_id", t.SessionID).
		Str("user_id", t.UserID).
		Msg("task failed")
	d.publish(event.TopicTaskFailed, t, err)

	if d.reporter == nil || errors.Is(err, ErrCanceled) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	notice := models.Notice{
		UserID:    t.UserID,
		SessionID: t.SessionID,
		TaskID:    t.ID,
		Message:   noticeMessage(err),
	}
	if rerr := d.reporter.Report(ctx, notice); rerr != nil {
		logging.Error().Err(rerr).Str("task_id", t.ID).Msg("report task failure")
	}
}

func noticeMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The assistant took too long to answer your message."
	case errors.Is(err, ErrShuttingDown):
		return "The service restarted before your message was answered. Please send it again."
	default:
		return "The assistant could not answer your message."
	}
}

func (d *Dispatcher) publish(topic string, t *Task, err error) {
	if d.bus == nil {
		return
	}
	ev := event.TaskEvent{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		UserID:    t.UserID,
		MessageID: t.MessageID,
		State:     string(t.State()),
		At:        d.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := d.bus.Publish(topic, ev); perr != nil && !errors.Is(perr, event.ErrClosed) {
		logging.Warn().Err(perr).Str("topic", topic).Msg("publish task event")
	}
}

// Task returns a snapshot of a task the caller owns.
func (d *Dispatcher) Task(userID, taskID string) (Info, error) {
	t := d.tasks.get(taskID)
	if t == nil || t.UserID != userID {
		return Info{}, ErrTaskNotFound
	}
	return t.Info(), nil
}

// Wait blocks until the task finishes or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, taskID string) (Info, error) {
	t := d.tasks.get(taskID)
	if t == nil {
		return Info{}, ErrTaskNotFound
	}
	select {
	case <-t.Done():
		return t.Info(), nil
	case <-ctx.Done():
		return t.Info(), ctx.Err()
	}
}

// Cancel stops a task of the user. Finished tasks are left untouched.
func (d *Dispatcher) Cancel(userID, taskID string) error {
	t := d.tasks.get(taskID)
	if t == nil || t.UserID != userID {
		return ErrTaskNotFound
	}
	t.abort(ErrCanceled)
	return nil
}

// CancelUser cancels every unfinished task of the user, queued or running.
func (d *Dispatcher) CancelUser(userID string) int {
	tasks := d.tasks.forUser(userID)
	n := 0
	for _, t := range tasks {
		if !t.State().Terminal() {
			t.abort(ErrCanceled)
			n++
		}
	}
	d.sched.CancelUser(userID)
	return n
}

// CancelSession cancels the session's unfinished tasks on this instance and
// asks the other instances to do the same.
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID string) int {
	n := d.cancelSessionLocal(sessionID)
	if d.relay != nil {
		if err := d.relay.Publish(ctx, sessionID); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("broadcast session cancel")
		}
	}
	return n
}

func (d *Dispatcher) cancelSessionLocal(sessionID string) int {
	tasks := d.tasks.match(func(t *Task) bool {
		return t.SessionID == sessionID && !t.State().Terminal()
	})
	for _, t := range tasks {
		t.abort(ErrCanceled)
	}
	return len(tasks)
}

// RunCancelListener applies session cancels broadcast by other instances
// until ctx is done. Without a relay it just waits for ctx.
func (d *Dispatcher) RunCancelListener(ctx context.Context) error {
	if d.relay == nil {
		<-ctx.Done()
		return nil
	}
	return d.relay.Listen(ctx, func(sessionID string) {
		if n := d.cancelSessionLocal(sessionID); n > 0 {
			logging.Info().Str("session_id", sessionID).Int("tasks", n).Msg("cancelled tasks of deleted session")
		}
	})
}

// RunPruner forgets finished tasks older than the retention period until
// ctx is done.
func (d *Dispatcher) RunPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Prune()
		}
	}
}

func (d *Dispatcher) Prune() int {
	n := d.tasks.prune(d.now().Add(-d.retention))
	if n > 0 {
		logging.Debug().Int("tasks", n).Msg("pruned finished tasks")
	}
	return n
}

// Shutdown stops accepting work, cancels running tasks, fails queued ones
// and waits for the workers to exit or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, t := range d.tasks.match(func(t *Task) bool { return !t.State().Terminal() }) {
		t.abort(ErrShuttingDown)
	}
	d.cancelBase()

	stopped := make(chan struct{})
	go func() {
		d.sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
