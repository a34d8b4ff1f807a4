package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentsync/internal/models"
)

var (
	// ErrSessionNotFound is returned by a Fetcher when the session no longer
	// exists. The view stops polling for good.
	ErrSessionNotFound = errors.New("session not found")
	ErrViewClosed      = errors.New("view closed")
	ErrNoSession       = errors.New("no session open")
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxWait     = 120 * time.Second
	DefaultMaxFailures = 5
)

// Snapshot is one full fetch of a session.
type Snapshot struct {
	Session  *models.Session  `json:"session"`
	Messages []models.Message `json:"messages"`
	Notices  []models.Notice  `json:"notices,omitempty"`
}

type Fetcher interface {
	FetchSession(ctx context.Context, sessionID string) (*Snapshot, error)
}

type Status string

const (
	StatusIdle     Status = "idle"
	StatusWaiting  Status = "waiting"
	StatusTimedOut Status = "timed_out"
	StatusPaused   Status = "paused"
	StatusNotFound Status = "not_found"
	StatusClosed   Status = "closed"
)

// State is a copy of a view's state; changing it does not affect the view.
type State struct {
	SessionID string
	Session   *models.Session
	Messages  []models.Message
	Status    Status
	Err       error
	Failures  int
	Notices   []models.Notice
	LastFetch time.Time
}

func (s State) clone() State {
	s.Messages = append([]models.Message(nil), s.Messages...)
	s.Notices = append([]models.Notice(nil), s.Notices...)
	if s.Session != nil {
		session := *s.Session
		s.Session = &session
	}
	return s
}

type Options struct {
	Interval    time.Duration
	MaxWait     time.Duration
	MaxFailures int
	// OnChange is called from the view goroutine after every state change.
	OnChange func(State)
	Now      func() time.Time
}

// View keeps one session's messages in sync with the server. All state is
// owned by the goroutine running Run; the other methods talk to it.
type View struct {
	fetcher Fetcher
	opts    Options

	cmds      chan func(*loop)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewView(fetcher Fetcher, opts Options) *View {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &View{
		fetcher: fetcher,
		opts:    opts,
		cmds:    make(chan func(*loop)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

type fetchResult struct {
	gen  uint64
	snap *Snapshot
	err  error
}

type loop struct {
	v     *View
	ctx   context.Context
	state State

	gen          uint64
	inflight     bool
	cancelFetch  context.CancelFunc
	lastProgress time.Time
	results      chan fetchResult
	wg           sync.WaitGroup
}

// Run drives the view until Close is called or ctx is done. It must be
// called once.
func (v *View) Run(ctx context.Context) error {
	defer close(v.done)

	l := &loop{
		v:       v,
		ctx:     ctx,
		state:   State{Status: StatusIdle},
		results: make(chan fetchResult),
	}
	ticker := time.NewTicker(v.opts.Interval)
	defer ticker.Stop()

	defer func() {
		l.stopFetch()
		l.wg.Wait()
		l.state.Status = StatusClosed
		l.notify()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.quit:
			return nil
		case cmd := <-v.cmds:
			cmd(l)
		case res := <-l.results:
			if res.gen != l.gen {
				continue
			}
			l.stopFetch()
			l.apply(res)
		case <-ticker.C:
			l.tick()
		}
	}
}

// Close stops the view. It is safe to call more than once.
func (v *View) Close() {
	v.closeOnce.Do(func() { close(v.quit) })
}

// do runs fn on the view goroutine and waits for it.
func (v *View) do(ctx context.Context, fn func(*loop)) error {
	finished := make(chan struct{})
	cmd := func(l *loop) {
		defer close(finished)
		fn(l)
	}
	select {
	case v.cmds <- cmd:
	case <-v.done:
		return ErrViewClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Open switches the view to sessionID and loads it. A fetch still running
// for the previous session is cancelled and its result ignored.
func (v *View) Open(ctx context.Context, sessionID string) error {
	return v.do(ctx, func(l *loop) {
		l.stopFetch()
		l.gen++
		l.state = State{SessionID: sessionID, Status: StatusIdle, Notices: l.state.Notices}
		l.lastProgress = v.opts.Now()
		l.notify()
		l.fetch()
	})
}

// AddOptimistic shows msg as pending right away and starts waiting for the
// server to confirm it.
func (v *View) AddOptimistic(ctx context.Context, msg models.Message) (models.Message, error) {
	var (
		added models.Message
		err   error
	)
	doErr := v.do(ctx, func(l *loop) {
		switch {
		case l.state.SessionID == "":
			err = ErrNoSession
			return
		case l.state.Status == StatusNotFound:
			err = ErrSessionNotFound
			return
		}
		conv := Conversation{SessionID: l.state.SessionID, Messages: l.state.Messages}
		var appended bool
		added, appended = conv.AddOptimistic(msg)
		if !appended {
			return
		}
		l.state.Messages = conv.Messages
		l.resume()
		l.notify()
	})
	if doErr != nil {
		return models.Message{}, doErr
	}
	return added, err
}

// RemoveOptimistic withdraws a pending message the server refused, records
// cause as the view's error and stops waiting when nothing else is
// outstanding.
func (v *View) RemoveOptimistic(ctx context.Context, id string, cause error) error {
	return v.do(ctx, func(l *loop) {
		conv := Conversation{SessionID: l.state.SessionID, Messages: l.state.Messages}
		if !conv.RemoveOptimistic(id) {
			return
		}
		l.state.Messages = conv.Messages
		l.state.Err = cause
		if !l.outstanding() && l.state.Status == StatusWaiting {
			l.state.Status = StatusIdle
		}
		l.notify()
	})
}

// Retry resumes a timed out or paused view and fetches at once.
func (v *View) Retry(ctx context.Context) error {
	var err error
	doErr := v.do(ctx, func(l *loop) {
		if l.state.Status == StatusNotFound {
			err = ErrSessionNotFound
			return
		}
		if l.state.SessionID == "" {
			err = ErrNoSession
			return
		}
		l.state.Failures = 0
		l.state.Err = nil
		l.resume()
		if !l.outstanding() {
			l.state.Status = StatusIdle
		}
		l.notify()
		l.fetch()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (v *View) State(ctx context.Context) (State, error) {
	var st State
	err := v.do(ctx, func(l *loop) { st = l.state.clone() })
	return st, err
}

func (l *loop) outstanding() bool {
	return Outstanding(l.state.Messages)
}

// resume restarts the wait window.
func (l *loop) resume() {
	l.state.Status = StatusWaiting
	l.lastProgress = l.v.opts.Now()
}

func (l *loop) notify() {
	if l.v.opts.OnChange != nil {
		l.v.opts.OnChange(l.state.clone())
	}
}

func (l *loop) stopFetch() {
	if l.cancelFetch != nil {
		l.cancelFetch()
		l.cancelFetch = nil
	}
	l.inflight = false
}

func (l *loop) fetch() {
	if l.inflight || l.state.SessionID == "" {
		return
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.cancelFetch = cancel
	l.inflight = true
	gen, sessionID := l.gen, l.state.SessionID

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		snap, err := l.v.fetcher.FetchSession(ctx, sessionID)
		select {
		case l.results <- fetchResult{gen: gen, snap: snap, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (l *loop) tick() {
	if l.state.Status != StatusWaiting {
		return
	}
	if l.v.opts.Now().Sub(l.lastProgress) >= l.v.opts.MaxWait {
		l.stopFetch()
		l.gen++
		l.state.Status = StatusTimedOut
		l.notify()
		return
	}
	l.fetch()
}

func (l *loop) apply(res fetchResult) {
	l.state.LastFetch = l.v.opts.Now()
	if res.err != nil {
		l.applyError(res.err)
		l.notify()
		return
	}
	if res.snap == nil {
		l.applyError(errors.New("empty snapshot"))
		l.notify()
		return
	}

	known := make(map[string]struct{}, len(l.state.Messages))
	for _, m := range l.state.Messages {
		if !m.Pending {
			known[m.ID] = struct{}{}
		}
	}
	progressed := false
	for _, m := range res.snap.Messages {
		if _, ok := known[m.ID]; !ok {
			progressed = true
			break
		}
	}

	l.state.Session = res.snap.Session
	l.state.Messages = Reconcile(l.state.Messages, res.snap.Messages)
	l.state.Notices = appendNotices(l.state.Notices, res.snap.Notices)
	l.state.Failures = 0
	l.state.Err = nil

	switch {
	case !l.outstanding():
		l.state.Status = StatusIdle
	case l.state.Status == StatusIdle:
		// loaded a session whose exchange is still running
		l.resume()
	case progressed:
		l.lastProgress = l.v.opts.Now()
	}
	l.notify()
}

func (l *loop) applyError(err error) {
	if errors.Is(err, ErrSessionNotFound) {
		l.gen++
		l.state.Status = StatusNotFound
		l.state.Err = err
		return
	}
	l.state.Failures++
	l.state.Err = err
	if l.state.Failures >= l.v.opts.MaxFailures {
		l.state.Status = StatusPaused
		return
	}
	if l.state.Status == StatusIdle {
		// keep retrying a session that failed to load
		l.resume()
	}
}

func appendNotices(have, incoming []models.Notice) []models.Notice {
	if len(incoming) == 0 {
		return have
	}
	seen := make(map[string]struct{}, len(have))
	for _, n := range have {
		seen[n.ID] = struct{}{}
	}
	for _, n := range incoming {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		have = append(have, n)
	}
	return have
}
