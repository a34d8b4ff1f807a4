// Package worker runs submitted jobs on an elastic goroutine pool, taking
// jobs from users round-robin so one busy user cannot starve the others.
package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"agentsync/internal/logging"
)

type JobType string

const (
	Run  JobType = "run"
	Stop JobType = "stop"
)

// Job is a unit of work owned by a user. Drop, when set, is called instead
// of Run if the job is discarded before a worker picks it up.
type Job struct {
	Type   JobType
	UserID string
	Run    func()
	Drop   func()
}

var (
	ErrDispatcherBusy = errors.New("dispatcher queue is full")
	ErrStopped        = errors.New("scheduler stopped")
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Scheduler accepts jobs without blocking and hands them to the pool.
type Scheduler struct {
	pool *jobChannelPool
	jobs chan Job

	mu        sync.Mutex
	queues    map[string]*userQueue
	ready     *list.List // users with pending jobs, least recently served first
	positions map[string]*list.Element
	stopped   bool

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	s := &Scheduler{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		jobs:      make(chan Job, cfg.QueueSize),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		s.pool.spawnWorker()
	}
	go s.run()
	return s
}

// Submit queues a job or fails immediately when the intake queue is full.
func (s *Scheduler) Submit(job Job) error {
	if job.Type == "" {
		job.Type = Run
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.drainIntake()
		if s.dispatchOne() {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}
		select {
		case job := <-s.jobs:
			s.enqueueJob(job)
		case <-s.quit:
			return
		}
	}
}

// drainIntake moves every submitted job into the per-user queues so that
// the round-robin sees all users with pending work.
func (s *Scheduler) drainIntake() {
	for {
		select {
		case job := <-s.jobs:
			s.enqueueJob(job)
		default:
			return
		}
	}
}

// CancelUser discards the user's queued jobs and returns how many were
// dropped. Jobs already running are not affected.
func (s *Scheduler) CancelUser(userID string) int {
	s.mu.Lock()
	q := s.queues[userID]
	delete(s.queues, userID)
	if elem, ok := s.positions[userID]; ok {
		s.ready.Remove(elem)
		delete(s.positions, userID)
	}
	s.mu.Unlock()
	if q == nil {
		return 0
	}
	for _, job := range q.jobs {
		dropJob(job)
	}
	return len(q.jobs)
}

func (s *Scheduler) enqueueJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		s.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	s.positions[job.UserID] = s.ready.PushBack(job.UserID)
}

// next pops the next job of the least recently served user.
func (s *Scheduler) next() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem := s.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	userID := elem.Value.(string)
	q := s.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		s.ready.Remove(elem)
		delete(s.positions, userID)
		delete(s.queues, userID)
	} else {
		s.ready.MoveToBack(elem)
	}
	return job, true
}

// dispatchOne hands the next job to a worker, waiting for one if needed.
func (s *Scheduler) dispatchOne() bool {
	job, ok := s.next()
	if !ok {
		return false
	}
	workerChan := s.pool.acquire()
	if workerChan == nil {
		dropJob(job)
		return false
	}
	logging.Debug().Str("user_id", job.UserID).Int("worker", s.pool.workerID(workerChan)).Msg("assign job")
	workerChan <- job
	return true
}

// Stop drops queued jobs, waits for running jobs to finish and retires
// every worker.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.pool.beginClose()
		close(s.quit)
		<-s.done

	drain:
		for {
			select {
			case job := <-s.jobs:
				dropJob(job)
			default:
				break drain
			}
		}
		s.mu.Lock()
		queues := s.queues
		s.queues = make(map[string]*userQueue)
		s.ready.Init()
		s.positions = make(map[string]*list.Element)
		s.mu.Unlock()
		for _, q := range queues {
			for _, job := range q.jobs {
				dropJob(job)
			}
		}
		s.pool.close()
	})
}

// Pending reports queued jobs that no worker has taken yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.jobs)
	for _, q := range s.queues {
		n += len(q.jobs)
	}
	return n
}

func dropJob(job Job) {
	if job.Drop != nil {
		job.Drop()
	}
}
