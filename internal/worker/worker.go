package worker

import (
	"runtime/debug"

	"agentsync/internal/logging"
)

type worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(id int, pool *jobChannelPool) *worker {
	return &worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		defer w.pool.wg.Done()
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				logging.Debug().Int("worker", w.id).Msg("worker stopped")
				return
			}
			w.execute(job)
			w.pool.release(w.jobChannel)
		}
	}()
}

func (w *worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Int("worker", w.id).
				Str("user_id", job.UserID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
		}
	}()
	if job.Run != nil {
		job.Run()
	}
}
