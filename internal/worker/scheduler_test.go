package worker

import (
	"container/list"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSchedulerRunsJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(Config{MinWorkers: 2, MaxWorkers: 4, QueueSize: 16})
	defer s.Stop()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, s.Submit(Job{UserID: "u1", Run: func() {
			defer wg.Done()
			ran.Add(1)
		}}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), ran.Load())
}

func TestSchedulerRoundRobinAcrossUsers(t *testing.T) {
	s := &Scheduler{
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	for _, j := range []Job{
		{UserID: "a", Type: "a1"},
		{UserID: "a", Type: "a2"},
		{UserID: "a", Type: "a3"},
		{UserID: "b", Type: "b1"},
		{UserID: "c", Type: "c1"},
	} {
		s.enqueueJob(j)
	}

	var order []JobType
	for {
		job, ok := s.next()
		if !ok {
			break
		}
		order = append(order, job.Type)
	}
	assert.Equal(t, []JobType{"a1", "b1", "c1", "a2", "a3"}, order)
	assert.Empty(t, s.queues)
	assert.Zero(t, s.ready.Len())
}

func TestSchedulerServesEveryJobOfEveryUser(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 16})
	defer s.Stop()

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for _, user := range []string{"a", "a", "a", "b", "c"} {
		wg.Add(1)
		require.NoError(t, s.Submit(Job{UserID: user, Run: func() {
			defer wg.Done()
			mu.Lock()
			seen[user]++
			mu.Unlock()
		}}))
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"a": 3, "b": 1, "c": 1}, seen)
}

func TestSchedulerBusyWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Submit(Job{UserID: "u", Run: func() {
		close(started)
		<-block
	}}))
	<-started

	var busy bool
	for i := 0; i < 100 && !busy; i++ {
		busy = s.Submit(Job{UserID: "u", Run: func() {}}) == ErrDispatcherBusy
	}
	assert.True(t, busy, "intake queue should report busy")

	close(block)
	s.Stop()
	assert.ErrorIs(t, s.Submit(Job{UserID: "u"}), ErrStopped)
}

func TestSchedulerCancelUserDropsQueuedJobs(t *testing.T) {
	s := &Scheduler{
		jobs:      make(chan Job, 1),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	var dropped atomic.Int32
	for i := 0; i < 3; i++ {
		s.enqueueJob(Job{UserID: "victim", Drop: func() { dropped.Add(1) }})
	}
	s.enqueueJob(Job{UserID: "other", Type: "keep"})

	assert.Equal(t, 3, s.CancelUser("victim"))
	assert.Equal(t, int32(3), dropped.Load())
	assert.Equal(t, 1, s.Pending())
	assert.Zero(t, s.CancelUser("victim"))

	job, ok := s.next()
	require.True(t, ok)
	assert.Equal(t, JobType("keep"), job.Type)
	_, ok = s.next()
	assert.False(t, ok)
}

func TestSchedulerStopDropsPendingAndWaitsForRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})
	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Submit(Job{UserID: "u", Run: func() {
		close(started)
		<-release
		finished.Store(true)
	}}))
	<-started

	var dropped atomic.Int32
	require.NoError(t, s.Submit(Job{UserID: "u", Run: func() {}, Drop: func() { dropped.Add(1) }}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	s.Stop()
	assert.True(t, finished.Load())
	assert.Equal(t, int32(1), dropped.Load())
}

func TestSchedulerRecoversFromPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer s.Stop()

	require.NoError(t, s.Submit(Job{UserID: "u", Run: func() { panic("boom") }}))
	done := make(chan struct{})
	require.NoError(t, s.Submit(Job{UserID: "u", Run: func() { close(done) }}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPoolRetiresExpiredWorkersAboveMin(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newJobChannelPool(1, 3, time.Hour)
	p.spawnWorker()
	p.spawnWorker()
	p.spawnWorker()
	running, idle := p.size()
	require.Equal(t, 3, running)
	require.Equal(t, 3, idle)

	p.shutdownExpired(time.Now().Add(2 * time.Hour))
	require.Eventually(t, func() bool {
		running, _ := p.size()
		return running == 1
	}, time.Second, time.Millisecond)

	p.beginClose()
	p.close()
}
