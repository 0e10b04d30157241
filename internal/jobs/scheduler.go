package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// queueDepth bounds how many jobs may sit buffered behind a busy key's
// worker before Enqueue blocks the caller.
const queueDepth = 64

// Scheduler runs jobs on one goroutine worker per live ordering key, so
// jobs sharing a key (the same wallet, payout queue, batch, or network) run strictly
// one at a time while jobs on distinct keys run concurrently. Workers
// are created lazily on first use and live for the scheduler's lifetime
// (spec.md §5's "one buffered channel per live key").
type Scheduler struct {
	mu     sync.Mutex
	lanes  map[string]chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{lanes: make(map[string]chan Job), ctx: ctx, cancel: cancel}
}

// Enqueue hands job to its key's worker lane, starting the lane's
// worker goroutine the first time that key is seen. Blocks if the
// lane's buffer is full; returns early if the scheduler is stopped.
func (s *Scheduler) Enqueue(job Job) {
	lane := s.laneFor(job.Key)
	select {
	case lane <- job:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) laneFor(key string) chan Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane, ok := s.lanes[key]
	if ok {
		return lane
	}
	lane = make(chan Job, queueDepth)
	s.lanes[key] = lane
	s.wg.Add(1)
	go s.worker(key, lane)
	return lane
}

func (s *Scheduler) worker(key string, lane chan Job) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-lane:
			s.run(job)
		}
	}
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	if err := job.Run(s.ctx); err != nil {
		slog.Error("job failed", "job", string(job.Name), "key", job.Key, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("job completed", "job", string(job.Name), "key", job.Key, "duration", time.Since(start))
}

// Stop cancels every in-flight and queued job and waits for every
// worker lane to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
