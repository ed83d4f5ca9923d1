// Package scheduler owns the worker's main loop: it claims queued jobs up to
// the concurrency limit, hands them to the pipeline, heartbeats whatever is
// in flight and periodically runs the stale-job watchdog.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"clipforge/internal/queue"
)

// Runner executes a single claimed job to completion.
type Runner interface {
	Run(ctx context.Context, job *queue.Job) error
}

type Scheduler struct {
	Store  queue.Store
	Runner Runner

	// MaxConcurrent caps the number of jobs in flight at once.
	MaxConcurrent int

	// PollInterval paces claim attempts when the queue is empty.
	PollInterval time.Duration

	HeartbeatInterval time.Duration

	// StaleAfter is the started_at age past which a running job is presumed
	// abandoned; WatchdogInterval is how often that sweep runs.
	StaleAfter       time.Duration
	WatchdogInterval time.Duration

	Log *slog.Logger
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to wind
// down before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	maxConcurrent := s.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	poll := s.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	hbInterval := s.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = time.Minute
	}
	wdInterval := s.WatchdogInterval
	if wdInterval <= 0 {
		wdInterval = 5 * time.Minute
	}

	log := s.logger()
	log.Info("scheduler started", "max_concurrent", maxConcurrent, "heartbeat", hbInterval, "watchdog", wdInterval)

	// inflight is touched only by this loop; worker goroutines report back
	// over done.
	inflight := make(map[string]struct{}, maxConcurrent)
	done := make(chan string, maxConcurrent)

	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()
	heartbeat := time.NewTicker(hbInterval)
	defer heartbeat.Stop()
	watchdog := time.NewTicker(wdInterval)
	defer watchdog.Stop()

	for {
		for len(inflight) < maxConcurrent && ctx.Err() == nil {
			job, err := s.Store.ClaimNext(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("claim failed", "error", err)
				}
				break
			}
			if job == nil {
				break
			}

			log.Info("claimed job", "job_id", job.ID, "source_id", job.SourceID, "priority", job.Priority, "attempt", job.Attempts)
			inflight[job.ID] = struct{}{}
			go func(job *queue.Job) {
				defer func() { done <- job.ID }()
				if err := s.Runner.Run(ctx, job); err != nil {
					log.Debug("job finished with error", "job_id", job.ID, "error", err)
				}
			}(job)
		}

		select {
		case <-ctx.Done():
			s.drain(inflight, done, log)
			return ctx.Err()
		case id := <-done:
			delete(inflight, id)
		case <-heartbeat.C:
			s.sendHeartbeat(ctx, inflight, log)
		case <-watchdog.C:
			s.runWatchdog(ctx, log)
		case <-pollTicker.C:
		}
	}
}

func (s *Scheduler) drain(inflight map[string]struct{}, done <-chan string, log *slog.Logger) {
	if len(inflight) == 0 {
		return
	}
	log.Info("waiting for in-flight jobs", "count", len(inflight))
	for len(inflight) > 0 {
		id := <-done
		delete(inflight, id)
	}
	log.Info("all in-flight jobs finished")
}

func (s *Scheduler) sendHeartbeat(ctx context.Context, inflight map[string]struct{}, log *slog.Logger) {
	if len(inflight) == 0 {
		return
	}
	ids := make([]string, 0, len(inflight))
	for id := range inflight {
		ids = append(ids, id)
	}
	if err := s.Store.Heartbeat(ctx, ids); err != nil {
		log.Warn("heartbeat failed", "jobs", len(ids), "error", err)
	}
}

func (s *Scheduler) runWatchdog(ctx context.Context, log *slog.Logger) {
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Hour
	}
	requeued, failed, err := s.Store.ReclaimStale(ctx, staleAfter)
	if err != nil {
		log.Error("stale job sweep failed", "error", err)
		return
	}
	if requeued > 0 || failed > 0 {
		log.Warn("recovered stale jobs", "requeued", requeued, "failed", failed)
	}
}
