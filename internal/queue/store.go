package queue

import (
	"context"
	"time"
)

// Store is the persistence contract the scheduler and pipeline depend on.
// Two real backends implement it (Postgres and the coordinator's internal
// worker API) plus an in-memory store for tests and single-process use.
//
// Claim and state-transition writes are atomic per backend: a job is returned
// to exactly one ClaimNext caller, and a job moved to a terminal state by its
// own worker is never also reclaimed by the watchdog.
type Store interface {
	// ClaimNext atomically claims the highest-priority eligible queued job
	// (run_after unset or past), marking it running, stamping started_at and
	// incrementing attempts in the same step. Returns (nil, nil) when no job
	// is eligible.
	ClaimNext(ctx context.Context) (*Job, error)

	// UpdateJob applies a status transition. Terminal statuses stamp
	// completed_at; the queued status re-arms run_after for deferred retry.
	UpdateJob(ctx context.Context, id string, upd JobUpdate) error

	// GetJob returns current attempt/status info for a job.
	GetJob(ctx context.Context, id string) (*JobInfo, error)

	// ReclaimStale requeues running jobs whose started_at is older than
	// staleFor and which still have attempts left; exhausted ones are failed.
	// Paired sources are reset to pending (or failed). Returns the number of
	// requeued and failed jobs.
	ReclaimStale(ctx context.Context, staleFor time.Duration) (requeued, failed int, err error)

	// Heartbeat refreshes started_at for the given running jobs so a merely
	// slow job is not mistaken for an abandoned one.
	Heartbeat(ctx context.Context, ids []string) error

	// UpdateSource applies a partial source update. Returns ErrConflict when
	// the update collides with an existing (platform, external_id) pair.
	UpdateSource(ctx context.Context, id string, upd SourceUpdate) error

	// GetCredential returns the submitting user's platform credential
	// (cookies) for a source, or "" when none is on file.
	GetCredential(ctx context.Context, sourceID, platform string) (string, error)

	// CreateClip persists a finished clip along with its topic links.
	CreateClip(ctx context.Context, clip *Clip) error

	// ResolveTopic finds or creates a topic by name and returns its id.
	ResolveTopic(ctx context.Context, name string) (string, error)
}
