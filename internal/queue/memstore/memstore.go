// Package memstore is a mutex-guarded in-memory queue.Store. It backs unit
// tests and single-process deployments where neither Postgres nor the
// coordinator API is available; the claim and watchdog semantics match the
// real backends exactly.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipforge/internal/queue"
)

type sourceRec struct {
	queue.SourceUpdate
	Platform    string
	SubmittedBy string
}

type Store struct {
	mu sync.Mutex

	jobs    map[string]*queue.Job
	sources map[string]*sourceRec
	creds   map[string]string // submittedBy+"/"+platform -> cookie string
	clips   map[string]*queue.Clip
	topics  map[string]string // slug -> id

	// now is injectable for deterministic time-based tests.
	now func() time.Time
}

func New() *Store {
	return &Store{
		jobs:    make(map[string]*queue.Job),
		sources: make(map[string]*sourceRec),
		creds:   make(map[string]string),
		clips:   make(map[string]*queue.Clip),
		topics:  make(map[string]string),
		now:     time.Now,
	}
}

// SetNow overrides the store's clock.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutJob inserts or replaces a job record.
func (s *Store) PutJob(job *queue.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.jobs[cp.ID] = &cp
}

// PutSource registers a source with its submitting user and platform, so
// GetCredential and conflict checks behave like the SQL backends.
func (s *Store) PutSource(id, platform, submittedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[id] = &sourceRec{Platform: platform, SubmittedBy: submittedBy}
}

// PutCredential stores a platform cookie for a user.
func (s *Store) PutCredential(userID, platform, cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[userID+"/"+platform] = cookie
}

// JobSnapshot returns a copy of a job's current record.
func (s *Store) JobSnapshot(id string) (queue.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return queue.Job{}, false
	}
	return *j, true
}

// SourceStatus returns the last status written for a source.
func (s *Store) SourceStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok || src.Status == nil {
		return ""
	}
	return *src.Status
}

// Clips returns all persisted clips, oldest first by insertion id order.
func (s *Store) Clips() []*queue.Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*queue.Clip, 0, len(s.clips))
	for _, c := range s.clips {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

func (s *Store) ClaimNext(ctx context.Context) (*queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var eligible []*queue.Job
	for _, j := range s.jobs {
		if j.Status != queue.StatusQueued {
			continue
		}
		if j.RunAfter != nil && j.RunAfter.After(now) {
			continue
		}
		eligible = append(eligible, j)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	j := eligible[0]
	j.Status = queue.StatusRunning
	started := now
	j.StartedAt = &started
	j.Attempts++

	cp := *j
	return &cp, nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, upd queue.JobUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return queue.ErrNotFound
	}

	j.Status = upd.Status
	if upd.Error != nil {
		j.Error = queue.AppendError(j.Error, *upd.Error)
	}
	if upd.Result != nil {
		j.Result = upd.Result
	}
	if upd.Status.Terminal() {
		done := s.now()
		j.CompletedAt = &done
		j.RunAfter = nil
	} else if upd.Status == queue.StatusQueued {
		j.RunAfter = upd.RunAfter
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*queue.JobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return &queue.JobInfo{
		ID:          j.ID,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
	}, nil
}

func (s *Store) ReclaimStale(ctx context.Context, staleFor time.Duration) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-staleFor)
	diag := "stale watchdog: recovered running job older than " + staleFor.String()

	var requeued, failed int
	for _, j := range s.jobs {
		if j.Status != queue.StatusRunning || j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		j.Error = queue.AppendError(j.Error, diag)
		if j.Attempts < j.MaxAttempts {
			j.Status = queue.StatusQueued
			ra := now
			j.RunAfter = &ra
			s.setSourceStatusLocked(j.SourceID, queue.SourcePending)
			requeued++
		} else {
			j.Status = queue.StatusFailed
			done := now
			j.CompletedAt = &done
			s.setSourceStatusLocked(j.SourceID, queue.SourceFailed)
			failed++
		}
	}
	return requeued, failed, nil
}

func (s *Store) Heartbeat(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && j.Status == queue.StatusRunning {
			ts := now
			j.StartedAt = &ts
		}
	}
	return nil
}

func (s *Store) setSourceStatusLocked(id, status string) {
	src, ok := s.sources[id]
	if !ok {
		src = &sourceRec{}
		s.sources[id] = src
	}
	st := status
	src.Status = &st
}

func (s *Store) UpdateSource(ctx context.Context, id string, upd queue.SourceUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[id]
	if !ok {
		src = &sourceRec{}
		s.sources[id] = src
	}

	// Same uniqueness rule the SQL schema enforces on (platform, external_id).
	if upd.ExternalID != nil {
		for otherID, other := range s.sources {
			if otherID == id || other.ExternalID == nil {
				continue
			}
			if other.Platform == src.Platform && *other.ExternalID == *upd.ExternalID {
				return queue.ErrConflict
			}
		}
	}

	if upd.Status != nil {
		src.Status = upd.Status
	}
	if upd.ExternalID != nil {
		src.ExternalID = upd.ExternalID
	}
	if upd.Title != nil {
		src.Title = upd.Title
	}
	if upd.ChannelName != nil {
		src.ChannelName = upd.ChannelName
	}
	if upd.ThumbnailURL != nil {
		src.ThumbnailURL = upd.ThumbnailURL
	}
	if upd.DurationSeconds != nil {
		src.DurationSeconds = upd.DurationSeconds
	}
	if upd.Metadata != nil {
		src.Metadata = upd.Metadata
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, sourceID, platform string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[sourceID]
	if !ok {
		return "", nil
	}
	return s.creds[src.SubmittedBy+"/"+platform], nil
}

func (s *Store) CreateClip(ctx context.Context, clip *queue.Clip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *clip
	s.clips[cp.ID] = &cp
	for _, name := range cp.Topics {
		s.resolveTopicLocked(name)
	}
	return nil
}

func (s *Store) ResolveTopic(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveTopicLocked(name), nil
}

func (s *Store) resolveTopicLocked(name string) string {
	slug := queue.Slugify(name)
	if id, ok := s.topics[slug]; ok {
		return id
	}
	id := uuid.New().String()
	s.topics[slug] = id
	return id
}
