package queue

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Source lifecycle states. The source status is a convenience projection of
// job progress, not authoritative over the job's own status.
const (
	SourcePending     = "pending"
	SourceDownloading = "downloading"
	SourceProcessing  = "processing"
	SourceComplete    = "complete"
	SourceFailed      = "failed"
	SourceRejected    = "rejected"
)

// ErrorSeparator joins successive failure messages in a job's error field,
// giving operators the full failure history in one place.
const ErrorSeparator = " | "

var (
	// ErrNotFound is returned when a job or source id does not exist.
	ErrNotFound = errors.New("queue: not found")

	// ErrConflict is returned by UpdateSource when the update would collide
	// with an existing source (same platform and external id). Callers treat
	// this as a permanent condition, never a retry.
	ErrConflict = errors.New("queue: duplicate source")
)

// Job is one unit of ingestion work.
type Job struct {
	ID          string
	SourceID    string
	JobType     string
	Status      Status
	Priority    int
	Payload     json.RawMessage
	Result      json.RawMessage
	Error       string
	Attempts    int
	MaxAttempts int
	RunAfter    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Payload is the structured input carried by an ingest job.
type Payload struct {
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	Platform string `json:"platform"`
}

// ParsePayload decodes a job's payload.
func (j *Job) ParsePayload() (Payload, error) {
	var p Payload
	if len(j.Payload) == 0 {
		return p, errors.New("queue: empty payload")
	}
	err := json.Unmarshal(j.Payload, &p)
	return p, err
}

// Result is the structured output written when an ingest job completes.
type Result struct {
	ClipIDs   []string `json:"clip_ids"`
	ClipCount int      `json:"clip_count"`
}

// JobInfo is the subset of job state a worker re-reads mid-run: enough to
// decide retry eligibility and to notice an external cancellation.
type JobInfo struct {
	ID          string
	Status      Status
	Attempts    int
	MaxAttempts int
}

// JobUpdate describes a status transition. Error, when set, is appended to the
// job's error history rather than replacing it. RunAfter is honored only for
// the queued status; terminal statuses set completed_at.
type JobUpdate struct {
	Status   Status
	Error    *string
	Result   json.RawMessage
	RunAfter *time.Time
}

// SourceUpdate is a partial update of source fields; nil fields are untouched.
type SourceUpdate struct {
	Status          *string
	ExternalID      *string
	Title           *string
	ChannelName     *string
	ThumbnailURL    *string
	DurationSeconds *float64
	Metadata        json.RawMessage
}

// Clip is a finished output clip persisted through the store.
type Clip struct {
	ID              string
	SourceID        string
	Title           string
	DurationSeconds float64
	StartTime       float64
	EndTime         float64
	StorageKey      string
	ThumbnailKey    string
	Width           int
	Height          int
	FileSizeBytes   int64
	Transcript      string
	Topics          []string
	ContentScore    float64
	ExpiresAt       time.Time
	Platform        string
	ChannelName     string
	TextEmbedding   []byte
	VisualEmbedding []byte
	ModelVersion    string
}

// AppendError joins a new failure message onto an existing history.
func AppendError(history, msg string) string {
	if history == "" {
		return msg
	}
	return history + ErrorSeparator + msg
}

// Slugify converts a topic name to a URL-safe slug. Names with no usable
// characters collapse to "topic".
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == ' ' || r == '-' {
			return r
		}
		return -1
	}, s)
	slug := strings.Join(strings.Fields(s), "-")
	if slug == "" {
		return "topic"
	}
	return slug
}
