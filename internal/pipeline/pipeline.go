// Package pipeline runs a claimed ingest job end to end: fetch metadata,
// download the source, split it into segments, then encode, enrich, upload
// and persist one clip per segment.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"clipforge/internal/queue"
)

// RejectionError marks a failure that no amount of retrying can fix: the job
// goes straight to rejected instead of the retry path.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// IsRejection reports whether err is (or wraps) a RejectionError.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// errCancelled signals that the job was cancelled externally mid-run. The
// worker stops without writing any further status.
var errCancelled = errors.New("job cancelled")

// SourceInfo is the metadata known about a source before downloading it.
type SourceInfo struct {
	ExternalID   string
	Title        string
	ChannelName  string
	ThumbnailURL string
	Duration     float64
	Raw          json.RawMessage
}

// MediaInfo describes a downloaded media file.
type MediaInfo struct {
	Duration float64
	Width    int
	Height   int
}

type MetadataFetcher interface {
	FetchInfo(ctx context.Context, url, cookies string) (*SourceInfo, error)
}

type Downloader interface {
	// Download fetches the source into destDir and returns the media file path.
	Download(ctx context.Context, url, cookies, destDir string) (string, error)
}

type Prober interface {
	Probe(ctx context.Context, path string) (*MediaInfo, error)
}

type SilenceDetector interface {
	// DetectSilence returns candidate cut points (seconds from start).
	DetectSilence(ctx context.Context, path string) ([]float64, error)
}

type ClipEncoder interface {
	ExtractClip(ctx context.Context, src, dst string, start, end float64) error
	Thumbnail(ctx context.Context, src, dst string, offset float64) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) (string, error)
}

type TopicExtractor interface {
	Topics(ctx context.Context, transcript string) ([]string, error)
}

type Embedder interface {
	// EmbedText returns the embedding vector and the model version that
	// produced it.
	EmbedText(ctx context.Context, text string) ([]byte, string, error)
}

// TitleGenerator and ContentScorer are optional enrichment strategies; the
// executor falls back to heuristics when they are absent.
type TitleGenerator interface {
	Title(ctx context.Context, transcript string) (string, error)
}

type ContentScorer interface {
	Score(ctx context.Context, transcript string) (float64, error)
}

type Uploader interface {
	Upload(ctx context.Context, localPath, objectKey, contentType string) (int64, error)
}

// Executor drives one job through the pipeline. Metadata, Downloader, Prober,
// Encoder and Uploader are required; the enrichment adapters degrade
// gracefully when nil or failing.
type Executor struct {
	Store queue.Store

	Metadata MetadataFetcher
	Download Downloader
	Prober   Prober
	Silence  SilenceDetector
	Encoder  ClipEncoder

	Transcriber Transcriber
	Topics      TopicExtractor
	Embedder    Embedder
	Titles      TitleGenerator
	Scorer      ContentScorer

	Uploader Uploader
	Splitter Splitter

	// WorkDir hosts per-job scratch directories; removed on every exit path.
	WorkDir string

	// MaxVideoDuration rejects sources longer than this many seconds. Zero
	// disables the ceiling.
	MaxVideoDuration float64

	RetryBaseDelay time.Duration
	ClipTTL        time.Duration

	Log *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

func (e *Executor) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Executor) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Run executes the job and writes its final status. The returned error is
// informational; status bookkeeping has already happened by the time it
// returns. Panics inside the pipeline are converted to ordinary failures.
func (e *Executor) Run(ctx context.Context, job *queue.Job) error {
	log := e.logger().With("job_id", job.ID, "source_id", job.SourceID)

	result, err := e.runProtected(ctx, job, log)
	return e.finish(ctx, job, result, err, log)
}

func (e *Executor) runProtected(ctx context.Context, job *queue.Job, log *slog.Logger) (result *queue.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return e.process(ctx, job, log)
}

func (e *Executor) finish(ctx context.Context, job *queue.Job, result *queue.Result, err error, log *slog.Logger) error {
	// Status writes must survive the job context being torn down.
	wctx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			raw = []byte(`{}`)
		}
		if uErr := e.Store.UpdateJob(wctx, job.ID, queue.JobUpdate{
			Status: queue.StatusComplete,
			Result: raw,
		}); uErr != nil {
			log.Error("failed to mark job complete", "error", uErr)
			return uErr
		}
		e.setSource(wctx, job.SourceID, queue.SourceComplete, log)
		log.Info("job complete", "clips", result.ClipCount)
		return nil

	case errors.Is(err, errCancelled):
		log.Info("job cancelled, stopping without status change")
		return nil

	case ctx.Err() != nil && !IsRejection(err):
		// Worker shutdown mid-job. Leave the job running; the stale
		// watchdog will recover it.
		log.Warn("job interrupted by shutdown", "error", err)
		return err

	case IsRejection(err):
		msg := err.Error()
		if uErr := e.Store.UpdateJob(wctx, job.ID, queue.JobUpdate{
			Status: queue.StatusRejected,
			Error:  &msg,
		}); uErr != nil {
			log.Error("failed to mark job rejected", "error", uErr)
		}
		e.setSource(wctx, job.SourceID, queue.SourceRejected, log)
		log.Warn("job rejected", "reason", msg)
		return err

	default:
		msg := err.Error()
		// Re-read the counters rather than trusting the claim-time copy; a
		// watchdog requeue-and-reclaim may have advanced them since.
		attempts, maxAttempts := job.Attempts, job.MaxAttempts
		if info, gErr := e.Store.GetJob(wctx, job.ID); gErr == nil {
			attempts, maxAttempts = info.Attempts, info.MaxAttempts
		} else {
			log.Warn("failed to re-read job for retry decision", "error", gErr)
		}
		if attempts < maxAttempts {
			delay := e.backoff(attempts)
			runAfter := e.clock().Add(delay)
			if uErr := e.Store.UpdateJob(wctx, job.ID, queue.JobUpdate{
				Status:   queue.StatusQueued,
				Error:    &msg,
				RunAfter: &runAfter,
			}); uErr != nil {
				log.Error("failed to requeue job", "error", uErr)
			}
			e.setSource(wctx, job.SourceID, queue.SourcePending, log)
			log.Warn("job failed, will retry", "attempt", attempts, "max_attempts", maxAttempts, "retry_in", delay, "error", msg)
		} else {
			if uErr := e.Store.UpdateJob(wctx, job.ID, queue.JobUpdate{
				Status: queue.StatusFailed,
				Error:  &msg,
			}); uErr != nil {
				log.Error("failed to mark job failed", "error", uErr)
			}
			e.setSource(wctx, job.SourceID, queue.SourceFailed, log)
			log.Error("job failed permanently", "attempts", attempts, "error", msg)
		}
		return err
	}
}

// backoff doubles the base delay for every attempt already spent.
func (e *Executor) backoff(attempts int) time.Duration {
	base := e.RetryBaseDelay
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	return base << (attempts - 1)
}

// checkpoint re-reads the job between stages so an external cancellation
// stops the pipeline at the next stage boundary.
func (e *Executor) checkpoint(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if info.Status == queue.StatusCancelled {
		return errCancelled
	}
	return nil
}

func (e *Executor) process(ctx context.Context, job *queue.Job, log *slog.Logger) (*queue.Result, error) {
	if err := e.checkpoint(ctx, job.ID); err != nil {
		return nil, err
	}

	payload, err := job.ParsePayload()
	if err != nil {
		return nil, &RejectionError{Reason: "invalid job payload: " + err.Error()}
	}
	if err := CheckURL(payload.URL); err != nil {
		return nil, err
	}

	work, err := os.MkdirTemp(e.WorkDir, "job-"+job.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	e.setSource(ctx, job.SourceID, queue.SourceDownloading, log)

	cookies, err := e.Store.GetCredential(ctx, job.SourceID, payload.Platform)
	if err != nil {
		log.Warn("credential lookup failed, continuing without cookies", "error", err)
		cookies = ""
	}

	info, err := e.Metadata.FetchInfo(ctx, payload.URL, cookies)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if e.MaxVideoDuration > 0 && info.Duration > e.MaxVideoDuration {
		return nil, &RejectionError{Reason: fmt.Sprintf(
			"video duration %.0fs exceeds the %.0fs limit", info.Duration, e.MaxVideoDuration)}
	}

	if err := e.Store.UpdateSource(ctx, job.SourceID, queue.SourceUpdate{
		ExternalID:      strPtr(info.ExternalID),
		Title:           strPtr(info.Title),
		ChannelName:     strPtr(info.ChannelName),
		ThumbnailURL:    strPtr(info.ThumbnailURL),
		DurationSeconds: &info.Duration,
		Metadata:        info.Raw,
	}); err != nil {
		if errors.Is(err, queue.ErrConflict) {
			return nil, &RejectionError{Reason: fmt.Sprintf(
				"duplicate source: %s/%s already ingested", payload.Platform, info.ExternalID)}
		}
		return nil, fmt.Errorf("update source metadata: %w", err)
	}

	if err := e.checkpoint(ctx, job.ID); err != nil {
		return nil, err
	}

	srcPath, err := e.Download.Download(ctx, payload.URL, cookies, work)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	media, err := e.Prober.Probe(ctx, srcPath)
	if err != nil {
		return nil, fmt.Errorf("probe downloaded media: %w", err)
	}
	duration := media.Duration
	if duration <= 0 {
		duration = info.Duration
	}
	if duration <= 0 {
		return nil, &RejectionError{Reason: "source has no playable duration"}
	}

	if err := e.checkpoint(ctx, job.ID); err != nil {
		return nil, err
	}
	e.setSource(ctx, job.SourceID, queue.SourceProcessing, log)

	var boundaries []float64
	if e.Silence != nil {
		boundaries, err = e.Silence.DetectSilence(ctx, srcPath)
		if err != nil {
			log.Warn("silence detection failed, using fixed splits", "error", err)
			boundaries = nil
		}
	}

	segments := e.Splitter.Plan(boundaries, duration)
	log.Info("segmentation planned", "duration", duration, "segments", len(segments), "boundaries", len(boundaries))

	var clipIDs []string
	for i, seg := range segments {
		if err := e.checkpoint(ctx, job.ID); err != nil {
			return nil, err
		}
		clipID, segErr := e.processSegment(ctx, job, info, payload, srcPath, work, seg, i, media, log)
		if segErr != nil {
			log.Error("segment failed, skipping", "segment", i, "start", seg.Start, "end", seg.End, "error", segErr)
			continue
		}
		clipIDs = append(clipIDs, clipID)
	}

	if len(clipIDs) == 0 {
		return nil, fmt.Errorf("all %d segments failed", len(segments))
	}

	return &queue.Result{ClipIDs: clipIDs, ClipCount: len(clipIDs)}, nil
}

func (e *Executor) processSegment(ctx context.Context, job *queue.Job, info *SourceInfo, payload queue.Payload, srcPath, work string, seg Segment, idx int, media *MediaInfo, log *slog.Logger) (string, error) {
	clipID := uuid.New().String()

	clipPath := filepath.Join(work, fmt.Sprintf("clip_%03d.mp4", idx))
	if err := e.Encoder.ExtractClip(ctx, srcPath, clipPath, seg.Start, seg.End); err != nil {
		return "", fmt.Errorf("extract clip: %w", err)
	}

	thumbPath := filepath.Join(work, fmt.Sprintf("clip_%03d.jpg", idx))
	haveThumb := true
	if err := e.Encoder.Thumbnail(ctx, clipPath, thumbPath, seg.Duration()/2); err != nil {
		log.Warn("thumbnail generation failed", "segment", idx, "error", err)
		haveThumb = false
	}

	var transcript string
	if e.Transcriber != nil {
		t, err := e.Transcriber.Transcribe(ctx, clipPath)
		if err != nil {
			log.Warn("transcription failed, clip will have no transcript", "segment", idx, "error", err)
		} else {
			transcript = strings.TrimSpace(t)
		}
	}

	var topics []string
	if e.Topics != nil && transcript != "" {
		t, err := e.Topics.Topics(ctx, transcript)
		if err != nil {
			log.Warn("topic extraction failed", "segment", idx, "error", err)
		} else {
			topics = t
		}
	}

	var embedding []byte
	var modelVersion string
	if e.Embedder != nil && transcript != "" {
		v, ver, err := e.Embedder.EmbedText(ctx, transcript)
		if err != nil {
			log.Warn("embedding failed", "segment", idx, "error", err)
		} else {
			embedding = v
			modelVersion = ver
		}
	}

	score := 0.5
	if e.Scorer != nil && transcript != "" {
		if s, err := e.Scorer.Score(ctx, transcript); err == nil {
			score = s
		} else {
			log.Warn("content scoring failed", "segment", idx, "error", err)
		}
	}

	storageKey := fmt.Sprintf("clips/%s/%s.mp4", job.SourceID, clipID)
	size, err := e.Uploader.Upload(ctx, clipPath, storageKey, "video/mp4")
	if err != nil {
		return "", fmt.Errorf("upload clip: %w", err)
	}

	var thumbKey string
	if haveThumb {
		thumbKey = fmt.Sprintf("thumbnails/%s/%s.jpg", job.SourceID, clipID)
		if _, err := e.Uploader.Upload(ctx, thumbPath, thumbKey, "image/jpeg"); err != nil {
			log.Warn("thumbnail upload failed", "segment", idx, "error", err)
			thumbKey = ""
		}
	}

	var expiresAt time.Time
	if e.ClipTTL > 0 {
		expiresAt = e.clock().Add(e.ClipTTL)
	}

	clip := &queue.Clip{
		ID:              clipID,
		SourceID:        job.SourceID,
		Title:           e.clipTitle(ctx, transcript, info.Title, idx),
		DurationSeconds: seg.Duration(),
		StartTime:       seg.Start,
		EndTime:         seg.End,
		StorageKey:      storageKey,
		ThumbnailKey:    thumbKey,
		Width:           media.Width,
		Height:          media.Height,
		FileSizeBytes:   size,
		Transcript:      transcript,
		Topics:          topics,
		ContentScore:    score,
		ExpiresAt:       expiresAt,
		Platform:        payload.Platform,
		ChannelName:     info.ChannelName,
		TextEmbedding:   embedding,
		ModelVersion:    modelVersion,
	}
	if err := e.Store.CreateClip(ctx, clip); err != nil {
		return "", fmt.Errorf("persist clip: %w", err)
	}

	log.Info("clip persisted", "clip_id", clipID, "segment", idx,
		"duration", seg.Duration(), "size", humanize.Bytes(uint64(size)), "topics", len(topics))
	return clipID, nil
}

// clipTitle prefers the generator strategy, then the transcript opening, then
// the source title, then a bare index.
func (e *Executor) clipTitle(ctx context.Context, transcript, sourceTitle string, idx int) string {
	if e.Titles != nil && transcript != "" {
		if t, err := e.Titles.Title(ctx, transcript); err == nil && strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t)
		}
	}

	words := strings.Fields(transcript)
	if len(words) > 10 {
		words = words[:10]
	}
	if len(words) >= 3 {
		return strings.Join(words, " ") + "..."
	}
	if sourceTitle != "" {
		return fmt.Sprintf("%s (Part %d)", sourceTitle, idx+1)
	}
	return fmt.Sprintf("Clip %d", idx+1)
}

func (e *Executor) setSource(ctx context.Context, sourceID, status string, log *slog.Logger) {
	st := status
	if err := e.Store.UpdateSource(ctx, sourceID, queue.SourceUpdate{Status: &st}); err != nil {
		log.Warn("failed to update source status", "status", status, "error", err)
	}
}

// CheckURL enforces the submission policy: http(s) only, and never an address
// inside our own network.
func CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &RejectionError{Reason: "unparseable URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &RejectionError{Reason: fmt.Sprintf("unsupported URL scheme %q", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return &RejectionError{Reason: "URL has no host"}
	}
	if strings.EqualFold(host, "localhost") {
		return &RejectionError{Reason: "URL points at a local address"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return &RejectionError{Reason: "URL points at a private address"}
		}
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
