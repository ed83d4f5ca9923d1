// Package apistore is a queue.Store backed by the coordinator's internal
// HTTP API. Workers deployed away from the database use this instead of
// connecting to Postgres directly; the coordinator performs the atomic
// claim on their behalf.
package apistore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clipforge/internal/queue"
)

const basePath = "/api/internal"

type Store struct {
	baseURL string
	secret  string
	http    *http.Client
}

func New(baseURL, secret string) *Store {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Store{
		baseURL: baseURL,
		secret:  secret,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// jobWire is the coordinator's job representation.
type jobWire struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"source_id"`
	JobType     string          `json:"job_type"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    *time.Time      `json:"run_after"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (w *jobWire) toJob() *queue.Job {
	return &queue.Job{
		ID:          w.ID,
		SourceID:    w.SourceID,
		JobType:     w.JobType,
		Status:      queue.Status(w.Status),
		Priority:    w.Priority,
		Payload:     w.Payload,
		Result:      w.Result,
		Error:       w.Error,
		Attempts:    w.Attempts,
		MaxAttempts: w.MaxAttempts,
		RunAfter:    w.RunAfter,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
		CreatedAt:   w.CreatedAt,
	}
}

func (s *Store) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+basePath+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, queue.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return resp.StatusCode, queue.ErrConflict
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return resp.StatusCode, fmt.Errorf("apistore: %s %s: unexpected status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("apistore: decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Store) ClaimNext(ctx context.Context) (*queue.Job, error) {
	var w jobWire
	status, err := s.do(ctx, http.MethodPost, "/jobs/claim", nil, &w)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return w.toJob(), nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, upd queue.JobUpdate) error {
	body := map[string]any{"status": string(upd.Status)}
	if upd.Error != nil {
		body["error"] = *upd.Error
	}
	if upd.Result != nil {
		body["result"] = upd.Result
	}
	if upd.RunAfter != nil {
		body["run_after"] = upd.RunAfter.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.do(ctx, http.MethodPut, "/jobs/"+id, body, nil)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (*queue.JobInfo, error) {
	var w jobWire
	if _, err := s.do(ctx, http.MethodGet, "/jobs/"+id, nil, &w); err != nil {
		return nil, err
	}
	return &queue.JobInfo{
		ID:          w.ID,
		Status:      queue.Status(w.Status),
		Attempts:    w.Attempts,
		MaxAttempts: w.MaxAttempts,
	}, nil
}

func (s *Store) ReclaimStale(ctx context.Context, staleFor time.Duration) (int, int, error) {
	body := map[string]any{"stale_minutes": int(staleFor.Minutes())}
	var out struct {
		Requeued int `json:"requeued"`
		Failed   int `json:"failed"`
	}
	if _, err := s.do(ctx, http.MethodPost, "/jobs/reclaim", body, &out); err != nil {
		return 0, 0, err
	}
	return out.Requeued, out.Failed, nil
}

func (s *Store) Heartbeat(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.do(ctx, http.MethodPost, "/jobs/heartbeat", map[string]any{"job_ids": ids}, nil)
	return err
}

func (s *Store) UpdateSource(ctx context.Context, id string, upd queue.SourceUpdate) error {
	body := map[string]any{}
	if upd.Status != nil {
		body["status"] = *upd.Status
	}
	if upd.ExternalID != nil {
		body["external_id"] = *upd.ExternalID
	}
	if upd.Title != nil {
		body["title"] = *upd.Title
	}
	if upd.ChannelName != nil {
		body["channel_name"] = *upd.ChannelName
	}
	if upd.ThumbnailURL != nil {
		body["thumbnail_url"] = *upd.ThumbnailURL
	}
	if upd.DurationSeconds != nil {
		body["duration_seconds"] = *upd.DurationSeconds
	}
	if upd.Metadata != nil {
		body["metadata"] = upd.Metadata
	}
	_, err := s.do(ctx, http.MethodPut, "/sources/"+id, body, nil)
	return err
}

func (s *Store) GetCredential(ctx context.Context, sourceID, platform string) (string, error) {
	var out struct {
		Cookies string `json:"cookies"`
	}
	status, err := s.do(ctx, http.MethodGet, "/sources/"+sourceID+"/cookie?platform="+platform, nil, &out)
	if err != nil {
		if status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	if status == http.StatusNoContent {
		return "", nil
	}
	return out.Cookies, nil
}

func (s *Store) CreateClip(ctx context.Context, clip *queue.Clip) error {
	body := map[string]any{
		"id":               clip.ID,
		"source_id":        clip.SourceID,
		"title":            clip.Title,
		"duration_seconds": clip.DurationSeconds,
		"start_time":       clip.StartTime,
		"end_time":         clip.EndTime,
		"storage_key":      clip.StorageKey,
		"thumbnail_key":    clip.ThumbnailKey,
		"width":            clip.Width,
		"height":           clip.Height,
		"file_size_bytes":  clip.FileSizeBytes,
		"transcript":       clip.Transcript,
		"topics":           clip.Topics,
		"content_score":    clip.ContentScore,
		"platform":         clip.Platform,
		"channel_name":     clip.ChannelName,
		"model_version":    clip.ModelVersion,
	}
	if !clip.ExpiresAt.IsZero() {
		body["expires_at"] = clip.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if len(clip.TextEmbedding) > 0 {
		body["text_embedding"] = clip.TextEmbedding
	}
	if len(clip.VisualEmbedding) > 0 {
		body["visual_embedding"] = clip.VisualEmbedding
	}
	_, err := s.do(ctx, http.MethodPost, "/clips", body, nil)
	return err
}

func (s *Store) ResolveTopic(ctx context.Context, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if _, err := s.do(ctx, http.MethodPost, "/topics/resolve", map[string]any{"name": name}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
