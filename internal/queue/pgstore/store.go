// Package pgstore implements queue.Store on PostgreSQL. Claims ride a single
// UPDATE with FOR UPDATE SKIP LOCKED, so concurrent workers never see the
// same job.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipforge/internal/queue"
	"clipforge/pkg/encryption"
)

type Store struct {
	pool   *pgxpool.Pool
	cipher *encryption.Cipher
}

// New wraps a pool. cipher may be nil when no credential secret is
// configured; GetCredential then reports no credential on file.
func New(pool *pgxpool.Pool, cipher *encryption.Cipher) *Store {
	return &Store{pool: pool, cipher: cipher}
}

func (s *Store) Close() {
	s.pool.Close()
}

const claimSQL = `
UPDATE jobs SET status = 'running', started_at = now(), attempts = attempts + 1
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'queued' AND (run_after IS NULL OR run_after <= now())
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, source_id, job_type, status, priority, payload, result,
	COALESCE(error, ''), attempts, max_attempts, run_after, started_at,
	completed_at, created_at`

func (s *Store) ClaimNext(ctx context.Context) (*queue.Job, error) {
	var j queue.Job
	err := s.pool.QueryRow(ctx, claimSQL).Scan(
		&j.ID, &j.SourceID, &j.JobType, &j.Status, &j.Priority, &j.Payload,
		&j.Result, &j.Error, &j.Attempts, &j.MaxAttempts, &j.RunAfter,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// appendErrorExpr folds a new message onto the error history in SQL, so the
// append survives concurrent writers.
const appendErrorExpr = `CASE WHEN $2 = '' THEN error
	WHEN error IS NULL OR error = '' THEN $2
	ELSE error || ' | ' || $2 END`

func (s *Store) UpdateJob(ctx context.Context, id string, upd queue.JobUpdate) error {
	errMsg := ""
	if upd.Error != nil {
		errMsg = *upd.Error
	}

	var tag pgconn.CommandTag
	var err error

	switch {
	case upd.Status.Terminal():
		result := upd.Result
		if result == nil {
			result = json.RawMessage(`{}`)
		}
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE jobs SET status = $1, error = %s, result = $3, completed_at = now()
			WHERE id = $4`, appendErrorExpr),
			string(upd.Status), errMsg, result, id)

	case upd.Status == queue.StatusQueued:
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE jobs SET status = 'queued', error = %s, run_after = $3
			WHERE id = $1`, appendErrorExpr),
			id, errMsg, upd.RunAfter)

	default:
		return fmt.Errorf("update job %s: unsupported status %q", id, upd.Status)
	}

	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*queue.JobInfo, error) {
	info := queue.JobInfo{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT status, attempts, max_attempts FROM jobs WHERE id = $1`, id,
	).Scan(&info.Status, &info.Attempts, &info.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &info, nil
}

func (s *Store) ReclaimStale(ctx context.Context, staleFor time.Duration) (int, int, error) {
	diag := fmt.Sprintf("stale watchdog: recovered running job older than %dm", int(staleFor.Minutes()))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim stale: %w", err)
	}
	defer tx.Rollback(ctx)

	requeuedSources, err := reclaimBatch(ctx, tx, fmt.Sprintf(`
		UPDATE jobs SET status = 'queued', run_after = now(), error = %s
		WHERE status = 'running' AND started_at IS NOT NULL
		  AND started_at <= now() - make_interval(secs => $1) AND attempts < max_attempts
		RETURNING source_id`, appendErrorExpr), staleFor.Seconds(), diag)
	if err != nil {
		return 0, 0, err
	}

	failedSources, err := reclaimBatch(ctx, tx, fmt.Sprintf(`
		UPDATE jobs SET status = 'failed', completed_at = now(), error = %s
		WHERE status = 'running' AND started_at IS NOT NULL
		  AND started_at <= now() - make_interval(secs => $1) AND attempts >= max_attempts
		RETURNING source_id`, appendErrorExpr), staleFor.Seconds(), diag)
	if err != nil {
		return 0, 0, err
	}

	if len(requeuedSources) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE sources SET status = 'pending' WHERE id = ANY($1)`, requeuedSources); err != nil {
			return 0, 0, fmt.Errorf("reset requeued sources: %w", err)
		}
	}
	if len(failedSources) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE sources SET status = 'failed' WHERE id = ANY($1)`, failedSources); err != nil {
			return 0, 0, fmt.Errorf("fail stale sources: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("reclaim stale: %w", err)
	}
	return len(requeuedSources), len(failedSources), nil
}

func reclaimBatch(ctx context.Context, tx pgx.Tx, sql string, staleSeconds float64, diag string) ([]string, error) {
	rows, err := tx.Query(ctx, sql, staleSeconds, diag)
	if err != nil {
		return nil, fmt.Errorf("reclaim batch: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reclaim batch scan: %w", err)
		}
		sources = append(sources, id)
	}
	return sources, rows.Err()
}

func (s *Store) Heartbeat(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET started_at = now() WHERE id = ANY($1) AND status = 'running'`, ids)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *Store) UpdateSource(ctx context.Context, id string, upd queue.SourceUpdate) error {
	var sets []string
	var args []any
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.ExternalID != nil {
		add("external_id", *upd.ExternalID)
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.ChannelName != nil {
		add("channel_name", *upd.ChannelName)
	}
	if upd.ThumbnailURL != nil {
		add("thumbnail_url", *upd.ThumbnailURL)
	}
	if upd.DurationSeconds != nil {
		add("duration_seconds", *upd.DurationSeconds)
	}
	if upd.Metadata != nil {
		add("metadata", upd.Metadata)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE sources SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return queue.ErrConflict
		}
		return fmt.Errorf("update source %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, sourceID, platform string) (string, error) {
	var encrypted string
	err := s.pool.QueryRow(ctx, `
		SELECT pc.cookie_str FROM platform_cookies pc
		JOIN sources s ON pc.user_id = s.submitted_by
		WHERE s.id = $1 AND pc.platform = $2 AND pc.is_active`,
		sourceID, platform,
	).Scan(&encrypted)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	if s.cipher == nil {
		return "", nil
	}
	decrypted, err := s.cipher.DecryptString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt credential: %w", err)
	}
	return decrypted, nil
}

func (s *Store) CreateClip(ctx context.Context, clip *queue.Clip) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create clip: %w", err)
	}
	defer tx.Rollback(ctx)

	topicsJSON, _ := json.Marshal(clip.Topics)
	if _, err := tx.Exec(ctx, `
		INSERT INTO clips (
			id, source_id, title, duration_seconds, start_time, end_time,
			storage_key, thumbnail_key, width, height, file_size_bytes,
			transcript, topics, content_score, expires_at, platform,
			channel_name, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,'ready')`,
		clip.ID, clip.SourceID, clip.Title, clip.DurationSeconds, clip.StartTime,
		clip.EndTime, clip.StorageKey, clip.ThumbnailKey, clip.Width, clip.Height,
		clip.FileSizeBytes, clip.Transcript, topicsJSON, clip.ContentScore,
		nullTime(clip.ExpiresAt), clip.Platform, clip.ChannelName,
	); err != nil {
		return fmt.Errorf("insert clip: %w", err)
	}

	for _, name := range clip.Topics {
		topicID, err := resolveTopicTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO clip_topics (clip_id, topic_id, confidence, source)
			VALUES ($1, $2, 1.0, 'extractor') ON CONFLICT DO NOTHING`,
			clip.ID, topicID); err != nil {
			return fmt.Errorf("insert clip topic: %w", err)
		}
	}

	if len(clip.TextEmbedding) > 0 || len(clip.VisualEmbedding) > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO clip_embeddings (clip_id, text_embedding, visual_embedding, model_version)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (clip_id) DO UPDATE SET
				text_embedding = EXCLUDED.text_embedding,
				visual_embedding = EXCLUDED.visual_embedding,
				model_version = EXCLUDED.model_version`,
			clip.ID, clip.TextEmbedding, clip.VisualEmbedding, clip.ModelVersion); err != nil {
			return fmt.Errorf("insert clip embeddings: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create clip: %w", err)
	}
	return nil
}

func (s *Store) ResolveTopic(ctx context.Context, name string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve topic: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := resolveTopicTx(ctx, tx, name)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("resolve topic: %w", err)
	}
	return id, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func resolveTopicTx(ctx context.Context, tx pgx.Tx, name string) (string, error) {
	slug := queue.Slugify(name)

	var id string
	err := tx.QueryRow(ctx,
		`SELECT id FROM topics WHERE slug = $1 OR LOWER(name) = LOWER($2)`, slug, name,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("resolve topic %q: %w", name, err)
	}

	id = uuid.New().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO topics (id, name, slug) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		id, name, slug); err != nil {
		return "", fmt.Errorf("create topic %q: %w", name, err)
	}
	// Re-read in case a concurrent insert won the conflict.
	if err := tx.QueryRow(ctx, `SELECT id FROM topics WHERE slug = $1`, slug).Scan(&id); err != nil {
		return "", fmt.Errorf("create topic %q: %w", name, err)
	}
	return id, nil
}
