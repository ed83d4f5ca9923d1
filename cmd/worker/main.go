package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clipforge/internal/config"
	"clipforge/internal/ml"
	"clipforge/internal/pipeline"
	"clipforge/internal/queue"
	"clipforge/internal/queue/apistore"
	"clipforge/internal/queue/pgstore"
	"clipforge/internal/scheduler"
	"clipforge/internal/storage"
	"clipforge/pkg/encryption"
	"clipforge/pkg/whisper"
	"clipforge/pkg/ytdlp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting ingest worker")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	store, cleanup, err := openStore(ctx, conf)
	if err != nil {
		slog.Error("failed to open queue backend", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	uploads, err := storage.New(ctx, storage.Config{
		Endpoint:  conf.StorageEndpoint,
		AccessKey: conf.StorageAccessKey,
		SecretKey: conf.StorageSecretKey,
		Bucket:    conf.StorageBucket,
		UseSSL:    conf.StorageUseSSL,
	})
	if err != nil {
		slog.Error("failed to connect to object storage", "error", err)
		os.Exit(1)
	}

	updateYtdlp(ctx, conf)

	// Recover jobs abandoned by previous worker instances before claiming
	// anything new.
	requeued, failed, err := store.ReclaimStale(ctx, conf.StaleAfter())
	if err != nil {
		slog.Error("startup stale job sweep failed", "error", err)
	} else if requeued > 0 || failed > 0 {
		slog.Info("recovered stale jobs on startup", "requeued", requeued, "failed", failed)
	}

	exec := &pipeline.Executor{
		Store:       store,
		Metadata:    newYtdlpAdapter(conf),
		Download:    newYtdlpAdapter(conf),
		Prober:      newFFmpegAdapter(conf),
		Silence:     newFFmpegAdapter(conf),
		Encoder:     newFFmpegAdapter(conf),
		Transcriber: newTranscriber(conf),
		Uploader:    uploads,
		Splitter: pipeline.Splitter{
			Min:    conf.MinClipSeconds,
			Target: conf.TargetClipSeconds,
			Max:    conf.MaxClipSeconds,
		},
		WorkDir:          conf.WorkDir,
		MaxVideoDuration: conf.MaxVideoDurationSeconds,
		RetryBaseDelay:   conf.RetryBaseDelay(),
		ClipTTL:          conf.ClipTTL(),
	}

	if conf.ModelAPIURL != "" {
		models := ml.NewClient(conf.ModelAPIURL)
		exec.Topics = models
		exec.Embedder = models
		exec.Titles = models
		exec.Scorer = models
	} else {
		slog.Warn("MODEL_API_URL not set, clips will not be enriched")
	}

	sched := &scheduler.Scheduler{
		Store:             store,
		Runner:            exec,
		MaxConcurrent:     conf.MaxConcurrentJobs,
		PollInterval:      conf.PollInterval(),
		HeartbeatInterval: conf.HeartbeatInterval(),
		StaleAfter:        conf.StaleAfter(),
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Ingest worker stopped")
}

func openStore(ctx context.Context, conf *config.Config) (queue.Store, func(), error) {
	if conf.WorkerAPIURL != "" {
		slog.Info("using coordinator API backend", "url", conf.WorkerAPIURL)
		return apistore.New(conf.WorkerAPIURL, conf.WorkerSecret), func() {}, nil
	}

	pool, err := pgstore.OpenPool(ctx, conf.DatabaseDSN, conf.DatabaseRetries)
	if err != nil {
		return nil, nil, err
	}

	var cipher *encryption.Cipher
	if conf.CredentialSecret != "" {
		cipher, err = encryption.New(conf.CredentialSecret)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
	} else {
		slog.Warn("CREDENTIAL_SECRET not set, platform cookies will be unavailable")
	}

	slog.Info("using direct database backend")
	return pgstore.New(pool, cipher), pool.Close, nil
}

func newTranscriber(conf *config.Config) *whisper.Client {
	c := whisper.New()
	if conf.WhisperPath != "" {
		c.Path = conf.WhisperPath
	}
	c.Model = conf.WhisperModel
	c.Device = conf.WhisperDevice
	c.Language = conf.WhisperLanguage
	return c
}

// updateYtdlp keeps extractors current; sites break old versions constantly.
func updateYtdlp(ctx context.Context, conf *config.Config) {
	c := ytdlp.New()
	if conf.YtdlpPath != "" {
		c.Path = conf.YtdlpPath
	}

	updateCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := c.Update(updateCtx); err != nil {
		slog.Warn("yt-dlp self-update failed", "error", err)
		return
	}
	if v, err := c.Version(updateCtx); err == nil {
		slog.Info("yt-dlp ready", "version", v)
	}
}
