package main

import (
	"context"

	"clipforge/internal/config"
	"clipforge/internal/pipeline"
	"clipforge/pkg/ffmpeg"
	"clipforge/pkg/ytdlp"
)

// ytdlpAdapter builds a fresh yt-dlp client per call so each job's cookies
// stay isolated.
type ytdlpAdapter struct {
	path          string
	maxHeight     int
	maxFileSizeMB int
}

func newYtdlpAdapter(cfg *config.Config) *ytdlpAdapter {
	return &ytdlpAdapter{
		path:          cfg.YtdlpPath,
		maxHeight:     cfg.MaxVideoHeight,
		maxFileSizeMB: cfg.MaxDownloadSizeMB,
	}
}

func (a *ytdlpAdapter) client(cookies string) *ytdlp.Client {
	c := ytdlp.New()
	if a.path != "" {
		c.Path = a.path
	}
	c.Cookies = cookies
	return c
}

func (a *ytdlpAdapter) FetchInfo(ctx context.Context, url, cookies string) (*pipeline.SourceInfo, error) {
	info, err := a.client(cookies).GetInfo(ctx, url)
	if err != nil {
		return nil, err
	}

	channel := info.Channel
	if channel == "" {
		channel = info.Uploader
	}
	return &pipeline.SourceInfo{
		ExternalID:   info.ID,
		Title:        info.Title,
		ChannelName:  channel,
		ThumbnailURL: info.Thumbnail,
		Duration:     info.Duration,
		Raw:          info.Raw,
	}, nil
}

func (a *ytdlpAdapter) Download(ctx context.Context, url, cookies, destDir string) (string, error) {
	return a.client(cookies).Download(ctx, url, destDir, ytdlp.DownloadOptions{
		MaxHeight:     a.maxHeight,
		MaxFileSizeMB: a.maxFileSizeMB,
	})
}

// ffmpegAdapter narrows the ffmpeg client to the pipeline's interfaces.
type ffmpegAdapter struct {
	c *ffmpeg.Client
}

func newFFmpegAdapter(cfg *config.Config) *ffmpegAdapter {
	c := ffmpeg.New()
	if cfg.FFmpegPath != "" {
		c.FFmpegPath = cfg.FFmpegPath
	}
	if cfg.FFprobePath != "" {
		c.FFprobePath = cfg.FFprobePath
	}
	return &ffmpegAdapter{c: c}
}

func (a *ffmpegAdapter) Probe(ctx context.Context, path string) (*pipeline.MediaInfo, error) {
	result, err := a.c.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return &pipeline.MediaInfo{
		Duration: result.Duration,
		Width:    result.Width,
		Height:   result.Height,
	}, nil
}

func (a *ffmpegAdapter) DetectSilence(ctx context.Context, path string) ([]float64, error) {
	return a.c.DetectSilence(ctx, path, ffmpeg.SilenceOptions{})
}

func (a *ffmpegAdapter) ExtractClip(ctx context.Context, src, dst string, start, end float64) error {
	return a.c.ExtractClip(ctx, src, dst, start, end)
}

func (a *ffmpegAdapter) Thumbnail(ctx context.Context, src, dst string, offset float64) error {
	return a.c.Thumbnail(ctx, src, dst, offset)
}
