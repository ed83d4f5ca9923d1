// Package ffmpeg wraps the ffmpeg and ffprobe executables for the clip
// encoding pipeline.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type Client struct {
	// FFmpegPath and FFprobePath default to PATH lookups.
	FFmpegPath  string
	FFprobePath string

	execFn func(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

func New() *Client {
	return &Client{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

func (c *Client) ffmpeg() string {
	if strings.TrimSpace(c.FFmpegPath) == "" {
		return "ffmpeg"
	}
	return c.FFmpegPath
}

func (c *Client) ffprobe() string {
	if strings.TrimSpace(c.FFprobePath) == "" {
		return "ffprobe"
	}
	return c.FFprobePath
}

func (c *Client) exec(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	if c.execFn != nil {
		return c.execFn(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// clipScale fits the output inside 720x1280 without upscaling or changing
// aspect ratio. Portrait-first because most published clips are.
const clipScale = "scale='min(720,iw)':'min(1280,ih)':force_original_aspect_ratio=decrease"

// ExtractClip re-encodes [start, end) of src into an mp4 at dst.
func (c *Client) ExtractClip(ctx context.Context, src, dst string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("ffmpeg: invalid clip range [%v, %v)", start, end)
	}

	args := []string{
		"-hide_banner", "-y",
		"-ss", formatSeconds(start),
		"-i", src,
		"-t", formatSeconds(end - start),
		"-vf", clipScale,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		dst,
	}

	_, stderr, err := c.exec(ctx, c.ffmpeg(), args...)
	if err != nil {
		return fmt.Errorf("ffmpeg: extract clip: %w: %s", err, tail(stderr))
	}
	return nil
}

// Thumbnail grabs a representative frame at offset seconds into src.
func (c *Client) Thumbnail(ctx context.Context, src, dst string, offset float64) error {
	if offset < 0 {
		offset = 0
	}

	args := []string{
		"-hide_banner", "-y",
		"-ss", formatSeconds(offset),
		"-i", src,
		"-vf", "thumbnail,scale=480:-1",
		"-frames:v", "1",
		dst,
	}

	_, stderr, err := c.exec(ctx, c.ffmpeg(), args...)
	if err != nil {
		return fmt.Errorf("ffmpeg: thumbnail: %w: %s", err, tail(stderr))
	}
	return nil
}

func formatSeconds(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

// tail keeps error output manageable; ffmpeg stderr can run to megabytes.
func tail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	const max = 2048
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
