// Package whisper wraps the whisper CLI for clip transcription.
package whisper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Client struct {
	// Path to the whisper executable. Defaults to "whisper".
	Path string

	// Model defaults to "small".
	Model string

	// Device defaults to "cpu".
	Device string

	// Language, when empty or "auto", lets whisper detect it.
	Language string

	ExtraArgs []string

	execFn func(ctx context.Context, name string, args ...string) (output []byte, err error)
}

func New() *Client {
	return &Client{Path: "whisper", Model: "small", Device: "cpu"}
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, error) {
	name := c.Path
	if strings.TrimSpace(name) == "" {
		name = "whisper"
	}
	if c.execFn != nil {
		return c.execFn(ctx, name, args...)
	}
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Transcribe runs whisper over the media file and returns the plain-text
// transcript. Whisper's output files land in a scratch directory that is
// removed before returning.
func (c *Client) Transcribe(ctx context.Context, mediaPath string) (string, error) {
	if strings.TrimSpace(mediaPath) == "" {
		return "", fmt.Errorf("whisper: media path is required")
	}

	outDir, err := os.MkdirTemp("", "whisper-")
	if err != nil {
		return "", fmt.Errorf("whisper: create output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	model := c.Model
	if model == "" {
		model = "small"
	}
	device := c.Device
	if device == "" {
		device = "cpu"
	}

	args := []string{
		mediaPath,
		"--model", model,
		"--output_format", "txt",
		"--output_dir", outDir,
		"--device", device,
		"--task", "transcribe",
	}
	if c.Language != "" && !strings.EqualFold(c.Language, "auto") {
		args = append(args, "--language", c.Language)
	}
	args = append(args, c.ExtraArgs...)

	output, err := c.exec(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("whisper failed: %w (output=%s)", err, strings.TrimSpace(string(output)))
	}

	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	cand := filepath.Join(outDir, base+".txt")
	if _, err := os.Stat(cand); err != nil {
		matches, _ := filepath.Glob(filepath.Join(outDir, base+"*.txt"))
		if len(matches) == 0 {
			return "", fmt.Errorf("whisper output not found in %s", outDir)
		}
		cand = matches[0]
	}

	data, err := os.ReadFile(cand)
	if err != nil {
		return "", fmt.Errorf("whisper: read transcript: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
