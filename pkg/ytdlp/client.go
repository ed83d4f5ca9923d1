// Package ytdlp wraps the yt-dlp executable for metadata extraction and
// source downloads.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type ExecError struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Cause    error
}

func (e *ExecError) Error() string {
	cmdline := strings.TrimSpace(e.Cmd + " " + strings.Join(e.Args, " "))
	if e.ExitCode != 0 {
		return fmt.Sprintf("ytdlp: command failed (exit %d): %s", e.ExitCode, cmdline)
	}
	return fmt.Sprintf("ytdlp: command failed: %s", cmdline)
}

func (e *ExecError) Unwrap() error { return e.Cause }

type Client struct {
	// Path to yt-dlp executable. Defaults to "yt-dlp" (PATH lookup).
	Path string

	// Cookies is cookies.txt content for authenticated platforms. When set,
	// each command gets a temporary cookies file that is removed afterwards.
	Cookies string

	// ExtraArgs are always appended before per-call args.
	ExtraArgs []string

	execFn func(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

func New() *Client {
	return &Client{Path: "yt-dlp"}
}

func (c *Client) exec(ctx context.Context, args ...string) (stdout []byte, stderr []byte, err error) {
	name := c.PathOrDefault()

	fullArgs := make([]string, 0, len(c.ExtraArgs)+len(args)+2)
	fullArgs = append(fullArgs, c.ExtraArgs...)

	if c.Cookies != "" {
		cookiesFile, err := createTempCookiesFile(c.Cookies)
		if err != nil {
			return nil, nil, fmt.Errorf("ytdlp: create temp cookies file: %w", err)
		}
		defer os.Remove(cookiesFile)
		fullArgs = append(fullArgs, "--cookies", cookiesFile)
	}

	fullArgs = append(fullArgs, args...)

	if c.execFn != nil {
		return c.execFn(ctx, name, fullArgs...)
	}

	cmd := exec.CommandContext(ctx, name, fullArgs...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// PathOrDefault returns the configured path or "yt-dlp" if unset.
func (c *Client) PathOrDefault() string {
	if strings.TrimSpace(c.Path) == "" {
		return "yt-dlp"
	}
	return c.Path
}

// Version returns `yt-dlp --version`.
func (c *Client) Version(ctx context.Context) (string, error) {
	stdout, stderr, err := c.exec(ctx, "--version")
	if err != nil {
		return "", wrapExecError(c.PathOrDefault(), []string{"--version"}, stdout, stderr, err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// Update runs `yt-dlp -U` to update to the latest version.
func (c *Client) Update(ctx context.Context) error {
	stdout, stderr, err := c.exec(ctx, "-U")
	if err != nil {
		return wrapExecError(c.PathOrDefault(), []string{"-U"}, stdout, stderr, err)
	}
	return nil
}

// Info is a light wrapper over yt-dlp JSON output. It intentionally models
// only common fields; the full JSON is preserved in Raw.
type Info struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	WebpageURL string          `json:"webpage_url"`
	Extractor  string          `json:"extractor"`
	Uploader   string          `json:"uploader"`
	Channel    string          `json:"channel"`
	Thumbnail  string          `json:"thumbnail"`
	Duration   float64         `json:"duration"`
	Raw        json.RawMessage `json:"-"`
}

// GetInfo runs yt-dlp in "metadata only" mode and parses its JSON output.
// It uses: --dump-single-json --skip-download
func (c *Client) GetInfo(ctx context.Context, url string) (*Info, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("ytdlp: url is required")
	}

	args := []string{"--dump-single-json", "--skip-download", "--no-playlist", url}

	stdout, stderr, err := c.exec(ctx, args...)
	if err != nil {
		return nil, wrapExecError(c.PathOrDefault(), args, stdout, stderr, err)
	}

	raw := bytes.TrimSpace(stdout)
	info := &Info{Raw: append([]byte(nil), raw...)}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, fmt.Errorf("ytdlp: parse json: %w", err)
	}

	return info, nil
}

type DownloadOptions struct {
	// MaxHeight caps the video stream height. Defaults to 1080.
	MaxHeight int

	// MaxFileSizeMB aborts downloads larger than this. Zero means unlimited.
	MaxFileSizeMB int
}

// Download fetches the source into destDir as source.mp4 (or whatever
// container the merge produces) and returns the file path.
func (c *Client) Download(ctx context.Context, url, destDir string, opts DownloadOptions) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("ytdlp: url is required")
	}

	height := opts.MaxHeight
	if height <= 0 {
		height = 1080
	}

	args := []string{
		"-f", fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", height, height),
		"--merge-output-format", "mp4",
		"-o", filepath.Join(destDir, "source.%(ext)s"),
		"--no-playlist",
		"--no-progress",
		"--socket-timeout", "30",
	}
	if opts.MaxFileSizeMB > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%dm", opts.MaxFileSizeMB))
	}
	args = append(args, url)

	stdout, stderr, err := c.exec(ctx, args...)
	if err != nil {
		return "", wrapExecError(c.PathOrDefault(), args, stdout, stderr, err)
	}

	path, err := findDownloadedFile(destDir)
	if err != nil {
		return "", fmt.Errorf("ytdlp: %w (stdout: %s)", err, strings.TrimSpace(string(stdout)))
	}
	return path, nil
}

func findDownloadedFile(destDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(destDir, "source.*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if ext := filepath.Ext(m); ext == ".part" || ext == ".ytdl" {
			continue
		}
		return m, nil
	}
	return "", errors.New("no output file produced")
}

func wrapExecError(cmd string, args []string, stdout []byte, stderr []byte, cause error) error {
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(cause, &ee) {
		exitCode = ee.ExitCode()
	}

	return &ExecError{
		Cmd:      cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(string(stdout)),
		Stderr:   strings.TrimSpace(string(stderr)),
		Cause:    cause,
	}
}

// createTempCookiesFile creates a temporary file with the cookies content
func createTempCookiesFile(content string) (string, error) {
	tmpFile, err := os.CreateTemp("", "ytdlp-cookies-*.txt")
	if err != nil {
		return "", err
	}
	defer tmpFile.Close()

	if _, err := tmpFile.WriteString(content); err != nil {
		os.Remove(tmpFile.Name())
		return "", err
	}

	return tmpFile.Name(), nil
}
