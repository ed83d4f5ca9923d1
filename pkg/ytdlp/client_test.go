package ytdlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestGetInfo_ParsesJSON(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte(`{"id":"abc","title":"hello","channel":"somebody","duration":12}`), nil, nil
	}

	info, err := c.GetInfo(context.Background(), "https://example.com/watch?v=abc")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if info.ID != "abc" {
		t.Fatalf("expected id=abc, got %q", info.ID)
	}
	if info.Title != "hello" {
		t.Fatalf("expected title=hello, got %q", info.Title)
	}
	if info.Duration != 12 {
		t.Fatalf("expected duration=12, got %v", info.Duration)
	}
	if len(info.Raw) == 0 {
		t.Fatalf("expected Raw to be set")
	}
}

func TestGetInfo_WrapsExecError(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte("out"), []byte("err"), errors.New("boom")
	}

	_, err := c.GetInfo(context.Background(), "https://example.com")
	if err == nil {
		t.Fatalf("expected error")
	}
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError, got %T", err)
	}
	if ee.Stderr != "err" {
		t.Fatalf("expected stderr=err, got %q", ee.Stderr)
	}
}

func TestVersion_TrimsOutput(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte("2026.01.01\n"), nil, nil
	}

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if v != "2026.01.01" {
		t.Fatalf("expected version to be trimmed, got %q", v)
	}
}

func TestDownload_BuildsArgsAndFindsOutput(t *testing.T) {
	dir := t.TempDir()

	c := New()
	var gotArgs []string
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		gotArgs = args
		// Simulate yt-dlp writing the merged output.
		return nil, nil, os.WriteFile(filepath.Join(dir, "source.mp4"), []byte("video"), 0o644)
	}

	path, err := c.Download(context.Background(), "https://example.com/v", dir, DownloadOptions{
		MaxHeight:     720,
		MaxFileSizeMB: 2048,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if path != filepath.Join(dir, "source.mp4") {
		t.Fatalf("unexpected output path %q", path)
	}

	if !slices.Contains(gotArgs, "bestvideo[height<=720]+bestaudio/best[height<=720]") {
		t.Fatalf("format selector missing from args: %v", gotArgs)
	}
	if !slices.Contains(gotArgs, "--max-filesize") || !slices.Contains(gotArgs, "2048m") {
		t.Fatalf("max filesize missing from args: %v", gotArgs)
	}
	if gotArgs[len(gotArgs)-1] != "https://example.com/v" {
		t.Fatalf("url must be the last arg, got %v", gotArgs)
	}
}

func TestDownload_NoOutputFile(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return []byte("nothing downloaded"), nil, nil
	}

	_, err := c.Download(context.Background(), "https://example.com/v", t.TempDir(), DownloadOptions{})
	if err == nil {
		t.Fatalf("expected error when no file was produced")
	}
}

func TestExec_CookiesFilePassedAndCleanedUp(t *testing.T) {
	c := New()
	c.Cookies = "# Netscape HTTP Cookie File\nexample.com\tTRUE\t/\tFALSE\t0\tsession\tabc\n"

	var cookiesPath string
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		for i, a := range args {
			if a == "--cookies" && i+1 < len(args) {
				cookiesPath = args[i+1]
			}
		}
		if cookiesPath == "" {
			t.Fatalf("--cookies not passed: %v", args)
		}
		data, err := os.ReadFile(cookiesPath)
		if err != nil {
			t.Fatalf("cookies file unreadable during exec: %v", err)
		}
		if string(data) != c.Cookies {
			t.Fatalf("cookies file content mismatch")
		}
		return []byte("2026.01.01"), nil, nil
	}

	if _, err := c.Version(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, err := os.Stat(cookiesPath); !os.IsNotExist(err) {
		t.Fatalf("temp cookies file should be removed after exec")
	}
}
