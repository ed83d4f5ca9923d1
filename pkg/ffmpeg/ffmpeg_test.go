package ffmpeg

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestExtractClip_BuildsArgs(t *testing.T) {
	c := New()
	var gotName string
	var gotArgs []string
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		gotName = name
		gotArgs = args
		return nil, nil, nil
	}

	if err := c.ExtractClip(context.Background(), "in.mp4", "out.mp4", 45, 90); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gotName != "ffmpeg" {
		t.Fatalf("expected ffmpeg, got %q", gotName)
	}

	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{
		"-ss 45",
		"-t 45",
		"-c:v libx264",
		"-crf 23",
		"-b:a 128k",
		"-avoid_negative_ts make_zero",
		"-movflags +faststart",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %v", want, gotArgs)
		}
	}
	if gotArgs[len(gotArgs)-1] != "out.mp4" {
		t.Fatalf("output must be last arg, got %v", gotArgs)
	}
}

func TestExtractClip_RejectsInvalidRange(t *testing.T) {
	c := New()
	if err := c.ExtractClip(context.Background(), "in.mp4", "out.mp4", 90, 45); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if err := c.ExtractClip(context.Background(), "in.mp4", "out.mp4", 10, 10); err == nil {
		t.Fatalf("expected error for empty range")
	}
}

func TestExtractClip_IncludesStderrOnFailure(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		return nil, []byte("Unknown encoder 'libx264'"), errors.New("exit status 1")
	}

	err := c.ExtractClip(context.Background(), "in.mp4", "out.mp4", 0, 10)
	if err == nil || !strings.Contains(err.Error(), "libx264") {
		t.Fatalf("error should carry stderr, got %v", err)
	}
}

func TestThumbnail_BuildsArgs(t *testing.T) {
	c := New()
	var gotArgs []string
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		gotArgs = args
		return nil, nil, nil
	}

	if err := c.Thumbnail(context.Background(), "clip.mp4", "thumb.jpg", 22.5); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-ss 22.5") {
		t.Fatalf("seek missing: %v", gotArgs)
	}
	if !strings.Contains(joined, "thumbnail,scale=480:-1") {
		t.Fatalf("filter missing: %v", gotArgs)
	}
	if !strings.Contains(joined, "-frames:v 1") {
		t.Fatalf("single frame flag missing: %v", gotArgs)
	}
}

func TestProbe_ParsesOutput(t *testing.T) {
	c := New()
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		if name != "ffprobe" {
			t.Fatalf("expected ffprobe, got %q", name)
		}
		return []byte(`{
			"format": {"format_name": "mov,mp4", "duration": "123.456", "size": "1048576"},
			"streams": [
				{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "r_frame_rate": "30000/1001"},
				{"codec_type": "audio", "codec_name": "aac"}
			]
		}`), nil, nil
	}

	result, err := c.Probe(context.Background(), "in.mp4")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Duration != 123.456 {
		t.Fatalf("duration: got %v", result.Duration)
	}
	if result.Width != 1920 || result.Height != 1080 {
		t.Fatalf("dimensions: got %dx%d", result.Width, result.Height)
	}
	if result.VideoCodec != "h264" || result.AudioCodec != "aac" {
		t.Fatalf("codecs: got %q/%q", result.VideoCodec, result.AudioCodec)
	}
	if result.FPS < 29.9 || result.FPS > 30.0 {
		t.Fatalf("fps: got %v", result.FPS)
	}
	if len(result.RawJSON) == 0 {
		t.Fatalf("expected RawJSON to be preserved")
	}
}

func TestParseFrameRate(t *testing.T) {
	cases := map[string]float64{
		"30/1":       30,
		"0/0":        0,
		"not-a-rate": 0,
	}
	for in, want := range cases {
		if got := parseFrameRate(in); got != want {
			t.Fatalf("parseFrameRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDetectSilence_BuildsFilter(t *testing.T) {
	c := New()
	var gotArgs []string
	c.execFn = func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		gotArgs = args
		return nil, []byte(""), nil
	}

	_, err := c.DetectSilence(context.Background(), "in.mp4", SilenceOptions{NoiseDB: -35, MinDuration: 1})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !slices.Contains(gotArgs, "silencedetect=noise=-35dB:d=1") {
		t.Fatalf("filter missing: %v", gotArgs)
	}
	if !slices.Contains(gotArgs, "null") {
		t.Fatalf("null muxer missing: %v", gotArgs)
	}
}

func TestParseSilence(t *testing.T) {
	output := `
[silencedetect @ 0x5555] silence_start: 10
[silencedetect @ 0x5555] silence_end: 12 | silence_duration: 2
frame=  100 fps= 30
[silencedetect @ 0x5555] silence_start: 40.5
[silencedetect @ 0x5555] silence_end: 41.5 | silence_duration: 1.0
[silencedetect @ 0x5555] silence_start: 99
`
	got := ParseSilence(output)
	want := []float64{11, 41}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseSilence_Empty(t *testing.T) {
	if got := ParseSilence("no silence lines here"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestFormatSeconds(t *testing.T) {
	cases := map[float64]string{
		45:     "45",
		22.5:   "22.5",
		0:      "0",
		12.345: "12.345",
	}
	for in, want := range cases {
		if got := formatSeconds(in); got != want {
			t.Fatalf("formatSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}
