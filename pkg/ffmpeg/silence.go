package ffmpeg

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SilenceOptions tunes the silencedetect filter.
type SilenceOptions struct {
	// NoiseDB is the threshold below which audio counts as silence.
	// Defaults to -30.
	NoiseDB float64

	// MinDuration is the minimum silence length in seconds. Defaults to 0.5.
	MinDuration float64
}

// DetectSilence runs the silencedetect filter over src and returns the
// midpoint of every silence window, as cut-point candidates for the
// segment planner.
func (c *Client) DetectSilence(ctx context.Context, src string, opts SilenceOptions) ([]float64, error) {
	noise := opts.NoiseDB
	if noise == 0 {
		noise = -30
	}
	minDur := opts.MinDuration
	if minDur <= 0 {
		minDur = 0.5
	}

	args := []string{
		"-hide_banner",
		"-i", src,
		"-af", fmt.Sprintf("silencedetect=noise=%gdB:d=%g", noise, minDur),
		"-f", "null", "-",
	}

	// silencedetect reports on stderr.
	_, stderr, err := c.exec(ctx, c.ffmpeg(), args...)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: silencedetect: %w: %s", err, tail(stderr))
	}

	return ParseSilence(string(stderr)), nil
}

// ParseSilence extracts silence window midpoints from silencedetect output.
// Lines look like:
//
//	[silencedetect @ 0x...] silence_start: 12.34
//	[silencedetect @ 0x...] silence_end: 14.56 | silence_duration: 2.22
//
// An unterminated final window (stream ended mid-silence) is ignored.
func ParseSilence(output string) []float64 {
	var midpoints []float64
	start := -1.0

	for _, line := range strings.Split(output, "\n") {
		if idx := strings.Index(line, "silence_start:"); idx >= 0 {
			if v, ok := parseFirstFloat(line[idx+len("silence_start:"):]); ok {
				start = v
			}
			continue
		}
		if idx := strings.Index(line, "silence_end:"); idx >= 0 {
			v, ok := parseFirstFloat(line[idx+len("silence_end:"):])
			if ok && start >= 0 {
				midpoints = append(midpoints, (start+v)/2)
			}
			start = -1
		}
	}
	return midpoints
}

func parseFirstFloat(s string) (float64, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
