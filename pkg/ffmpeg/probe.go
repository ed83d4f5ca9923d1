package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// ProbeResult contains media file metadata.
type ProbeResult struct {
	Width      int
	Height     int
	FPS        float64
	VideoCodec string
	AudioCodec string

	Duration   float64 // seconds
	Size       int64   // bytes
	FormatName string

	// Raw JSON from ffprobe (complete output)
	RawJSON json.RawMessage
}

// ffprobeOutput matches ffprobe JSON output structure.
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe runs ffprobe on a file and returns metadata.
func (c *Client) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	args := []string{
		"-hide_banner",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	stdout, stderr, err := c.exec(ctx, c.ffprobe(), args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, tail(stderr))
	}

	return parseProbeOutput(stdout)
}

func parseProbeOutput(raw []byte) (*ProbeResult, error) {
	var output ffprobeOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, fmt.Errorf("ffprobe: failed to parse output: %w", err)
	}

	result := &ProbeResult{
		FormatName: output.Format.FormatName,
		RawJSON:    append(json.RawMessage(nil), raw...),
	}
	if output.Format.Duration != "" {
		result.Duration, _ = strconv.ParseFloat(output.Format.Duration, 64)
	}
	if output.Format.Size != "" {
		result.Size, _ = strconv.ParseInt(output.Format.Size, 10, 64)
	}

	for _, stream := range output.Streams {
		switch stream.CodecType {
		case "video":
			// Only take first video stream metadata
			if result.VideoCodec == "" {
				result.Width = stream.Width
				result.Height = stream.Height
				result.VideoCodec = stream.CodecName
				result.FPS = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = stream.CodecName
			}
		}
	}

	return result, nil
}

// parseFrameRate parses ffprobe frame rate format (e.g., "30/1" or "30000/1001").
func parseFrameRate(rate string) float64 {
	var num, den int
	_, err := fmt.Sscanf(rate, "%d/%d", &num, &den)
	if err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
