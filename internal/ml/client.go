// Package ml talks to the model server that backs clip enrichment: topic
// extraction, text embeddings, and the optional title and scoring models.
package ml

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return fmt.Errorf("ml: %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Topics extracts topic names from a transcript.
func (c *Client) Topics(ctx context.Context, transcript string) ([]string, error) {
	var out struct {
		Topics []string `json:"topics"`
	}
	if err := c.post(ctx, "/topics", map[string]string{"transcript": transcript}, &out); err != nil {
		return nil, err
	}
	return out.Topics, nil
}

// EmbedText returns the text embedding packed as little-endian float32
// bytes, plus the producing model's version.
func (c *Client) EmbedText(ctx context.Context, text string) ([]byte, string, error) {
	var out struct {
		Embedding    []float32 `json:"embedding"`
		ModelVersion string    `json:"model_version"`
	}
	if err := c.post(ctx, "/embeddings", map[string]string{"text": text}, &out); err != nil {
		return nil, "", err
	}
	if len(out.Embedding) == 0 {
		return nil, "", fmt.Errorf("ml: empty embedding")
	}
	return packFloats(out.Embedding), out.ModelVersion, nil
}

// Title asks the title model for a clip title.
func (c *Client) Title(ctx context.Context, transcript string) (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	if err := c.post(ctx, "/title", map[string]string{"transcript": transcript}, &out); err != nil {
		return "", err
	}
	return out.Title, nil
}

// Score rates how engaging a transcript is, in [0, 1].
func (c *Client) Score(ctx context.Context, transcript string) (float64, error) {
	var out struct {
		Score float64 `json:"score"`
	}
	if err := c.post(ctx, "/score", map[string]string{"transcript": transcript}, &out); err != nil {
		return 0, err
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, fmt.Errorf("ml: score %v out of range", out.Score)
	}
	return out.Score, nil
}

func packFloats(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
