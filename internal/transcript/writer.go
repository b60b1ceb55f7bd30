// Package transcript persists conversation transcripts to the backend's
// write endpoint.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Writer posts rendered transcripts keyed by correlation id. It satisfies
// the session's transcript sink.
type Writer struct {
	endpoint string
	client   *http.Client
}

func NewWriter(endpoint string) *Writer {
	return &Writer{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

func (w *Writer) Write(ctx context.Context, id, transcript string) error {
	payload, _ := json.Marshal(struct {
		ID         string `json:"id"`
		Transcript string `json:"transcript"`
	}{ID: id, Transcript: transcript})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build transcript request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("transcript endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
