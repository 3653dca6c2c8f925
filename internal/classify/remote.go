package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onebox-labs/onebox/internal/models"
)

// RemoteClassifier calls an external model over HTTP and falls back to the
// keyword scan when the model is unreachable or answers off-label.
type RemoteClassifier struct {
	url    string
	client *http.Client
}

func NewRemoteClassifier(url string, timeout time.Duration) *RemoteClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteClassifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from"`
}

type classifyResponse struct {
	Category string `json:"category"`
}

func (c *RemoteClassifier) Classify(ctx context.Context, in Input) models.Category {
	if c.url == "" {
		return Fallback(in)
	}

	category, err := c.callRemote(ctx, classifyRequest{
		Subject: truncate(in.Subject, maxSubjectLen),
		Body:    truncate(in.Body, maxBodyLen),
		From:    in.From,
	})
	if err != nil {
		slog.Warn("remote classification failed, using fallback", "error", err)
		return Fallback(in)
	}

	if parsed, ok := models.ParseCategory(category); ok {
		return parsed
	}
	return Fallback(in)
}

func (c *RemoteClassifier) callRemote(ctx context.Context, reqBody classifyRequest) (string, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var out classifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return out.Category, nil
}
