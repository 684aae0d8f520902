package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is the outcome of one delivery attempt as reported by the provider.
// Delivery failures are data, not errors: the caller inspects Success.
type Result struct {
	Success      bool
	ProviderID   string
	Status       string
	Cost         *float64
	ErrorCode    string
	ErrorMessage string
}

// Client submits single send requests to an HTTP delivery provider.
// Each call is independent and bounded by the client timeout.
type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	MessageID    string   `json:"messageId"`
	Status       string   `json:"status"`
	Price        *float64 `json:"price"`
	ErrorCode    string   `json:"errorCode"`
	ErrorMessage string   `json:"errorMessage"`
}

func (c *Client) Send(ctx context.Context, to, body string) Result {
	reqBody, err := json.Marshal(sendRequest{To: to, Body: body})
	if err != nil {
		return failure("", fmt.Sprintf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return failure("", fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return failure("", fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return failure("", fmt.Sprintf("failed to decode response: %v body=%q", err, string(raw)))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		code := sr.ErrorCode
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		msg := sr.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(raw))
		}
		return failure(code, msg)
	}

	if sr.MessageID == "" {
		return failure("", fmt.Sprintf("missing messageId in response body=%q", string(raw)))
	}

	status := sr.Status
	if status == "" {
		status = "queued"
	}

	return Result{
		Success:    true,
		ProviderID: sr.MessageID,
		Status:     status,
		Cost:       sr.Price,
	}
}

func failure(code, msg string) Result {
	return Result{
		Success:      false,
		Status:       "failed",
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}
