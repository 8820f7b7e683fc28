// Package chat provides a client for the outbound chat notification service.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the chat delivery operations.
type Client interface {
	// SendMessage posts a text message to the recipient. The returned status
	// code is the service's HTTP status, or 0 when the request never reached
	// the service.
	SendMessage(ctx context.Context, recipient, text string) (int, error)
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// Option configures the chat client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a new chat service client. Retries are the caller's
// responsibility; the client reports each attempt's outcome as-is.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://chat.watchtower.dev",
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SendMessage(ctx context.Context, recipient, text string) (int, error) {
	payload, err := json.Marshal(sendRequest{Recipient: recipient, Text: text})
	if err != nil {
		return 0, eris.Wrap(err, "chat: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return 0, eris.Wrap(err, "chat: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "chat: send message")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, eris.Errorf("chat: status %d: %s", resp.StatusCode, string(body))
	}
	return resp.StatusCode, nil
}
