// Package notify publishes push notifications to an ntfy-compatible server.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultServer is used when neither the reminder nor the settings name one.
const DefaultServer = "https://ntfy.sh"

// Sender issues one POST per notification. It does not retry or queue;
// success is the remote acknowledging with a 2xx status.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with a sane request timeout.
func NewSender() *Sender {
	return &Sender{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send publishes body to {server}/{topic} with title as metadata.
// Returns ok=true iff the server acknowledged with a 2xx status. The topic
// must be non-empty; resolving a missing topic is the caller's job.
func (s *Sender) Send(ctx context.Context, server, topic, title, body string) (bool, error) {
	if topic == "" {
		return false, fmt.Errorf("notify: empty topic")
	}
	if server == "" {
		server = DefaultServer
	}
	target := strings.TrimRight(server, "/") + "/" + url.PathEscape(topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", "default")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("notify: post %s: %w", target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
