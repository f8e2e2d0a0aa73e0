package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier delivers human-readable events (zone started, zone completed, rain
// delay activated) to the operator. The controllers emit events; rendering is
// up to the sink.
type Notifier interface {
	Send(title, message string) error
}

// Noop discards every notification. Used when no sink is configured.
type Noop struct{}

func (Noop) Send(title, message string) error { return nil }

// Multi fans one notification out to several sinks. Every sink is attempted;
// the first error is returned.
type Multi []Notifier

func (m Multi) Send(title, message string) error {
	var first error
	for _, n := range m {
		if err := n.Send(title, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NtfyClient pushes notifications to an ntfy.sh topic.
type NtfyClient struct {
	client  *http.Client
	baseURL string
	topic   string
}

func NewNtfy(topic string) *NtfyClient {
	return &NtfyClient{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://ntfy.sh",
		topic:   topic,
	}
}

func (c *NtfyClient) Send(title, message string) error {
	payload := map[string]interface{}{
		"topic":   c.topic,
		"title":   title,
		"message": message,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/"+c.topic, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}
