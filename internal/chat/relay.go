package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RelayTransport delivers messages and topic updates by POSTing them to
// the chat bridge webhook.
type RelayTransport struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewRelayTransport creates a transport for the bridge at baseURL.
func NewRelayTransport(baseURL string, logger *zap.Logger) *RelayTransport {
	return &RelayTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// SendMessage posts a message to the named channel via the bridge.
func (t *RelayTransport) SendMessage(ctx context.Context, channel, message string) error {
	return t.post(ctx, "/message", map[string]string{
		"channel": channel,
		"message": message,
	})
}

// SetTopic replaces the named channel's topic via the bridge.
func (t *RelayTransport) SetTopic(ctx context.Context, channel, topic string) error {
	return t.post(ctx, "/topic", map[string]string{
		"channel": channel,
		"topic":   topic,
	})
}

func (t *RelayTransport) post(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode relay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay returned status %d for %s", resp.StatusCode, path)
	}
	return nil
}

// LogTransport writes outbound chat traffic to the log instead of
// delivering it. It stands in for the bridge when no relay is configured.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

// SendMessage logs the message.
func (t *LogTransport) SendMessage(_ context.Context, channel, message string) error {
	t.logger.Info("Chat message (no relay configured)",
		zap.String("channel", channel),
		zap.String("message", message),
	)
	return nil
}

// SetTopic logs the topic update.
func (t *LogTransport) SetTopic(_ context.Context, channel, topic string) error {
	t.logger.Info("Chat topic (no relay configured)",
		zap.String("channel", channel),
		zap.String("topic", topic),
	)
	return nil
}
