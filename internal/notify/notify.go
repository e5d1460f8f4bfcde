// Package notify delivers FXIFY risk alerts to the terminal and to webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Kind is the subject of a notification.
type Kind string

const (
	KindDrawdown   Kind = "drawdown"
	KindViolation  Kind = "violation"
	KindConnection Kind = "connection"
)

// Priority orders notifications for filtering. Higher is more urgent.
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityWarning
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityWarning:
		return "warning"
	case PriorityCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParsePriority maps a config level name to a Priority. Unknown names map to
// PriorityInfo.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "warning":
		return PriorityWarning
	case "critical":
		return PriorityCritical
	default:
		return PriorityInfo
	}
}

// Notification represents a notification message.
type Notification struct {
	Kind      Kind
	Priority  Priority
	Title     string
	Message   string
	Broker    string
	Symbol    string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Channel is one delivery target inside a MultiNotifier.
type Channel interface {
	Sender
	Name() string
}

// MultiNotifier fans a notification out to every channel at or above the
// minimum priority.
type MultiNotifier struct {
	mu       sync.RWMutex
	channels []Channel
	min      Priority
}

// NewMultiNotifier creates a notifier that drops anything below min.
func NewMultiNotifier(min Priority, channels ...Channel) *MultiNotifier {
	return &MultiNotifier{channels: channels, min: min}
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch Channel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Send sends a notification to all channels. One failing channel does not
// stop the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if n.Priority < mn.min {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WebhookNotifier posts notifications as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook channel for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// Send sends a notification via webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	payload := map[string]interface{}{
		"kind":      n.Kind,
		"priority":  n.Priority.String(),
		"title":     n.Title,
		"message":   n.Message,
		"timestamp": n.Timestamp.UTC().Format(time.RFC3339),
	}
	if n.Broker != "" {
		payload["broker"] = n.Broker
	}
	if n.Symbol != "" {
		payload["symbol"] = n.Symbol
	}
	if len(n.Data) > 0 {
		payload["data"] = n.Data
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "FXIFYTrader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
