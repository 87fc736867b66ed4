// Package notify delivers terminal task outcomes to an external webhook.
// Delivery is fire-and-forget with bounded retries; it never blocks the
// scheduler.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/murmur-labs/scribed/internal/logger"
	"github.com/murmur-labs/scribed/pkg/task"
)

// Config controls webhook delivery.
type Config struct {
	// URL is the webhook endpoint. Empty disables notification.
	URL string

	// Secret, when set, is sent as a bearer token.
	Secret string

	// Timeout bounds one delivery attempt. Default: 10 seconds.
	Timeout time.Duration

	// MaxAttempts is the total number of delivery attempts. Default: 3.
	MaxAttempts int

	// Backoff is the delay between attempts. Default: 2 seconds.
	Backoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
}

// payload is the webhook request body.
type payload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Task      task.Snapshot `json:"task"`
}

// Webhook posts task outcomes to a configured endpoint.
type Webhook struct {
	cfg    Config
	client *http.Client

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWebhook creates a webhook notifier. A nil return means notification is
// disabled (no URL configured).
func NewWebhook(cfg Config) *Webhook {
	if cfg.URL == "" {
		return nil
	}
	cfg.applyDefaults()
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		stopCh: make(chan struct{}),
	}
}

// TaskFinished implements task.Notifier. Delivery happens on a background
// goroutine.
func (w *Webhook) TaskFinished(snap task.Snapshot) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(snap)
	}()
}

// Close waits for in-flight deliveries and stops retrying.
func (w *Webhook) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Webhook) deliver(snap task.Snapshot) {
	body, err := json.Marshal(payload{
		Event:     "task." + string(snap.Status),
		Timestamp: time.Now().UTC(),
		Task:      snap,
	})
	if err != nil {
		logger.Warn("webhook payload encoding failed", logger.Err(err))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(w.cfg.Backoff):
			case <-w.stopCh:
				return
			}
		}

		if lastErr = w.post(body); lastErr == nil {
			logger.Debug("webhook delivered",
				logger.TaskID(snap.TaskID),
				logger.KeyStatus, string(snap.Status),
				logger.KeyAttempt, attempt)
			return
		}
	}

	logger.Warn("webhook delivery gave up",
		logger.TaskID(snap.TaskID),
		logger.KeyMaxRetries, w.cfg.MaxAttempts,
		logger.Err(lastErr))
}

func (w *Webhook) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}

var _ task.Notifier = (*Webhook)(nil)
