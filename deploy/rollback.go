package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/rollout/environment"
)

// ExternalRollback escalates when neither environment can take traffic.
type ExternalRollback interface {
	TriggerExternalRollback(ctx context.Context, reason string) error
}

// LogRollback only logs the escalation.
type LogRollback struct {
	Logger *slog.Logger
}

func (l LogRollback) TriggerExternalRollback(_ context.Context, reason string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("external rollback required", "reason", reason)
	return nil
}

// RollbackRequest is the JSON body posted by WebhookRollback.
type RollbackRequest struct {
	Reason      string           `json:"reason"`
	Environment environment.Name `json:"environment"`
	At          time.Time        `json:"at"`
}

// WebhookRollback posts a RollbackRequest to URL. Any 2xx response counts
// as delivered.
type WebhookRollback struct {
	url    string
	client *http.Client
	active func() environment.Name
	now    func() time.Time
}

// NewWebhookRollback creates a WebhookRollback. active reports the
// environment named in the request; it may be nil.
func NewWebhookRollback(url string, active func() environment.Name) *WebhookRollback {
	return &WebhookRollback{
		url: url,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		active: active,
		now:    time.Now,
	}
}

func (w *WebhookRollback) TriggerExternalRollback(ctx context.Context, reason string) error {
	body := RollbackRequest{Reason: reason, At: w.now().UTC()}
	if w.active != nil {
		body.Environment = w.active()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode rollback request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build rollback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post rollback webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rollback webhook returned %s", resp.Status)
	}
	return nil
}
