package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chain-sentinel/internal/schema"
)

// Runner executes one kind of action. Each action is a discrete,
// independently failing side effect; the engine isolates failures so one
// failed action never blocks the next.
type Runner interface {
	Name() string
	Run(ctx context.Context, spec ActionSpec, fire *Firing) error
}

// Firing carries the context of a trigger match to its actions.
type Firing struct {
	Trigger     *Trigger               `json:"trigger"`
	Transaction *schema.Transaction    `json:"transaction"`
	Assessment  *schema.RiskAssessment `json:"assessment"`
	Matched     []string               `json:"matched_conditions"`
	At          time.Time              `json:"at"`
}

// Notifier receives in-process notifications from notify actions. The
// alerting layer of the embedding service implements it.
type Notifier interface {
	Notify(ctx context.Context, fire *Firing) error
}

// NotifyRunner forwards firings to a Notifier.
type NotifyRunner struct {
	notifier Notifier
}

// NewNotifyRunner creates a notify action runner. notifier may be nil, in
// which case the action degrades to a log line.
func NewNotifyRunner(notifier Notifier) *NotifyRunner {
	return &NotifyRunner{notifier: notifier}
}

func (r *NotifyRunner) Name() string { return string(ActionNotify) }

func (r *NotifyRunner) Run(ctx context.Context, spec ActionSpec, fire *Firing) error {
	if r.notifier == nil {
		slog.Info("trigger notification",
			"trigger_id", fire.Trigger.ID,
			"tx", fire.Transaction.Hash,
			"score", fire.Assessment.Score)
		return nil
	}
	return r.notifier.Notify(ctx, fire)
}

// WebhookRunner posts a templated JSON payload to an external URL. The call
// is bounded by the client timeout and retried with backoff.
type WebhookRunner struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewWebhookRunner creates a webhook action runner.
func NewWebhookRunner(timeout time.Duration) *WebhookRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookRunner{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
	}
}

func (r *WebhookRunner) Name() string { return string(ActionWebhook) }

func (r *WebhookRunner) Run(ctx context.Context, spec ActionSpec, fire *Firing) error {
	url := spec.Config["url"]

	var payload []byte
	if tmpl := spec.Config["template"]; tmpl != "" {
		payload = []byte(expandTemplate(tmpl, fire))
	} else {
		var err error
		payload, err = json.Marshal(fire)
		if err != nil {
			return fmt.Errorf("failed to marshal webhook payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			}
		}
		lastErr = r.post(ctx, url, spec.Config, payload)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", r.maxRetries+1, lastErr)
}

func (r *WebhookRunner) post(ctx context.Context, url string, cfg map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg {
		if name, ok := strings.CutPrefix(k, "header_"); ok {
			req.Header.Set(name, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// expandTemplate substitutes firing fields into a payload template.
// Supported placeholders: {{tx_hash}}, {{chain}}, {{from}}, {{to}},
// {{value}}, {{risk_score}}, {{trigger_id}}, {{trigger_name}}.
func expandTemplate(tmpl string, fire *Firing) string {
	value := "0"
	if fire.Transaction.Value != nil {
		value = fire.Transaction.Value.String()
	}
	repl := strings.NewReplacer(
		"{{tx_hash}}", fire.Transaction.Hash,
		"{{chain}}", fire.Transaction.Chain,
		"{{from}}", fire.Transaction.From,
		"{{to}}", fire.Transaction.To,
		"{{value}}", value,
		"{{risk_score}}", fmt.Sprintf("%d", fire.Assessment.Score),
		"{{trigger_id}}", fire.Trigger.ID,
		"{{trigger_name}}", fire.Trigger.Name,
	)
	return repl.Replace(tmpl)
}

// LogRunner writes a structured log entry for the firing.
type LogRunner struct{}

func (LogRunner) Name() string { return string(ActionLog) }

func (LogRunner) Run(ctx context.Context, spec ActionSpec, fire *Firing) error {
	slog.Warn("trigger fired",
		"trigger_id", fire.Trigger.ID,
		"trigger_name", fire.Trigger.Name,
		"tx", fire.Transaction.Hash,
		"chain", fire.Transaction.Chain,
		"score", fire.Assessment.Score,
		"matched", strings.Join(fire.Matched, ", "))
	return nil
}

// AlertSink receives raised alerts from alert actions.
type AlertSink interface {
	RaiseAlert(ctx context.Context, fire *Firing) error
}

// AlertRunner raises an alert through the configured sink.
type AlertRunner struct {
	sink AlertSink
}

// NewAlertRunner creates an alert action runner. sink may be nil, in which
// case the alert is logged at error level.
func NewAlertRunner(sink AlertSink) *AlertRunner {
	return &AlertRunner{sink: sink}
}

func (r *AlertRunner) Name() string { return string(ActionAlert) }

func (r *AlertRunner) Run(ctx context.Context, spec ActionSpec, fire *Firing) error {
	if r.sink == nil {
		slog.Error("trigger alert",
			"trigger_id", fire.Trigger.ID,
			"tx", fire.Transaction.Hash,
			"score", fire.Assessment.Score,
			"suspicious", fire.Assessment.Suspicious)
		return nil
	}
	return r.sink.RaiseAlert(ctx, fire)
}
