// Package notify pushes terminal execution events to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"govex/internal/core"
)

// Notifier receives executions that reached a terminal status.
type Notifier interface {
	ExecutionFinished(task *core.Task, exec *core.TaskExecution)
}

// WebhookNotifier POSTs a JSON payload for failed and cancelled
// executions. Successful runs are not reported.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type webhookPayload struct {
	TaskID      string `json:"task_id"`
	TaskName    string `json:"task_name"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func (n *WebhookNotifier) ExecutionFinished(task *core.Task, exec *core.TaskExecution) {
	if exec.Status == core.ExecutionStatusSucceeded {
		return
	}
	payload := webhookPayload{
		TaskID:      task.ID,
		TaskName:    task.Name,
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
		Result:      exec.Result,
	}
	if exec.CompletedAt != nil {
		payload.CompletedAt = exec.CompletedAt.Format(time.RFC3339)
	}
	if err := n.post(payload); err != nil {
		n.logger.Warn("webhook notification failed",
			"url", n.url, "execution_id", exec.ID, "error", err)
	}
}

func (n *WebhookNotifier) post(payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
