// Package slack announces incident resolutions to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coldwatch/internal/bus"
	"github.com/linnemanlabs/coldwatch/internal/incident"
)

const httpTimeout = 10 * time.Second

// IncidentSource looks up the full incident behind a resolution event.
type IncidentSource interface {
	Get(ctx context.Context, id int64) (*incident.Incident, bool, error)
}

// Notifier sends incident notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Watch consumes the subscription and posts a message for every resolved
// incident. It returns when the subscription or the context ends.
func (n *Notifier) Watch(ctx context.Context, sub *bus.Subscription, src IncidentSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type != bus.TypeResolved {
				continue
			}
			rp, ok := ev.Payload.(bus.ResolutionPayload)
			if !ok {
				continue
			}

			inc, ok, err := src.Get(ctx, rp.ID)
			if err != nil || !ok {
				n.logger.Error(ctx, err, "failed to fetch resolved incident for notification", "incident_id", rp.ID)
				continue
			}
			if err := n.Send(ctx, inc); err != nil {
				n.logger.Error(ctx, err, "failed to send slack notification", "incident_id", rp.ID)
			}
		}
	}
}

// Send posts an incident summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, inc *incident.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(inc))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(inc *incident.Incident) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inc),
			{"type": "divider"},
			fieldsBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func headerBlock(inc *incident.Incident) map[string]any {
	emoji := "\U0001f7e2" // green circle
	title := "Incident Resolved"
	switch inc.State {
	case incident.StateEscalated:
		emoji = "\U0001f534" // red circle
		title = "Incident Escalated"
	case incident.StateFailed:
		emoji = "\U0001f534"
		title = "Incident Failed"
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: pallet %d", emoji, title, inc.ID),
		},
	}
}

func fieldsBlock(inc *incident.Incident) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*State:* %s", inc.State)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Region:* %s", inc.Region)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Temperature:* %.1f°C", inc.Alert.Temp)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Rounds:* %d", inc.Round)},
	}
	if inc.Plan != nil {
		fields = append(fields,
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Strategy:* %s", inc.Plan.Strategy)},
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %.2f", inc.Plan.Confidence)},
		)
	}
	if inc.CostAvoided > 0 {
		fields = append(fields,
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Cost avoided:* $%d", inc.CostAvoided)},
		)
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	ts := inc.ResolvedAt
	if ts.IsZero() {
		ts = inc.UpdatedAt
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("coldwatch • incident %d • %s", inc.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}
