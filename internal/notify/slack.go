package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlack builds a Slack webhook notifier.
func NewSlack(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, msg Message) error {
	var fields []slack.AttachmentField
	for k, v := range msg.Fields {
		fields = append(fields, slack.AttachmentField{Title: k, Value: v, Short: true})
	}
	wm := &slack.WebhookMessage{
		Text: msg.Title,
		Attachments: []slack.Attachment{{
			Color:  severityColor(msg.Severity),
			Text:   msg.Body,
			Fields: fields,
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, wm); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func severityColor(s Severity) string {
	switch s {
	case SeverityBreaking:
		return "danger"
	case SeverityQuality:
		return "warning"
	default:
		return "#439FE0"
	}
}
