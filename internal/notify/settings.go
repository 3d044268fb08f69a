package notify

import (
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/config"
)

// FromSettings wires the standard newsroom routing: Telegram carries
// breaking alerts, Slack carries quality and ops. Unconfigured channels
// are simply not routed; Dispatch logs instead.
func FromSettings(s *config.Settings, log *zap.Logger) *Dispatcher {
	d := NewDispatcher(log)
	if s.TelegramBotToken != "" && s.TelegramChatID != "" {
		d.Route(NewTelegram(s.TelegramBotToken, s.TelegramChatID), SeverityBreaking)
	}
	if s.SlackWebhookURL != "" {
		slack := NewSlack(s.SlackWebhookURL)
		d.Route(slack, SeverityQuality, SeverityOps)
	}
	return d
}
