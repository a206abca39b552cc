package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramAlerter pushes operator alerts to the on-call Telegram
// chats. Info-level alerts stay in the service log; only warnings and
// above page.
type TelegramAlerter struct {
	api      *tgbotapi.BotAPI
	chatIDs  []int64
	minLevel Severity
}

// NewTelegramAlerter creates a Telegram-based alerter
func NewTelegramAlerter(botToken string, chatIDs []int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	log.Info().
		Str("bot_username", api.Self.UserName).
		Int("chat_count", len(chatIDs)).
		Msg("Telegram alerter initialized")

	return &TelegramAlerter{
		api:      api,
		chatIDs:  chatIDs,
		minLevel: SeverityWarning,
	}, nil
}

// Send delivers the alert to every configured chat. It fails only when
// no chat accepted the message.
func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	if severityRank(alert.Severity) < severityRank(t.minLevel) {
		return nil
	}
	if len(t.chatIDs) == 0 {
		log.Warn().Msg("No Telegram chat IDs configured, skipping alert")
		return nil
	}

	message := t.formatAlert(alert)

	var lastErr error
	sent := 0
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, message)
		msg.ParseMode = "Markdown"

		if _, err := t.api.Send(msg); err != nil {
			log.Error().
				Err(err).
				Int64("chat_id", chatID).
				Str("alert", alert.Title).
				Msg("Failed to send Telegram alert")
			lastErr = err
			continue
		}
		sent++
	}

	if sent == 0 && lastErr != nil {
		return fmt.Errorf("failed to send alert to any chat: %w", lastErr)
	}

	log.Debug().
		Int("sent", sent).
		Int("chats", len(t.chatIDs)).
		Str("alert", alert.Title).
		Msg("Telegram alert sent")

	return nil
}

// formatAlert renders the alert as Telegram markdown
func (t *TelegramAlerter) formatAlert(alert Alert) string {
	message := fmt.Sprintf("*[%s] %s*\n\n%s", alert.Severity, alert.Title, alert.Message)

	if len(alert.Metadata) > 0 {
		message += "\n"
		for key, value := range alert.Metadata {
			message += fmt.Sprintf("\n• %s: `%v`", key, value)
		}
	}

	message += fmt.Sprintf("\n\n_%s UTC_", alert.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	return message
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
