package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"agendasync/internal/domain"
	"agendasync/internal/logging"
	"agendasync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// maxErrorLen, in runes, keeps alerts well under Telegram's 4096 char limit.
const maxErrorLen = 1000

// TelegramNotifier alerts operators when a calendar job fails for good.
type TelegramNotifier struct {
	bot     domain.TelegramSender
	chatIDs []int64
	logger  zerolog.Logger
}

func NewTelegramNotifier(bot domain.TelegramSender, chatIDs []int64, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:     bot,
		chatIDs: chatIDs,
		logger:  logging.Component(logger, "telegram-alerts"),
	}
}

// NewTelegramNotifierFromToken connects to the Bot API.
func NewTelegramNotifierFromToken(token string, chatIDs []int64, logger *zerolog.Logger) (*TelegramNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return NewTelegramNotifier(bot, chatIDs, logger), nil
}

func (n *TelegramNotifier) NotifyJobFailed(ctx context.Context, job *models.SyncJob, errMsg string) error {
	if len(n.chatIDs) == 0 {
		return nil
	}

	text := FormatJobFailure(job, errMsg)
	var errs []error
	for _, chatID := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("alert not delivered")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// FormatJobFailure renders the plain-text alert body.
func FormatJobFailure(job *models.SyncJob, errMsg string) string {
	if utf8.RuneCountInString(errMsg) > maxErrorLen {
		errMsg = string([]rune(errMsg)[:maxErrorLen]) + "…"
	}

	var b strings.Builder
	b.WriteString("⚠️ Calendar sync failed\n\n")
	fmt.Fprintf(&b, "Reservation: %s\n", job.ReservationID)
	fmt.Fprintf(&b, "Action: %s\n", job.Action)
	fmt.Fprintf(&b, "Job: #%d, attempts: %d\n", job.ID, job.Attempts)
	fmt.Fprintf(&b, "Error: %s\n\n", errMsg)
	fmt.Fprintf(&b, "Retry: POST /admin/calendar-jobs/%d/retry", job.ID)
	return b.String()
}
