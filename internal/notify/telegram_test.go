package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"agendasync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTelegramSender struct {
	mock.Mock
}

func (m *mockTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func failedJob() *models.SyncJob {
	return &models.SyncJob{ID: 17, ReservationID: "R1", Action: models.SyncActionCreate, Attempts: 5}
}

func TestTelegramNotifier_NotifyJobFailed(t *testing.T) {
	sender := new(mockTelegramSender)
	n := NewTelegramNotifier(sender, []int64{100, 200}, nil)

	for _, chatID := range []int64{100, 200} {
		chatID := chatID
		sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && msg.ChatID == chatID && strings.Contains(msg.Text, "R1")
		})).Return(tgbotapi.Message{}, nil).Once()
	}

	err := n.NotifyJobFailed(context.Background(), failedJob(), "calendar down")
	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestTelegramNotifier_PartialFailure(t *testing.T) {
	sender := new(mockTelegramSender)
	n := NewTelegramNotifier(sender, []int64{100, 200}, nil)

	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		return c.(tgbotapi.MessageConfig).ChatID == 100
	})).Return(tgbotapi.Message{}, errors.New("forbidden")).Once()
	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		return c.(tgbotapi.MessageConfig).ChatID == 200
	})).Return(tgbotapi.Message{}, nil).Once()

	err := n.NotifyJobFailed(context.Background(), failedJob(), "calendar down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 100")
	sender.AssertExpectations(t)
}

func TestTelegramNotifier_NoChats(t *testing.T) {
	sender := new(mockTelegramSender)
	n := NewTelegramNotifier(sender, nil, nil)

	assert.NoError(t, n.NotifyJobFailed(context.Background(), failedJob(), "x"))
	sender.AssertNotCalled(t, "Send", mock.Anything)
}

func TestFormatJobFailure(t *testing.T) {
	text := FormatJobFailure(failedJob(), strings.Repeat("e", 2000))

	assert.Contains(t, text, "Job: #17, attempts: 5")
	assert.Contains(t, text, "Action: create")
	assert.Contains(t, text, "/admin/calendar-jobs/17/retry")
	assert.Less(t, len(text), 1200)
}

func TestFormatJobFailure_MultiByteTruncation(t *testing.T) {
	// one ASCII byte shifts every 2-byte rune off a byte-slice boundary
	msg := "x" + strings.Repeat("é", 1500)
	text := FormatJobFailure(failedJob(), msg)

	assert.True(t, utf8.ValidString(text))
	assert.Contains(t, text, "x"+strings.Repeat("é", maxErrorLen-1)+"…")
	assert.NotContains(t, text, strings.Repeat("é", maxErrorLen))
}

func TestNewTelegramNotifierFromToken_Empty(t *testing.T) {
	_, err := NewTelegramNotifierFromToken("", []int64{1}, nil)
	assert.Error(t, err)
}
