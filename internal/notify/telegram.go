package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// Telegram исходящий канал уведомлений оператору. Команды не принимает:
// только события риск-машины, остановки сеток и аварийные ситуации.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *utils.Logger
}

func NewTelegram(token string, chatID int64, logger *utils.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать telegram-бота: %w", err)
	}
	logger.Info("Telegram-уведомления авторизованы: @%s", bot.Self.UserName)
	return &Telegram{
		api:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

// RiskStateChanged уведомляет о смене риск-состояния
func (t *Telegram) RiskStateChanged(d domain.RiskDecision) {
	icon := "⚖️"
	switch d.State {
	case domain.RiskHalt:
		icon = "⛔"
	case domain.RiskCaution:
		icon = "⚠️"
	case domain.RiskNormal:
		icon = "✅"
	}
	text := fmt.Sprintf("%s Риск-состояние: *%s*", icon, d.State)
	if len(d.Reasons) > 0 {
		text += "\nПричины: " + strings.Join(d.Reasons, ", ")
	}
	if d.EntriesPaused {
		text += "\nВходы приостановлены"
	}
	if d.GridBuyPausedGlobal {
		text += "\nПокупки сеток приостановлены"
	}
	t.send(text)
}

// GridStopped уведомляет об остановке сетки
func (t *Telegram) GridStopped(symbol, reason string) {
	t.send(fmt.Sprintf("🛑 Сетка %s остановлена: %s", symbol, reason))
}

// Emergency уведомляет об аварийном событии
func (t *Telegram) Emergency(text string) {
	t.send("🚨 " + text)
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Warn("Не удалось отправить уведомление: %v", err)
	}
}
