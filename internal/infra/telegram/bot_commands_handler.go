// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// BotCommands answers /start and /help for everyone.
type BotCommands struct {
	adminID int64
	logger  *logrus.Entry
}

func NewBotCommands(adminTelegramID int64, baseLogger *logrus.Entry) *BotCommands {
	return &BotCommands{
		adminID: adminTelegramID,
		logger:  baseLogger.WithField("handler_group", "start_help"),
	}
}

func (bc *BotCommands) Register(b *telebot.Bot) {
	b.Handle("/start", bc.start)
	b.Handle("/help", bc.help)
}

func (bc *BotCommands) start(c telebot.Context) error {
	senderID := c.Sender().ID
	logCtx := bc.logger.WithField("command", "/start").WithField("sender_id", senderID)
	logCtx.Info("Processing /start command")

	if senderID == bc.adminID {
		return c.Send(fmt.Sprintf("Hi %s! Poll status updates will appear here. Use /help for the command list.", c.Sender().FirstName))
	}
	return c.Send("Hi! This bot reports poll status changes to its operator.")
}

func (bc *BotCommands) help(c telebot.Context) error {
	senderID := c.Sender().ID
	logCtx := bc.logger.WithField("command", "/help").WithField("sender_id", senderID)
	logCtx.Info("Processing /help command")

	if senderID != bc.adminID {
		return c.Send("There are no commands available for you.")
	}

	var helpText strings.Builder
	helpText.WriteString("Admin commands:\n\n")
	helpText.WriteString("`/armed`\n - Show the transition the timer is armed for.\n\n")
	helpText.WriteString("`/catchup`\n - Apply overdue transitions now and re-arm.\n\n")
	helpText.WriteString("`/poll <id>`\n - Show a poll and its transitions.\n\n")
	helpText.WriteString("`/polls [NOT_STARTED|STARTED|FINISHED]`\n - List polls, all of them by default.\n\n")
	helpText.WriteString("`/new_poll <start> <end> <question>`\n - Create a poll. Dates look like 2025-06-01T10:00.\n\n")
	helpText.WriteString("`/reschedule_poll <id> <start> <end>`\n - Move a poll that has not started.\n\n")
	helpText.WriteString("`/delete_poll <id>`\n - Delete a poll.\n\n")
	helpText.WriteString("`/help`\n - Show this message.")
	return c.Send(helpText.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
}
