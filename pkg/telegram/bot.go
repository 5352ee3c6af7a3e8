package telegram

import (
	"context"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/metrics"
	"github.com/psantana5/cf-reminder/pkg/models"
	"github.com/psantana5/cf-reminder/pkg/reminder"
)

// Commands is the menu registered with Telegram
var Commands = []tgbotapi.BotCommand{
	{Command: "start", Description: "Welcome message and basic info"},
	{Command: "subscribe", Description: "Subscribe to contest reminders"},
	{Command: "unsubscribe", Description: "Unsubscribe from reminders"},
	{Command: "upcoming", Description: "Show upcoming contests"},
	{Command: "help", Description: "Show help message"},
}

// Service is what the bot needs from the reminder service
type Service interface {
	Subscribe(ctx context.Context, chatID int64) (bool, error)
	Unsubscribe(chatID int64) (bool, error)
	Upcoming(ctx context.Context, limit int) ([]models.Contest, error)
	Intervals() []models.ReminderInterval
	UpcomingLimit() int
}

// Option configures a Bot
type Option func(*Bot)

// WithLogger sets the bot logger
func WithLogger(l *logging.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithMetrics counts handled commands
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bot) { b.metrics = m }
}

// WithHandlerTimeout bounds the time spent on one update (default: 2m)
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bot) { b.handlerTimeout = d }
}

// Bot long-polls for updates and answers commands
type Bot struct {
	api     API
	sender  *Sender
	service Service

	logger         *logging.Logger
	metrics        *metrics.Metrics
	pollTimeout    int
	handlerTimeout time.Duration

	wg sync.WaitGroup
}

// NewBot creates a bot
func NewBot(api API, sender *Sender, service Service, opts ...Option) *Bot {
	b := &Bot{
		api:            api,
		sender:         sender,
		service:        service,
		logger:         logging.Nop(),
		pollTimeout:    60,
		handlerTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Component("bot")
	return b
}

// RegisterCommands publishes the command menu
func (b *Bot) RegisterCommands() error {
	_, err := b.api.Request(tgbotapi.NewSetMyCommands(Commands...))
	return err
}

// Run polls updates until ctx is cancelled, then waits for in-flight handlers
func (b *Bot) Run(ctx context.Context) error {
	if err := b.RegisterCommands(); err != nil {
		b.logger.Error("Failed to set bot commands", logging.Fields{"error": err})
	} else {
		b.logger.Info("Bot commands set")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Polling for updates")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			b.logger.Info("Stopped polling")
			return nil
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			b.wg.Add(1)
			go func(update tgbotapi.Update) {
				defer b.wg.Done()
				// Handlers finish their reply even while shutting down
				hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.handlerTimeout)
				defer cancel()
				b.HandleUpdate(hctx, update)
			}(update)
		}
	}
}

// HandleUpdate routes a single update. Edited messages and plain text are ignored.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	command := msg.Command()
	log := b.logger.WithFields(logging.Fields{"chat_id": chatID, "command": command})
	log.Debug("Command received")

	label := command
	switch command {
	case "start":
		b.reply(ctx, log, chatID, reminder.WelcomeText(mention(msg.From), models.ReminderLabels(b.service.Intervals())), true)
	case "help":
		b.reply(ctx, log, chatID, reminder.HelpText, false)
	case "subscribe":
		b.subscribe(ctx, log, chatID)
	case "unsubscribe":
		b.unsubscribe(ctx, log, chatID)
	case "upcoming":
		b.upcoming(ctx, log, chatID)
	default:
		label = "unknown"
		b.reply(ctx, log, chatID, reminder.MsgUnknownCommand, false)
	}

	if b.metrics != nil {
		b.metrics.CommandsHandled.WithLabelValues(label).Inc()
	}
}

func (b *Bot) subscribe(ctx context.Context, log *logging.Logger, chatID int64) {
	added, err := b.service.Subscribe(ctx, chatID)
	switch {
	case err != nil:
		log.Error("Subscribe failed", logging.Fields{"error": err})
		b.reply(ctx, log, chatID, reminder.MsgFailure, false)
	case added:
		b.reply(ctx, log, chatID, reminder.MsgSubscribed, false)
	default:
		b.reply(ctx, log, chatID, reminder.MsgAlreadySubscribed, false)
	}
}

func (b *Bot) unsubscribe(ctx context.Context, log *logging.Logger, chatID int64) {
	removed, err := b.service.Unsubscribe(chatID)
	switch {
	case err != nil:
		log.Error("Unsubscribe failed", logging.Fields{"error": err})
		b.reply(ctx, log, chatID, reminder.MsgFailure, false)
	case removed:
		b.reply(ctx, log, chatID, reminder.MsgUnsubscribed, false)
	default:
		b.reply(ctx, log, chatID, reminder.MsgNotSubscribed, false)
	}
}

func (b *Bot) upcoming(ctx context.Context, log *logging.Logger, chatID int64) {
	b.sender.SendTyping(ctx, chatID)

	contests, err := b.service.Upcoming(ctx, 0)
	if err != nil {
		log.Warn("Failed to fetch upcoming contests", logging.Fields{"error": err})
		b.reply(ctx, log, chatID, reminder.MsgNoUpcoming, false)
		return
	}
	if len(contests) == 0 {
		b.reply(ctx, log, chatID, reminder.MsgNoUpcoming, false)
		return
	}
	b.reply(ctx, log, chatID, reminder.UpcomingText(contests, b.service.UpcomingLimit()), true)
}

func (b *Bot) reply(ctx context.Context, log *logging.Logger, chatID int64, text string, html bool) {
	var err error
	if html {
		err = b.sender.SendHTML(ctx, chatID, text)
	} else {
		err = b.sender.SendText(ctx, chatID, text)
	}
	if err != nil {
		log.Error("Failed to send reply", logging.Fields{"error": err})
	}
}

func mention(user *tgbotapi.User) string {
	if user == nil {
		return "there"
	}
	return reminder.MentionHTML(user.ID, user.FirstName)
}
