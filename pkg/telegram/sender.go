package telegram

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/psantana5/cf-reminder/pkg/logging"
	"github.com/psantana5/cf-reminder/pkg/ratelimit"
	"github.com/psantana5/cf-reminder/pkg/reminder"
	"github.com/psantana5/cf-reminder/pkg/retry"
	"golang.org/x/time/rate"
)

// API is the part of *tgbotapi.BotAPI the bot uses
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewBotAPI connects to the Bot API and verifies the token.
// An empty endpoint uses the public Telegram server.
func NewBotAPI(token, endpoint string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	return api, nil
}

// SendError is a failed Bot API call for one chat
type SendError struct {
	ChatID      int64
	Code        int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telegram: chat %d: %d %s", e.ChatID, e.Code, e.Description)
	}
	return fmt.Sprintf("telegram: chat %d: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ChatGone reports whether the chat will never accept messages again
func (e *SendError) ChatGone() bool {
	return e.Code == http.StatusForbidden || reminder.ChatGoneReason(e.Description)
}

// IsChatGone classifies permanent delivery failures
func IsChatGone(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Code == http.StatusForbidden || reminder.ChatGoneReason(apiErr.Message)
	}
	return reminder.IsChatGone(err)
}

func asAPIError(err error) (tgbotapi.Error, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return *apiErr, true
	}
	return tgbotapi.Error{}, false
}

// SenderConfig holds outgoing message limits
type SenderConfig struct {
	// GlobalRate is messages per second across all chats (default: 30)
	GlobalRate float64
	// ChatRate is messages per second to a single chat (default: 1)
	ChatRate float64
	Retry    retry.Config
}

// DefaultSenderConfig matches the Bot API broadcast limits
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		GlobalRate: 30,
		ChatRate:   1,
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// Sender delivers messages within Telegram's rate limits
type Sender struct {
	api     API
	global  *rate.Limiter
	perChat *ratelimit.Limiter
	retry   retry.Config
	logger  *logging.Logger
}

// NewSender creates a rate-limited sender
func NewSender(api API, config SenderConfig, logger *logging.Logger) *Sender {
	def := DefaultSenderConfig()
	if config.GlobalRate <= 0 {
		config.GlobalRate = def.GlobalRate
	}
	if config.ChatRate <= 0 {
		config.ChatRate = def.ChatRate
	}
	if config.Retry.InitialBackoff == 0 {
		config.Retry = def.Retry
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Sender{
		api:     api,
		global:  rate.NewLimiter(rate.Limit(config.GlobalRate), burstFor(config.GlobalRate)),
		perChat: ratelimit.NewLimiter(config.ChatRate, burstFor(config.ChatRate)),
		retry:   config.Retry,
		logger:  logger.Component("telegram"),
	}
}

// burstFor allows one second worth of messages, and never less than one
func burstFor(perSecond float64) int {
	return max(1, int(math.Ceil(perSecond)))
}

// SendHTML sends an HTML-formatted message
func (s *Sender) SendHTML(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	return s.send(ctx, chatID, msg)
}

// SendText sends a plain-text message
func (s *Sender) SendText(ctx context.Context, chatID int64, text string) error {
	return s.send(ctx, chatID, tgbotapi.NewMessage(chatID, text))
}

// SendTyping shows the typing indicator; failures only matter to the log
func (s *Sender) SendTyping(ctx context.Context, chatID int64) {
	if _, err := s.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		s.logger.Debug("Failed to send chat action", logging.Fields{"chat_id": chatID, "error": err})
	}
}

// CleanupIdle forgets per-chat limiters unused for maxAge
func (s *Sender) CleanupIdle(maxAge time.Duration) int {
	return s.perChat.CleanupOldLimiters(maxAge)
}

func (s *Sender) send(ctx context.Context, chatID int64, c tgbotapi.Chattable) error {
	key := strconv.FormatInt(chatID, 10)

	return retry.Do(ctx, s.retry, func() error {
		if err := s.global.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		if err := s.perChat.Wait(ctx, key); err != nil {
			return retry.Permanent(err)
		}

		_, err := s.api.Send(c)
		if err == nil {
			return nil
		}
		return s.classify(chatID, err)
	})
}

// classify decides whether a failed call is retried
func (s *Sender) classify(chatID int64, err error) error {
	apiErr, ok := asAPIError(err)
	if !ok {
		sendErr := &SendError{ChatID: chatID, Err: err}
		if retry.IsRetryable(err) {
			return sendErr
		}
		return retry.Permanent(sendErr)
	}

	sendErr := &SendError{
		ChatID:      chatID,
		Code:        apiErr.Code,
		Description: apiErr.Message,
		RetryAfter:  time.Duration(apiErr.RetryAfter) * time.Second,
		Err:         err,
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		s.logger.Warn("Telegram flood control, backing off", logging.Fields{
			"chat_id":     chatID,
			"retry_after": sendErr.RetryAfter.String(),
		})
		return retry.After(sendErr, sendErr.RetryAfter)
	case apiErr.Code >= 500:
		return sendErr
	default:
		return retry.Permanent(sendErr)
	}
}
