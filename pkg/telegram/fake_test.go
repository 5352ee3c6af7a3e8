package telegram

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/psantana5/cf-reminder/pkg/models"
)

// fakeAPI records outgoing calls and replays queued errors
type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendErrs []error
	reqErr   error

	updates chan tgbotapi.Update
	stopped bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	if f.reqErr != nil {
		return nil, f.reqErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tgbotapi.MessageConfig, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeService struct {
	mu          sync.Mutex
	subscribers map[int64]bool
	contests    []models.Contest
	upcomingErr error
}

func newFakeService() *fakeService {
	return &fakeService{subscribers: make(map[int64]bool)}
}

func (f *fakeService) Subscribe(ctx context.Context, chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribers[chatID] {
		return false, nil
	}
	f.subscribers[chatID] = true
	return true, nil
}

func (f *fakeService) Unsubscribe(chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.subscribers[chatID] {
		return false, nil
	}
	delete(f.subscribers, chatID)
	return true, nil
}

func (f *fakeService) Upcoming(ctx context.Context, limit int) ([]models.Contest, error) {
	if f.upcomingErr != nil {
		return nil, f.upcomingErr
	}
	return f.contests, nil
}

func (f *fakeService) Intervals() []models.ReminderInterval {
	return models.DefaultReminderIntervals
}

func (f *fakeService) UpcomingLimit() int { return 5 }

func commandUpdate(chatID int64, text string) tgbotapi.Update {
	length := len(text)
	for i, r := range text {
		if r == ' ' {
			length = i
			break
		}
	}
	return tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: chatID, FirstName: "Ada"},
			Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
			Text:      text,
			Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
		},
	}
}
