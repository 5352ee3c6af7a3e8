package models

import "time"

// Subscriber is a Telegram chat that receives contest reminders
type Subscriber struct {
	ChatID       int64     `json:"chat_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Delivery records that a reminder reached a chat
type Delivery struct {
	ReminderID string    `json:"reminder_id"`
	ChatID     int64     `json:"chat_id"`
	SentAt     time.Time `json:"sent_at"`
}
