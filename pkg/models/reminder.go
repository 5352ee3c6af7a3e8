package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReminderInterval is how long before a contest start a reminder fires
type ReminderInterval struct {
	Label  string        `json:"label" yaml:"label"` // e.g. "24h", "15m"
	Offset time.Duration `json:"offset" yaml:"offset"`
}

// DefaultReminderIntervals are sent 24 hours, 1 hour and 15 minutes before start
var DefaultReminderIntervals = []ReminderInterval{
	{Label: "24h", Offset: 24 * time.Hour},
	{Label: "1h", Offset: time.Hour},
	{Label: "15m", Offset: 15 * time.Minute},
}

// ParseReminderInterval parses labels such as "24h", "90m" or "2d"
func ParseReminderInterval(label string) (ReminderInterval, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return ReminderInterval{}, fmt.Errorf("empty reminder interval")
	}

	var offset time.Duration
	if strings.HasSuffix(label, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(label, "d"))
		if err != nil {
			return ReminderInterval{}, fmt.Errorf("invalid reminder interval %q: %w", label, err)
		}
		offset = time.Duration(days) * 24 * time.Hour
	} else {
		d, err := time.ParseDuration(label)
		if err != nil {
			return ReminderInterval{}, fmt.Errorf("invalid reminder interval %q: %w", label, err)
		}
		offset = d
	}

	if offset <= 0 {
		return ReminderInterval{}, fmt.Errorf("reminder interval %q must be positive", label)
	}
	return ReminderInterval{Label: label, Offset: offset}, nil
}

// ParseReminderIntervals parses a list of labels, rejecting duplicates
func ParseReminderIntervals(labels []string) ([]ReminderInterval, error) {
	intervals := make([]ReminderInterval, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		iv, err := ParseReminderInterval(l)
		if err != nil {
			return nil, err
		}
		if seen[iv.Label] {
			return nil, fmt.Errorf("duplicate reminder interval %q", iv.Label)
		}
		seen[iv.Label] = true
		intervals = append(intervals, iv)
	}
	return intervals, nil
}

// ReminderLabels returns the labels in configured order
func ReminderLabels(intervals []ReminderInterval) []string {
	labels := make([]string, len(intervals))
	for i, iv := range intervals {
		labels[i] = iv.Label
	}
	return labels
}

// Reminder is a single scheduled notification for one contest and interval
type Reminder struct {
	ID       string           `json:"id"`
	Contest  Contest          `json:"contest"`
	Interval ReminderInterval `json:"interval"`
	RunAt    time.Time        `json:"run_at"`
}

// ReminderID builds the stable job identifier for a contest/interval pair
func ReminderID(contestID int, label string) string {
	return fmt.Sprintf("contest_%d_reminder_%s", contestID, label)
}

// NewReminder creates the reminder for a contest at the given interval
func NewReminder(c Contest, iv ReminderInterval) Reminder {
	return Reminder{
		ID:       ReminderID(c.ID, iv.Label),
		Contest:  c,
		Interval: iv,
		RunAt:    c.StartTime().Add(-iv.Offset),
	}
}
