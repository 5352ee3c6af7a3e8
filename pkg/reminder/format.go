package reminder

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/psantana5/cf-reminder/pkg/models"
)

// TimeLayout renders contest start times
const TimeLayout = "2006-01-02 15:04:05 UTC"

// Fixed replies
const (
	MsgSubscribed        = "You are now subscribed to Codeforces contest reminders! 🎉"
	MsgAlreadySubscribed = "You are already subscribed. 👍"
	MsgUnsubscribed      = "You have unsubscribed from reminders. You can /subscribe again anytime."
	MsgNotSubscribed     = "You were not subscribed."
	MsgNoUpcoming        = "No upcoming contests found or Codeforces API is currently unavailable."
	MsgUnknownCommand    = "Sorry, I didn't understand that command. Try /help"
	MsgFailure           = "Something went wrong, please try again later."
)

// HelpText lists the bot commands
const HelpText = "Available commands:\n" +
	"/start - Welcome message\n" +
	"/subscribe - Get contest reminders\n" +
	"/unsubscribe - Stop contest reminders\n" +
	"/upcoming - Show upcoming Codeforces contests\n" +
	"/help - Show this help message"

// FormatTime renders t in UTC
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FormatDuration renders d as H:MM:SS, prefixed with days when longer than a day
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	sign := ""
	if total < 0 {
		sign = "-"
		total = -total
	}

	days := total / 86400
	rest := total % 86400
	clock := fmt.Sprintf("%d:%02d:%02d", rest/3600, (rest%3600)/60, rest%60)

	switch days {
	case 0:
		return sign + clock
	case 1:
		return sign + "1 day, " + clock
	default:
		return fmt.Sprintf("%s%d days, %s", sign, days, clock)
	}
}

// ReminderText is the message sent when a reminder fires
func ReminderText(c models.Contest, label string) string {
	var b strings.Builder
	b.WriteString("📢 Reminder: Codeforces Contest!\n\n")
	fmt.Fprintf(&b, "🔹 <b>%s</b> 🔹\n", html.EscapeString(c.Name))
	fmt.Fprintf(&b, "Starts in approximately: <b>%s</b>\n", html.EscapeString(label))
	fmt.Fprintf(&b, "Exact Start Time: %s\n", FormatTime(c.StartTime()))
	fmt.Fprintf(&b, "Duration: %s\n", FormatDuration(c.Duration()))
	fmt.Fprintf(&b, "🔗 Link: %s\n\n", c.URL())
	b.WriteString("Good luck! ✨")
	return b.String()
}

// UpcomingText lists at most limit contests
func UpcomingText(contests []models.Contest, limit int) string {
	if len(contests) == 0 {
		return MsgNoUpcoming
	}
	if limit > 0 && len(contests) > limit {
		contests = contests[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗓️ Upcoming Codeforces Contests (max %d shown):\n\n", limit)
	for _, c := range contests {
		fmt.Fprintf(&b, "🔹 <b>%s</b>\n", html.EscapeString(c.Name))
		fmt.Fprintf(&b, "   📅 Starts: %s\n", FormatTime(c.StartTime()))
		fmt.Fprintf(&b, "   ⏳ Duration: %s\n", FormatDuration(c.Duration()))
		fmt.Fprintf(&b, "   🔗 Link: %s\n\n", c.URL())
	}
	return b.String()
}

// MentionHTML links to a Telegram user by id
func MentionHTML(userID int64, name string) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(name))
}

// WelcomeText greets a user and lists the reminder intervals
func WelcomeText(mention string, labels []string) string {
	return "Hi " + mention + "! I am your Codeforces Contest Reminder Bot. 🤖\n\n" +
		"Use /subscribe to get upcoming contest reminders.\n" +
		"Use /unsubscribe to stop receiving reminders.\n" +
		"Use /upcoming to see the next few contests.\n" +
		"Use /help to see this message again.\n\n" +
		"I will remind you " + strings.Join(labels, ", ") + " before each contest."
}
