package reminder

import (
	"errors"
	"strings"
)

// goneReasons are delivery errors after which a chat will never accept messages
var goneReasons = []string{
	"bot was blocked",
	"user is deactivated",
	"chat not found",
	"forbidden: bot was kicked",
	"forbidden: bot can't initiate conversation with a user",
}

// ChatGoneReason reports whether an error description means the chat is unreachable
func ChatGoneReason(description string) bool {
	d := strings.ToLower(description)
	for _, reason := range goneReasons {
		if strings.Contains(d, reason) {
			return true
		}
	}
	return false
}

// IsChatGone reports whether err means the subscriber should be dropped.
// Errors may also declare it themselves via a ChatGone() bool method.
func IsChatGone(err error) bool {
	if err == nil {
		return false
	}
	var gone interface{ ChatGone() bool }
	if errors.As(err, &gone) {
		return gone.ChatGone()
	}
	return ChatGoneReason(err.Error())
}
