package channel

import (
	"context"
	"fmt"
	"strings"
)

// MaxMessageLength is the channel's hard cap for a single message.
// Longer text is truncated before every send or edit.
const MaxMessageLength = 4096

// Client talks to the messaging channel on behalf of one bot.
type Client interface {
	// SendMessage delivers text to a chat and returns the channel's
	// message id. replyTo of zero means no reply threading.
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	SendTypingIndicator(ctx context.Context, chatID int64) error
	AnswerCallback(ctx context.Context, callbackID, text string) error

	SetWebhook(ctx context.Context, url string) error
	DeleteWebhook(ctx context.Context) error
}

// ClientFactory builds a channel client for a bot token. The fleet
// serves many bots, each with its own credentials.
type ClientFactory func(token string) Client

// Truncate caps text at the channel limit, counting runes.
func Truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxMessageLength {
		return text
	}
	return string(runes[:MaxMessageLength])
}

// RequestError is a failed channel API call. It keeps the HTTP status
// so the retry classifier can separate credential failures from rate
// limiting.
type RequestError struct {
	HTTPStatus  int
	ErrCode     int
	Description string
	Body        string
}

func (e *RequestError) Error() string {
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = strings.TrimSpace(e.Body)
	}
	if e.HTTPStatus > 0 {
		if desc != "" {
			return fmt.Sprintf("channel http %d: %s", e.HTTPStatus, desc)
		}
		return fmt.Sprintf("channel http %d", e.HTTPStatus)
	}
	if desc != "" {
		return "channel: " + desc
	}
	return "channel request failed"
}

func (e *RequestError) StatusCode() int {
	return e.HTTPStatus
}
