package domain

import (
	"strings"
	"time"
)

// Message is a single stored chat message, inbound or outbound. A
// message with a user id and no bot id was written by a channel user;
// the reverse means it was generated by a bot. Admin-authored messages
// carry an admin id and are excluded from model context.
type Message struct {
	ID       string
	ThreadID string
	BotID    string
	UserID   string
	AdminID  string

	ChannelMessageID int64
	ChannelUpdateID  int64

	Text string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (m *Message) IsUser() bool {
	return m.UserID != "" && m.BotID == ""
}

func (m *Message) IsAssistant() bool {
	return m.BotID != "" && m.UserID == ""
}

// UpdateText mutates the message text in place. Outbound messages are
// updated repeatedly while a response streams in, then finalized.
func (m *Message) UpdateText(text string) {
	m.Text = text
	m.UpdatedAt = time.Now().UTC()
}

// Command returns the slash command carried by the message text, or an
// empty string when the text is not a bare command.
func (m *Message) Command() string {
	trimmed := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(trimmed, "/") {
		return ""
	}
	if strings.ContainsAny(trimmed, " \t\n") {
		return ""
	}
	return trimmed
}
