package domain

import (
	"encoding/json"
	"time"
)

type ProcessingStatus string

const (
	ProcessingReceived   ProcessingStatus = "received"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingFailed     ProcessingStatus = "failed"
	ProcessingTerminal   ProcessingStatus = "terminal"
	ProcessingCompleted  ProcessingStatus = "completed"
)

// ProcessingState is the durable per-message record tracking where an
// inbound message is in the generate-then-send pipeline. One record
// exists per user message; it is created lazily and never deleted.
type ProcessingState struct {
	UserMessageID string
	Status        ProcessingStatus
	Attempts      int

	LastError      string
	LastErrorAt    *time.Time
	TerminalReason string

	ResponseMessageID string

	IncomingChannelMessageID int64
	OutgoingChannelMessageID int64
	ChannelUpdateID          int64

	ResponseGeneratedAt *time.Time
	ResponseSentAt      *time.Time

	Price       float64
	RawResponse json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Final reports whether the state can no longer change.
func (s *ProcessingState) Final() bool {
	return s.Status == ProcessingCompleted || s.Status == ProcessingTerminal
}
