package domain

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	// JobKindChannelUpdate carries a full inbound channel update.
	JobKindChannelUpdate JobKind = "handle_channel_update"
	// JobKindProcessingTrigger carries only a user message id; the
	// worker reloads everything else from the store. Retries use this
	// shape so they never re-embed stale external data.
	JobKindProcessingTrigger JobKind = "processing_trigger"
)

// QueueMessage is the transport format sent to queue backends. Both
// job kinds decode into it; fields beyond UserMessageID are enrichment
// hints present only on the full channel-update shape.
type QueueMessage struct {
	Kind          JobKind `json:"kind"`
	UserMessageID string  `json:"user_message_id"`

	BotID            string          `json:"bot_id,omitempty"`
	ChatID           int64           `json:"chat_id,omitempty"`
	ChannelMessageID int64           `json:"channel_message_id,omitempty"`
	ChannelUpdateID  int64           `json:"channel_update_id,omitempty"`
	RawUpdate        json.RawMessage `json:"raw_update,omitempty"`

	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}
