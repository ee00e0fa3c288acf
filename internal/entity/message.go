package entity

import (
	"strings"
	"time"
)

// MessageStatus is the delivery state of a message in the local view
type MessageStatus int

const (
	MessageStatusPending   MessageStatus = iota // shown optimistically, not yet persisted
	MessageStatusConfirmed                      // persisted, carries a durable id
	MessageStatusFailed                         // persistence failed, kept for retry
)

func (s MessageStatus) String() string {
	switch s {
	case MessageStatusPending:
		return "pending"
	case MessageStatusConfirmed:
		return "confirmed"
	case MessageStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message represents a chat message
type Message struct {
	Id             string        `json:"id"`
	ClientId       string        `json:"client_id,omitempty"` // placeholder id it was composed under
	ConversationId string        `json:"conversation_id"`
	SenderId       string        `json:"sender_id"`
	Text           string        `json:"text"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         MessageStatus `json:"status"`
}

// Preview builds the conversation-list summary of the message
func (m *Message) Preview() *MessagePreview {
	return &MessagePreview{
		Text:      m.Text,
		SenderId:  m.SenderId,
		CreatedAt: m.CreatedAt,
	}
}

// Clone returns a copy of the message
func (m *Message) Clone() *Message {
	out := *m
	return &out
}

// IsBlank reports whether text has no visible content
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// MessagePage is one page of a conversation's history, oldest first
type MessagePage struct {
	Messages []*Message
	HasMore  bool
}

// PaginationCursor tracks "load older messages" progress of the open conversation
type PaginationCursor struct {
	Page    int  `json:"page"`
	HasMore bool `json:"has_more"`
	Loading bool `json:"loading"`
}

// NewPaginationCursor returns the cursor of a freshly selected conversation
func NewPaginationCursor() PaginationCursor {
	return PaginationCursor{Page: 1, HasMore: true}
}

// InboundMessage is a push event for a message authored by another user
type InboundMessage struct {
	Id             string    // optional durable id
	ConversationId string    // optional, resolved from SenderId when empty
	SenderId       string
	Text           string
	CreatedAt      time.Time
}

// OutboundMessage is relayed over the push channel to the peer
type OutboundMessage struct {
	SenderId   string
	ReceiverId string
	Text       string
}
