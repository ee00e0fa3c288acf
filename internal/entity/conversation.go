package entity

import (
	"errors"
	"time"

	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// Participant is the canonical reference to a conversation member
type Participant struct {
	Id     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// MessagePreview is the last-message summary shown in the conversation list
type MessagePreview struct {
	Text      string    `json:"text"`
	SenderId  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a two-party thread between a buyer and a seller
type Conversation struct {
	Id          string          `json:"id"`
	Members     []Participant   `json:"members"`
	ProductId   string          `json:"product_id,omitempty"`
	LastMessage *MessagePreview `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HasMember reports whether userId takes part in the conversation
func (c *Conversation) HasMember(userId string) bool {
	for _, m := range c.Members {
		if m.Id == userId {
			return true
		}
	}
	return false
}

// Peer returns the member that is not userId
func (c *Conversation) Peer(userId string) (Participant, bool) {
	for _, m := range c.Members {
		if m.Id != userId {
			return m, true
		}
	}
	return Participant{}, false
}

// Validate checks the two-member invariant from the point of view of currentUserId
func (c *Conversation) Validate(currentUserId string) error {
	if c.Id == "" {
		return errcode.ErrValidation.Wrap(errors.New("conversation id is empty"))
	}
	if len(c.Members) != 2 {
		return errcode.ErrValidation.Wrap(errors.New("conversation must have exactly two members"))
	}
	if c.Members[0].Id == c.Members[1].Id {
		return errcode.ErrValidation.Wrap(errors.New("conversation members must be distinct"))
	}
	if !c.HasMember(currentUserId) {
		return errcode.ErrValidation.Wrap(errors.New("current user is not a member"))
	}
	return nil
}

// Touch records activity on the conversation
func (c *Conversation) Touch(preview *MessagePreview) {
	c.LastMessage = preview
	if preview.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = preview.CreatedAt
	}
}

// Clone returns a deep copy safe to hand out to readers
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Members = append([]Participant(nil), c.Members...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}
