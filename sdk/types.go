package sdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Ref is a reference the backend sends either as a bare id string or as an
// embedded document ({"_id": ..., "name": ...}). Both decode to the same value.
type Ref struct {
	Id     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// UnmarshalJSON accepts a string id, a populated document, or null
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Ref{}
		return nil
	}

	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = Ref{Id: id}
		return nil
	}

	var doc struct {
		MongoId  string `json:"_id"`
		Id       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
		Avatar   string `json:"avatar"`
		Image    string `json:"image"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("ref must be an id string or an object: %w", err)
	}

	r.Id = doc.MongoId
	if r.Id == "" {
		r.Id = doc.Id
	}
	r.Name = doc.Name
	if r.Name == "" {
		r.Name = doc.Username
	}
	r.Avatar = doc.Avatar
	if r.Avatar == "" {
		r.Avatar = doc.Image
	}
	return nil
}

// MarshalJSON writes the reference as a bare id
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Id)
}

// LastMessageInfo is the last-message summary attached to a conversation.
// Older documents store it as plain text.
type LastMessageInfo struct {
	Text      string    `json:"text"`
	Sender    Ref       `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnmarshalJSON accepts the text-only and the document form
func (l *LastMessageInfo) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		*l = LastMessageInfo{}
		return json.Unmarshal(data, &l.Text)
	}

	type plain LastMessageInfo
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = LastMessageInfo(p)
	return nil
}

// ConversationInfo represents conversation info
type ConversationInfo struct {
	Id          string           `json:"_id"`
	Members     []Ref            `json:"members"`
	Product     Ref              `json:"productId"`
	LastMessage *LastMessageInfo `json:"lastMessage,omitempty"`
	UnreadCount int              `json:"unreadCount"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// MessageInfo represents message info
type MessageInfo struct {
	Id             string    `json:"_id"`
	ConversationId string    `json:"conversationId"`
	Sender         Ref       `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ===== Request types =====

// CreateConversationRequest represents conversation creation request
type CreateConversationRequest struct {
	SenderId   string `json:"senderId"`
	ReceiverId string `json:"receiverId"`
	ProductId  string `json:"productId"`
}

// SendMessageRequest represents send message request
type SendMessageRequest struct {
	ConversationId string `json:"conversationId"`
	SenderId       string `json:"senderId"`
	Text           string `json:"text"`
}

// ListMessagesResponse represents one page of messages
type ListMessagesResponse struct {
	Data    []*MessageInfo `json:"data"`
	HasMore bool           `json:"hasMore"`
}
