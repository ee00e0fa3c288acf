package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Frame is the envelope of every push channel message
type Frame struct {
	Event string          `json:"event"`          // Event name, see constant.Event*
	Data  json.RawMessage `json:"data,omitempty"` // Event payload
}

// SendMessageData is the payload of an outbound sendMessage event
type SendMessageData struct {
	SenderId   string `json:"senderId"`
	ReceiverId string `json:"receiverId"`
	Text       string `json:"text"`
}

// GetMessageData is the payload of an inbound getMessage event
type GetMessageData struct {
	Id             string    `json:"_id,omitempty"`
	ConversationId string    `json:"conversationId,omitempty"`
	SenderId       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      Timestamp `json:"createdAt"`
}

// OnlineUser is one entry of a getUsers event
type OnlineUser struct {
	UserId   string `json:"userId"`
	SocketId string `json:"socketId,omitempty"`
}

// Timestamp decodes epoch milliseconds or an RFC 3339 string
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts a number of milliseconds, a time string, or null
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// MarshalJSON writes epoch milliseconds
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// NewFrame encodes data into a frame for event
func NewFrame(event string, data interface{}) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return &Frame{Event: event, Data: raw}, nil
}

// Encode encodes data to JSON bytes
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to struct
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
