package sdk

import (
	"context"
	"net/url"
	"strconv"
)

// SendMessage persists a message
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageInfo, error) {
	var result MessageInfo
	if err := c.post(ctx, "/chatMessages", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendTextMessage is a convenience method to send a text message
func (c *Client) SendTextMessage(ctx context.Context, conversationId, senderId, text string) (*MessageInfo, error) {
	return c.SendMessage(ctx, &SendMessageRequest{
		ConversationId: conversationId,
		SenderId:       senderId,
		Text:           text,
	})
}

// ListMessages gets one page of a conversation's messages, newest page first
func (c *Client) ListMessages(ctx context.Context, conversationId string, limit, page int) (*ListMessagesResponse, error) {
	params := map[string]string{}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	if page > 0 {
		params["page"] = strconv.Itoa(page)
	}

	var result ListMessagesResponse
	if _, err := c.get(ctx, "/chatMessages/"+url.PathEscape(conversationId), params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
