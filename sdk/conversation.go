package sdk

import (
	"context"
	"net/url"
)

// GetConversationList gets all conversations of a user
func (c *Client) GetConversationList(ctx context.Context, userId string) ([]*ConversationInfo, error) {
	var result []*ConversationInfo
	if _, err := c.get(ctx, "/chatConvo/"+url.PathEscape(userId), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// FindConversation looks up the conversation with receiverId about productId.
// It returns nil without error when none exists yet, including a 404 answer.
func (c *Client) FindConversation(ctx context.Context, receiverId, productId string) (*ConversationInfo, error) {
	params := map[string]string{
		"receiverId": receiverId,
		"productId":  productId,
	}
	var result ConversationInfo
	found, err := c.get(ctx, "/chatConvo/find", params, &result)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !found || result.Id == "" {
		return nil, nil
	}
	return &result, nil
}

// CreateConversation creates a conversation between sender and receiver about a product
func (c *Client) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*ConversationInfo, error) {
	var result ConversationInfo
	if err := c.post(ctx, "/chatConvo", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarkRead marks a conversation as read for the current user
func (c *Client) MarkRead(ctx context.Context, conversationId string) error {
	return c.patch(ctx, "/chatConvo/read/"+url.PathEscape(conversationId), nil, nil)
}
