package repository

import (
	"context"
	"sort"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/sdk"
)

// ConversationRepo reads and writes conversations through the REST store.
// Every failure is reported as errcode.ErrNetwork.
type ConversationRepo struct {
	api *sdk.Client
}

// NewConversationRepo creates a new ConversationRepo
func NewConversationRepo(api *sdk.Client) *ConversationRepo {
	return &ConversationRepo{api: api}
}

// ListConversations gets all conversations of userId
func (r *ConversationRepo) ListConversations(ctx context.Context, userId string) ([]*entity.Conversation, error) {
	infos, err := r.api.GetConversationList(ctx, userId)
	if err != nil {
		return nil, errcode.ErrNetwork.Wrap(err)
	}

	convs := make([]*entity.Conversation, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Id == "" {
			continue
		}
		convs = append(convs, toConversation(info))
	}
	return convs, nil
}

// FindConversation gets the conversation with receiverId about productId, or nil if none exists
func (r *ConversationRepo) FindConversation(ctx context.Context, receiverId, productId string) (*entity.Conversation, error) {
	info, err := r.api.FindConversation(ctx, receiverId, productId)
	if err != nil {
		return nil, errcode.ErrNetwork.Wrap(err)
	}
	if info == nil {
		return nil, nil
	}
	return toConversation(info), nil
}

// CreateConversation creates a conversation between senderId and receiverId
func (r *ConversationRepo) CreateConversation(ctx context.Context, senderId, receiverId, productId string) (*entity.Conversation, error) {
	info, err := r.api.CreateConversation(ctx, &sdk.CreateConversationRequest{
		SenderId:   senderId,
		ReceiverId: receiverId,
		ProductId:  productId,
	})
	if err != nil {
		return nil, errcode.ErrNetwork.Wrap(err)
	}
	return toConversation(info), nil
}

// ListMessages gets one page of history, returned oldest first
func (r *ConversationRepo) ListMessages(ctx context.Context, conversationId string, limit, page int) (*entity.MessagePage, error) {
	resp, err := r.api.ListMessages(ctx, conversationId, limit, page)
	if err != nil {
		return nil, errcode.ErrNetwork.Wrap(err)
	}

	msgs := make([]*entity.Message, 0, len(resp.Data))
	for _, info := range resp.Data {
		if info == nil {
			continue
		}
		msg := toMessage(info)
		if msg.ConversationId == "" {
			msg.ConversationId = conversationId
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	return &entity.MessagePage{Messages: msgs, HasMore: resp.HasMore}, nil
}

// SendMessage persists a message and returns the confirmed copy
func (r *ConversationRepo) SendMessage(ctx context.Context, conversationId, senderId, text string) (*entity.Message, error) {
	info, err := r.api.SendTextMessage(ctx, conversationId, senderId, text)
	if err != nil {
		return nil, errcode.ErrNetwork.Wrap(err)
	}
	msg := toMessage(info)
	if msg.ConversationId == "" {
		msg.ConversationId = conversationId
	}
	if msg.SenderId == "" {
		msg.SenderId = senderId
	}
	return msg, nil
}

// MarkRead marks conversationId read for the token's user
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationId string) error {
	if err := r.api.MarkRead(ctx, conversationId); err != nil {
		return errcode.ErrNetwork.Wrap(err)
	}
	return nil
}

func toConversation(info *sdk.ConversationInfo) *entity.Conversation {
	conv := &entity.Conversation{
		Id:          info.Id,
		Members:     make([]entity.Participant, 0, len(info.Members)),
		ProductId:   info.Product.Id,
		UnreadCount: info.UnreadCount,
		UpdatedAt:   info.UpdatedAt,
	}
	for _, m := range info.Members {
		conv.Members = append(conv.Members, entity.Participant{Id: m.Id, Name: m.Name, Avatar: m.Avatar})
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	if info.LastMessage != nil {
		conv.LastMessage = &entity.MessagePreview{
			Text:      info.LastMessage.Text,
			SenderId:  info.LastMessage.Sender.Id,
			CreatedAt: info.LastMessage.CreatedAt,
		}
	}

	// Older documents carry no updatedAt
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = info.CreatedAt
	}
	if conv.LastMessage != nil && conv.LastMessage.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = conv.LastMessage.CreatedAt
	}
	return conv
}

func toMessage(info *sdk.MessageInfo) *entity.Message {
	return &entity.Message{
		Id:             info.Id,
		ConversationId: info.ConversationId,
		SenderId:       info.Sender.Id,
		Text:           info.Text,
		CreatedAt:      info.CreatedAt,
		Status:         entity.MessageStatusConfirmed,
	}
}
