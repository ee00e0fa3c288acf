package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
)

// LoadConversations fetches the user's conversations, most recently active first,
// and replaces the local list. Push events waiting for an unknown conversation are
// replayed against the new list.
func (e *ConversationSyncEngine) LoadConversations(ctx context.Context) ([]*entity.Conversation, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	fetched, err := e.store.ListConversations(ctx, e.cfg.UserId)
	if err != nil {
		log.CtxWarn(ctx, "load conversations failed: user_id=%s, error=%v", e.cfg.UserId, err)
		return nil, asNetworkError(err)
	}

	convs := make([]*entity.Conversation, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	for _, conv := range fetched {
		if conv == nil {
			continue
		}
		if err := conv.Validate(e.cfg.UserId); err != nil {
			log.CtxWarn(ctx, "skip invalid conversation: conversation_id=%s, error=%v", conv.Id, err)
			continue
		}
		if _, dup := seen[conv.Id]; dup {
			continue
		}
		seen[conv.Id] = struct{}{}
		convs = append(convs, conv.Clone())
	}

	e.mu.Lock()
	if active := e.findConversationLocked(e.activeId); active != nil {
		if _, ok := seen[active.Id]; !ok {
			// Created locally and not listed by the store yet
			convs = append(convs, active)
		}
	}
	for _, conv := range convs {
		if conv.Id == e.activeId {
			conv.UnreadCount = 0
		}
	}
	sortConversations(convs)
	e.conversations = convs

	queued := e.queued
	e.queued = nil
	e.refreshing = false
	out := cloneConversations(e.conversations)
	e.mu.Unlock()

	log.CtxDebug(ctx, "conversations loaded: user_id=%s, count=%d", e.cfg.UserId, len(out))
	e.notify(Event{Kind: EventConversations})

	for _, msg := range queued {
		e.applyInbound(ctx, msg, false)
	}
	return out, nil
}

// SelectConversation makes conversationId the active conversation, zeroes its unread
// count, sends a read receipt and loads the newest page of messages
func (e *ConversationSyncEngine) SelectConversation(ctx context.Context, conversationId string) (*PageResult, error) {
	if conversationId == "" {
		return nil, errcode.ErrValidation.Wrap(errors.New("conversation id is empty"))
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	conv := e.findConversationLocked(conversationId)
	if conv == nil {
		e.mu.Unlock()
		return nil, errcode.ErrValidation.Wrap(fmt.Errorf("%w: %s", errcode.ErrConvNotFound, conversationId))
	}

	e.activeId = conv.Id
	e.epoch++
	e.messages = nil
	e.arrivals = nil
	e.cursor = entity.NewPaginationCursor()
	prevUnread := conv.UnreadCount
	conv.UnreadCount = 0
	e.mu.Unlock()

	log.CtxDebug(ctx, "conversation selected: conversation_id=%s, unread=%d", conversationId, prevUnread)
	e.notify(
		Event{Kind: EventConversations, ConversationId: conversationId},
		Event{Kind: EventMessages, ConversationId: conversationId},
		Event{Kind: EventCursor, ConversationId: conversationId},
	)

	e.goBackground(ctx, func(ctx context.Context) {
		e.flushReceipts(ctx, conversationId)
		e.markRead(ctx, conversationId, prevUnread)
	})

	return e.LoadMessagePage(ctx, 1)
}

// StartConversation opens the chat with receiverId about productId: an existing
// conversation is reused, otherwise one is created. The conversation is selected.
func (e *ConversationSyncEngine) StartConversation(ctx context.Context, receiverId, productId string) (*entity.Conversation, error) {
	if receiverId == "" {
		return nil, errcode.ErrValidation.Wrap(errors.New("receiver id is empty"))
	}
	if receiverId == e.cfg.UserId {
		return nil, errcode.ErrValidation.Wrap(errors.New("cannot start a conversation with yourself"))
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	var local string
	for _, conv := range e.conversations {
		if conv.HasMember(receiverId) && conv.ProductId == productId {
			local = conv.Id
			break
		}
	}
	e.mu.Unlock()

	if local == "" {
		conv, err := e.store.FindConversation(ctx, receiverId, productId)
		if err != nil {
			log.CtxWarn(ctx, "find conversation failed: receiver_id=%s, product_id=%s, error=%v", receiverId, productId, err)
			return nil, asNetworkError(err)
		}
		if conv == nil {
			conv, err = e.store.CreateConversation(ctx, e.cfg.UserId, receiverId, productId)
			if err != nil {
				log.CtxWarn(ctx, "create conversation failed: receiver_id=%s, product_id=%s, error=%v", receiverId, productId, err)
				return nil, asNetworkError(err)
			}
			log.CtxInfo(ctx, "conversation created: conversation_id=%s, receiver_id=%s, product_id=%s", conv.Id, receiverId, productId)
		}
		if err := conv.Validate(e.cfg.UserId); err != nil {
			return nil, err
		}
		e.mergeConversation(conv)
		local = conv.Id
	}

	if _, err := e.SelectConversation(ctx, local); err != nil {
		return e.ActiveConversation(), err
	}
	return e.ActiveConversation(), nil
}

// mergeConversation adds conv to the top of the list unless it is already known
func (e *ConversationSyncEngine) mergeConversation(conv *entity.Conversation) {
	e.mu.Lock()
	if e.findConversationLocked(conv.Id) != nil {
		e.mu.Unlock()
		return
	}
	added := conv.Clone()
	if added.UpdatedAt.IsZero() {
		added.UpdatedAt = e.now()
	}
	e.conversations = append([]*entity.Conversation{added}, e.conversations...)
	e.mu.Unlock()

	e.notify(Event{Kind: EventConversations, ConversationId: conv.Id})
}

// markRead sends a read receipt. On failure the optimistic zero is reverted by
// prevUnread and the receipt is kept for the next selection.
func (e *ConversationSyncEngine) markRead(ctx context.Context, conversationId string, prevUnread int) {
	err := e.store.MarkRead(ctx, conversationId)
	if err == nil {
		if e.ledger != nil {
			if err := e.ledger.Remove(ctx, conversationId); err != nil {
				log.CtxWarn(ctx, "remove pending receipt failed: conversation_id=%s, error=%v", conversationId, err)
			}
		}
		return
	}

	log.CtxWarn(ctx, "mark read failed: conversation_id=%s, error=%v", conversationId, err)
	if prevUnread > 0 {
		e.mu.Lock()
		conv := e.findConversationLocked(conversationId)
		if conv != nil {
			conv.UnreadCount += prevUnread
		}
		e.mu.Unlock()
		if conv != nil {
			e.notify(Event{Kind: EventConversations, ConversationId: conversationId})
		}
	}

	if e.ledger != nil {
		if err := e.ledger.Add(ctx, conversationId); err != nil {
			log.CtxWarn(ctx, "record pending receipt failed: conversation_id=%s, error=%v", conversationId, err)
		}
	}
}

// flushReceipts retries receipts that failed earlier, except skipId which the
// caller is about to send
func (e *ConversationSyncEngine) flushReceipts(ctx context.Context, skipId string) {
	if e.ledger == nil {
		return
	}
	ids, err := e.ledger.List(ctx)
	if err != nil {
		log.CtxWarn(ctx, "list pending receipts failed: error=%v", err)
		return
	}

	for _, id := range ids {
		if id == skipId {
			continue
		}
		if err := e.store.MarkRead(ctx, id); err != nil {
			log.CtxDebug(ctx, "retry receipt failed: conversation_id=%s, error=%v", id, err)
			continue
		}
		if err := e.ledger.Remove(ctx, id); err != nil {
			log.CtxWarn(ctx, "remove pending receipt failed: conversation_id=%s, error=%v", id, err)
		}
	}
}

// findConversationLocked returns the live conversation with id. Caller holds mu.
func (e *ConversationSyncEngine) findConversationLocked(id string) *entity.Conversation {
	if id == "" {
		return nil
	}
	for _, conv := range e.conversations {
		if conv.Id == id {
			return conv
		}
	}
	return nil
}

// moveToFrontLocked moves conversation id to index 0, keeping the others in order
func (e *ConversationSyncEngine) moveToFrontLocked(id string) {
	for i, conv := range e.conversations {
		if conv.Id != id {
			continue
		}
		if i > 0 {
			copy(e.conversations[1:i+1], e.conversations[:i])
			e.conversations[0] = conv
		}
		return
	}
}

func sortConversations(convs []*entity.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

func cloneConversations(convs []*entity.Conversation) []*entity.Conversation {
	out := make([]*entity.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.Clone()
	}
	return out
}
