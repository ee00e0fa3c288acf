package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/pkg/idgen"
)

// pushedCopyWindow bounds how far the stored timestamp of a pushed message may drift
// from the one the socket reported
const pushedCopyWindow = 5 * time.Second

// PageResult describes the outcome of a message page load
type PageResult struct {
	ConversationId string
	Page           int
	Added          int    // messages not already present
	AnchorId       string // first message before an older page was prepended
	HasMore        bool
	Skipped        bool // another load was in flight, or nothing older exists
	Stale          bool // the selection changed before the response arrived
}

// LoadMessagePage loads page of the selected conversation. Page 1 replaces the list,
// keeping only messages the store may not have returned yet; later pages are prepended.
// Only one load runs at a time; an overlapping call returns a skipped result.
func (e *ConversationSyncEngine) LoadMessagePage(ctx context.Context, page int) (*PageResult, error) {
	if page < 1 {
		return nil, errcode.ErrValidation.Wrap(fmt.Errorf("invalid page %d", page))
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	conversationId, epoch := e.activeId, e.epoch
	if conversationId == "" {
		e.mu.Unlock()
		return nil, errcode.ErrNoActiveConversation
	}
	result := &PageResult{ConversationId: conversationId, Page: page, HasMore: e.cursor.HasMore}
	if e.cursor.Loading || (page > 1 && !e.cursor.HasMore) {
		e.mu.Unlock()
		result.Skipped = true
		return result, nil
	}
	e.cursor.Loading = true
	since := e.arrivalSeq
	e.mu.Unlock()
	e.notify(Event{Kind: EventCursor, ConversationId: conversationId})

	resp, err := e.store.ListMessages(ctx, conversationId, e.cfg.PageSize, page)

	e.mu.Lock()
	if e.epoch != epoch || e.activeId != conversationId {
		e.mu.Unlock()
		log.CtxDebug(ctx, "discard stale page: conversation_id=%s, page=%d", conversationId, page)
		result.Stale = true
		return result, nil
	}
	e.cursor.Loading = false
	if err != nil {
		e.mu.Unlock()
		log.CtxWarn(ctx, "load message page failed: conversation_id=%s, page=%d, error=%v", conversationId, page, err)
		e.notify(Event{Kind: EventCursor, ConversationId: conversationId})
		return nil, asNetworkError(err)
	}

	if page > 1 && len(e.messages) > 0 {
		result.AnchorId = e.messages[0].Id
	}
	var incoming []*entity.Message
	if resp != nil {
		incoming = resp.Messages
		result.HasMore = resp.HasMore
	}
	current := e.messages
	if page == 1 {
		current = retainOnReload(e.messages, e.arrivals, since)
		e.pruneArrivalsLocked(since)
	}
	e.messages, result.Added = mergeMessages(current, incoming, conversationId)
	if page > e.cursor.Page || page == 1 {
		e.cursor.Page = page
	}
	e.cursor.HasMore = result.HasMore
	e.mu.Unlock()

	log.CtxDebug(ctx, "message page loaded: conversation_id=%s, page=%d, added=%d, has_more=%t",
		conversationId, page, result.Added, result.HasMore)
	e.notify(
		Event{Kind: EventMessages, ConversationId: conversationId},
		Event{Kind: EventCursor, ConversationId: conversationId},
	)
	return result, nil
}

// LoadOlderMessages loads the page after the last one loaded
func (e *ConversationSyncEngine) LoadOlderMessages(ctx context.Context) (*PageResult, error) {
	e.mu.Lock()
	conversationId, cursor := e.activeId, e.cursor
	e.mu.Unlock()

	if conversationId == "" {
		return nil, errcode.ErrNoActiveConversation
	}
	if !cursor.HasMore || cursor.Loading {
		return &PageResult{ConversationId: conversationId, Page: cursor.Page, HasMore: cursor.HasMore, Skipped: true}, nil
	}
	return e.LoadMessagePage(ctx, cursor.Page+1)
}

// SendMessage shows text in the selected conversation at once as a pending message,
// relays it to the peer and persists it. A persistence failure leaves the message
// in place as failed and is not returned as an error.
func (e *ConversationSyncEngine) SendMessage(ctx context.Context, text string) (*entity.Message, error) {
	if entity.IsBlank(text) {
		return nil, errcode.ErrValidation.Wrap(errors.New("message text is empty"))
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	clientId, err := e.idGen.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate placeholder id: %w", err)
	}

	e.mu.Lock()
	conv := e.findConversationLocked(e.activeId)
	if conv == nil {
		e.mu.Unlock()
		return nil, errcode.ErrNoActiveConversation
	}
	msg := &entity.Message{
		Id:             clientId,
		ClientId:       clientId,
		ConversationId: conv.Id,
		SenderId:       e.cfg.UserId,
		Text:           text,
		CreatedAt:      e.now(),
		Status:         entity.MessageStatusPending,
	}
	e.messages = insertMessage(e.messages, msg)
	conv.Touch(msg.Preview())
	e.moveToFrontLocked(conv.Id)
	peer, _ := conv.Peer(e.cfg.UserId)
	pending := msg.Clone()
	e.mu.Unlock()

	e.notify(
		Event{Kind: EventMessages, ConversationId: pending.ConversationId},
		Event{Kind: EventConversations, ConversationId: pending.ConversationId},
	)

	return e.deliver(ctx, pending, peer.Id), nil
}

// RetryMessage resubmits a failed message in place
func (e *ConversationSyncEngine) RetryMessage(ctx context.Context, clientId string) (*entity.Message, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	idx := indexByClientId(e.messages, clientId)
	if idx < 0 {
		e.mu.Unlock()
		return nil, errcode.ErrMessageNotFound
	}
	msg := e.messages[idx]
	if msg.Status != entity.MessageStatusFailed {
		e.mu.Unlock()
		return nil, errcode.ErrNotRetryable
	}
	msg.Status = entity.MessageStatusPending
	var peerId string
	if conv := e.findConversationLocked(msg.ConversationId); conv != nil {
		peer, _ := conv.Peer(e.cfg.UserId)
		peerId = peer.Id
	}
	pending := msg.Clone()
	e.mu.Unlock()

	log.CtxInfo(ctx, "retry message: conversation_id=%s, client_id=%s", pending.ConversationId, clientId)
	e.notify(Event{Kind: EventMessageStatus, ConversationId: pending.ConversationId, MessageId: clientId})

	return e.deliver(ctx, pending, peerId), nil
}

// deliver relays pending to the peer, then persists it and reconciles the result
func (e *ConversationSyncEngine) deliver(ctx context.Context, pending *entity.Message, peerId string) *entity.Message {
	if e.transport != nil && peerId != "" {
		err := e.transport.SendMessage(ctx, &entity.OutboundMessage{
			SenderId:   pending.SenderId,
			ReceiverId: peerId,
			Text:       pending.Text,
		})
		if err != nil {
			log.CtxWarn(ctx, "relay message failed: conversation_id=%s, client_id=%s, error=%v",
				pending.ConversationId, pending.ClientId, err)
		}
	}

	confirmed, err := e.store.SendMessage(ctx, pending.ConversationId, pending.SenderId, pending.Text)
	if err == nil && (confirmed == nil || confirmed.Id == "") {
		err = errors.New("store returned no message id")
	}
	if err != nil {
		log.CtxWarn(ctx, "persist message failed: conversation_id=%s, client_id=%s, error=%v",
			pending.ConversationId, pending.ClientId, err)
		return e.failMessage(pending)
	}
	return e.confirmMessage(pending, confirmed)
}

func (e *ConversationSyncEngine) failMessage(pending *entity.Message) *entity.Message {
	failed := pending.Clone()
	failed.Status = entity.MessageStatusFailed

	e.mu.Lock()
	idx := indexByClientId(e.messages, pending.ClientId)
	if idx >= 0 {
		e.messages[idx].Status = entity.MessageStatusFailed
	}
	e.mu.Unlock()

	if idx >= 0 {
		e.notify(Event{Kind: EventMessageStatus, ConversationId: pending.ConversationId, MessageId: pending.ClientId})
	}
	return failed
}

// confirmMessage replaces the pending entry with the stored copy at the same index.
// If the server timestamp breaks the ordering the entry is moved instead.
func (e *ConversationSyncEngine) confirmMessage(pending, stored *entity.Message) *entity.Message {
	confirmed := stored.Clone()
	confirmed.ClientId = pending.ClientId
	confirmed.Status = entity.MessageStatusConfirmed
	if confirmed.ConversationId == "" {
		confirmed.ConversationId = pending.ConversationId
	}
	if confirmed.SenderId == "" {
		confirmed.SenderId = pending.SenderId
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = pending.CreatedAt
	}

	e.mu.Lock()
	idx := indexByClientId(e.messages, pending.ClientId)
	if idx >= 0 {
		if dup := indexById(e.messages, confirmed.Id); dup >= 0 && dup != idx {
			// A page load or push already brought the stored copy
			e.messages = append(e.messages[:idx], e.messages[idx+1:]...)
		} else {
			e.messages[idx] = confirmed.Clone()
			if !inOrderAt(e.messages, idx) {
				moved := e.messages[idx]
				e.messages = append(e.messages[:idx], e.messages[idx+1:]...)
				e.messages = insertMessage(e.messages, moved)
			}
			e.noteArrivalLocked(confirmed.Id)
		}
	}
	if conv := e.findConversationLocked(confirmed.ConversationId); conv != nil && conv.LastMessage != nil &&
		conv.LastMessage.SenderId == pending.SenderId && conv.LastMessage.CreatedAt.Equal(pending.CreatedAt) {
		conv.LastMessage = confirmed.Preview()
		if confirmed.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = confirmed.CreatedAt
		}
	}
	e.mu.Unlock()

	if idx >= 0 {
		e.notify(Event{Kind: EventMessageStatus, ConversationId: confirmed.ConversationId, MessageId: confirmed.Id})
	}
	return confirmed
}

// OnMessageArrived applies a push event for a message written by the other participant
func (e *ConversationSyncEngine) OnMessageArrived(msg *entity.InboundMessage) {
	e.applyInbound(context.Background(), msg, true)
}

func (e *ConversationSyncEngine) applyInbound(ctx context.Context, in *entity.InboundMessage, allowQueue bool) {
	if in == nil || in.SenderId == "" {
		return
	}
	if in.SenderId == e.cfg.UserId {
		log.CtxDebug(ctx, "ignore own push message: conversation_id=%s", in.ConversationId)
		return
	}
	if entity.IsBlank(in.Text) {
		log.CtxWarn(ctx, "ignore empty push message: sender_id=%s", in.SenderId)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	conv := e.resolveConversationLocked(in)
	if conv == nil {
		if !allowQueue {
			e.mu.Unlock()
			log.CtxWarn(ctx, "drop push message: %v: sender_id=%s, conversation_id=%s",
				errcode.ErrStateInconsistency, in.SenderId, in.ConversationId)
			return
		}
		e.queueLocked(ctx, in)
		startRefresh := !e.refreshing
		e.refreshing = true
		e.mu.Unlock()

		log.CtxInfo(ctx, "push message for unknown conversation, refreshing: sender_id=%s", in.SenderId)
		if startRefresh {
			e.refreshInBackground(ctx)
		}
		return
	}

	msg := &entity.Message{
		Id:             in.Id,
		ConversationId: conv.Id,
		SenderId:       in.SenderId,
		Text:           in.Text,
		CreatedAt:      in.CreatedAt,
		Status:         entity.MessageStatusConfirmed,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.now()
	}
	if msg.Id == "" {
		// Durable id unknown until the next page load
		id, err := e.idGen.NextID()
		if err != nil {
			log.CtxWarn(ctx, "generate placeholder id failed: error=%v", err)
			id = idgen.PlaceholderPrefix + uuid.NewString()
		}
		msg.Id = id
		msg.ClientId = id
	}

	conv.Touch(msg.Preview())
	active := conv.Id == e.activeId
	if !active {
		conv.UnreadCount++
	}
	e.moveToFrontLocked(conv.Id)

	appended := false
	if active && indexById(e.messages, msg.Id) < 0 {
		e.messages = insertMessage(e.messages, msg)
		e.noteArrivalLocked(msg.Id)
		appended = true
	}
	e.mu.Unlock()

	events := []Event{{Kind: EventConversations, ConversationId: conv.Id}}
	if appended {
		events = append(events, Event{Kind: EventMessages, ConversationId: conv.Id})
	}
	e.notify(events...)

	if active {
		conversationId := conv.Id
		e.goBackground(ctx, func(ctx context.Context) {
			e.markRead(ctx, conversationId, 0)
		})
	}
}

// resolveConversationLocked finds the conversation of a push event: by id when the
// event carries one, else the most recent conversation shared with the sender
func (e *ConversationSyncEngine) resolveConversationLocked(in *entity.InboundMessage) *entity.Conversation {
	if in.ConversationId != "" {
		conv := e.findConversationLocked(in.ConversationId)
		if conv != nil && conv.HasMember(in.SenderId) {
			return conv
		}
		if conv != nil {
			return nil
		}
	}
	for _, conv := range e.conversations {
		if conv.HasMember(in.SenderId) {
			return conv
		}
	}
	return nil
}

func (e *ConversationSyncEngine) queueLocked(ctx context.Context, in *entity.InboundMessage) {
	if len(e.queued) >= maxQueuedEvents {
		dropped := e.queued[0]
		e.queued = e.queued[1:]
		log.CtxWarn(ctx, "drop push message: %v: queue full, sender_id=%s",
			errcode.ErrStateInconsistency, dropped.SenderId)
	}
	cp := *in
	e.queued = append(e.queued, &cp)
}

// refreshInBackground reloads the conversation list so queued events can be applied
func (e *ConversationSyncEngine) refreshInBackground(ctx context.Context) {
	started := e.goBackground(ctx, func(ctx context.Context) {
		if _, err := e.LoadConversations(ctx); err != nil {
			e.dropQueued(ctx, err)
		}
	})
	if !started {
		e.dropQueued(ctx, errcode.ErrEngineClosed)
	}
}

func (e *ConversationSyncEngine) dropQueued(ctx context.Context, cause error) {
	e.mu.Lock()
	queued := e.queued
	e.queued = nil
	e.refreshing = false
	e.mu.Unlock()

	for _, in := range queued {
		log.CtxWarn(ctx, "drop push message: %v: sender_id=%s, refresh error=%v",
			errcode.ErrStateInconsistency, in.SenderId, cause)
	}
}

// mergeMessages adds incoming to list, skipping ids already present, and returns
// the list in createdAt order with the number of messages added. Messages of
// other conversations are ignored.
func mergeMessages(list, incoming []*entity.Message, conversationId string) ([]*entity.Message, int) {
	ids := make(map[string]struct{}, len(list)+len(incoming))
	for _, m := range list {
		ids[m.Id] = struct{}{}
	}

	fresh := make([]*entity.Message, 0, len(incoming))
	for _, m := range incoming {
		if m == nil || m.Id == "" || (m.ConversationId != "" && m.ConversationId != conversationId) {
			continue
		}
		if _, ok := ids[m.Id]; ok {
			continue
		}
		// A pushed copy without a durable id is superseded by the stored one
		if i := indexPushedCopy(list, m); i >= 0 {
			delete(ids, list[i].Id)
			list = append(list[:i:i], list[i+1:]...)
		}
		ids[m.Id] = struct{}{}
		cp := m.Clone()
		cp.ConversationId = conversationId
		cp.Status = entity.MessageStatusConfirmed
		fresh = append(fresh, cp)
	}
	if len(fresh) == 0 {
		return list, 0
	}

	// Older pages go in front; a stable sort keeps equal timestamps in arrival order
	merged := make([]*entity.Message, 0, len(list)+len(fresh))
	merged = append(merged, fresh...)
	merged = append(merged, list...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged, len(fresh)
}

// noteArrivalLocked records that id entered the list outside a page load
func (e *ConversationSyncEngine) noteArrivalLocked(id string) {
	e.arrivalSeq++
	if e.arrivals == nil {
		e.arrivals = make(map[string]uint64)
	}
	e.arrivals[id] = e.arrivalSeq
}

// pruneArrivalsLocked forgets arrivals a completed first page has accounted for
func (e *ConversationSyncEngine) pruneArrivalsLocked(since uint64) {
	for id, seq := range e.arrivals {
		if seq <= since {
			delete(e.arrivals, id)
		}
	}
}

// retainOnReload keeps the messages a fresh first page may not contain: unconfirmed
// sends, pushed messages without a durable id, and anything that arrived after the
// page was requested
func retainOnReload(list []*entity.Message, arrivals map[string]uint64, since uint64) []*entity.Message {
	out := make([]*entity.Message, 0, len(list))
	for _, m := range list {
		if m.Status != entity.MessageStatusConfirmed || idgen.IsPlaceholder(m.Id) || arrivals[m.Id] > since {
			out = append(out, m)
		}
	}
	return out
}

// insertMessage inserts msg after every message not newer than it
func insertMessage(list []*entity.Message, msg *entity.Message) []*entity.Message {
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(msg.CreatedAt)
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	return list
}

func inOrderAt(list []*entity.Message, idx int) bool {
	if idx > 0 && list[idx-1].CreatedAt.After(list[idx].CreatedAt) {
		return false
	}
	if idx < len(list)-1 && list[idx].CreatedAt.After(list[idx+1].CreatedAt) {
		return false
	}
	return true
}

func indexById(list []*entity.Message, id string) int {
	for i, m := range list {
		if m.Id == id {
			return i
		}
	}
	return -1
}

func indexByClientId(list []*entity.Message, clientId string) int {
	if clientId == "" {
		return -1
	}
	for i, m := range list {
		if m.ClientId == clientId {
			return i
		}
	}
	return -1
}

// indexPushedCopy finds the pushed message that stored represents: same sender and
// text, nearest timestamp within pushedCopyWindow
func indexPushedCopy(list []*entity.Message, stored *entity.Message) int {
	best, bestGap := -1, time.Duration(0)
	for i, m := range list {
		if m.Status != entity.MessageStatusConfirmed || !idgen.IsPlaceholder(m.Id) ||
			m.SenderId != stored.SenderId || m.Text != stored.Text {
			continue
		}
		gap := m.CreatedAt.Sub(stored.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > pushedCopyWindow {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}
