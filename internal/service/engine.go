package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/constant"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/pkg/idgen"
)

// ConversationStore is the remote store of conversations and messages
type ConversationStore interface {
	ListConversations(ctx context.Context, userId string) ([]*entity.Conversation, error)
	// FindConversation returns nil, nil when no conversation exists
	FindConversation(ctx context.Context, receiverId, productId string) (*entity.Conversation, error)
	CreateConversation(ctx context.Context, senderId, receiverId, productId string) (*entity.Conversation, error)
	// ListMessages returns one page, oldest first
	ListMessages(ctx context.Context, conversationId string, limit, page int) (*entity.MessagePage, error)
	SendMessage(ctx context.Context, conversationId, senderId, text string) (*entity.Message, error)
	MarkRead(ctx context.Context, conversationId string) error
}

// Transport is the push channel to the other participant
type Transport interface {
	AddUser(ctx context.Context, userId string) error
	SendMessage(ctx context.Context, msg *entity.OutboundMessage) error
	Subscribe(handler func(msg *entity.InboundMessage))
}

// ReceiptLedger remembers read receipts that could not be delivered
type ReceiptLedger interface {
	Add(ctx context.Context, conversationId string) error
	Remove(ctx context.Context, conversationId string) error
	List(ctx context.Context) ([]string, error)
}

// EventKind tells observers which part of the state changed
type EventKind int

const (
	EventConversations EventKind = iota // list content or order
	EventMessages                       // active message list
	EventCursor                         // pagination cursor
	EventMessageStatus                  // a message moved between pending, confirmed and failed
)

func (k EventKind) String() string {
	switch k {
	case EventConversations:
		return "conversations"
	case EventMessages:
		return "messages"
	case EventCursor:
		return "cursor"
	case EventMessageStatus:
		return "message_status"
	default:
		return "unknown"
	}
}

// Event is delivered to observers after a mutation has been applied
type Event struct {
	Kind           EventKind
	ConversationId string
	MessageId      string // set for EventMessageStatus
}

// EngineConfig configures a ConversationSyncEngine
type EngineConfig struct {
	UserId   string
	PageSize int
}

// EngineOption customizes a ConversationSyncEngine
type EngineOption func(*ConversationSyncEngine)

// WithReceiptLedger sets where failed read receipts are kept
func WithReceiptLedger(ledger ReceiptLedger) EngineOption {
	return func(e *ConversationSyncEngine) {
		e.ledger = ledger
	}
}

// WithIDGenerator sets the placeholder id generator
func WithIDGenerator(gen idgen.IDGenerator) EngineOption {
	return func(e *ConversationSyncEngine) {
		e.idGen = gen
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) EngineOption {
	return func(e *ConversationSyncEngine) {
		e.now = now
	}
}

// maxQueuedEvents bounds push events waiting for an unknown conversation
const maxQueuedEvents = 100

// ConversationSyncEngine owns the conversation list, the selected conversation and
// its messages, and reconciles user actions, store responses and push events into
// one ordered view. All state is guarded by mu; store and transport calls are made
// without holding it.
type ConversationSyncEngine struct {
	cfg       EngineConfig
	store     ConversationStore
	transport Transport
	ledger    ReceiptLedger
	idGen     idgen.IDGenerator
	now       func() time.Time

	mu            sync.Mutex
	conversations []*entity.Conversation // updatedAt descending
	activeId      string
	epoch         uint64 // bumped on every selection
	messages      []*entity.Message
	cursor        entity.PaginationCursor
	arrivalSeq    uint64
	arrivals      map[string]uint64        // message id -> arrivalSeq, for messages added outside page loads
	queued        []*entity.InboundMessage // waiting for a conversation refresh
	refreshing    bool
	observers     []func(Event)
	closed        bool

	wg sync.WaitGroup
}

// NewConversationSyncEngine creates an engine for cfg.UserId. transport may be nil,
// in which case messages are only persisted through the store.
func NewConversationSyncEngine(cfg EngineConfig, store ConversationStore, transport Transport, opts ...EngineOption) (*ConversationSyncEngine, error) {
	if cfg.UserId == "" {
		return nil, errcode.ErrValidation.Wrap(errors.New("user id is required"))
	}
	if store == nil {
		return nil, errcode.ErrValidation.Wrap(errors.New("conversation store is required"))
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = constant.DefaultPageSize
	}
	if cfg.PageSize > constant.MaxPageSize {
		cfg.PageSize = constant.MaxPageSize
	}

	e := &ConversationSyncEngine{
		cfg:       cfg,
		store:     store,
		transport: transport,
		now:       time.Now,
		cursor:    entity.NewPaginationCursor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.idGen == nil {
		e.idGen = idgen.NewPlaceholderGenerator(nil)
	}
	return e, nil
}

// UserId returns the current user
func (e *ConversationSyncEngine) UserId() string {
	return e.cfg.UserId
}

// Start registers with the transport, subscribes to push events and loads the
// conversation list
func (e *ConversationSyncEngine) Start(ctx context.Context) error {
	if e.transport != nil {
		e.transport.Subscribe(e.OnMessageArrived)
		if err := e.transport.AddUser(ctx, e.cfg.UserId); err != nil {
			log.CtxWarn(ctx, "transport add user failed: user_id=%s, error=%v", e.cfg.UserId, err)
			return asNetworkError(err)
		}
	}

	convs, err := e.LoadConversations(ctx)
	if err != nil {
		return err
	}
	log.CtxInfo(ctx, "sync engine started: user_id=%s, conversations=%d", e.cfg.UserId, len(convs))
	return nil
}

// Close stops accepting operations and waits for background requests
func (e *ConversationSyncEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// Subscribe registers an observer notified after every mutation
func (e *ConversationSyncEngine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Conversations returns a copy of the conversation list, most recent first
func (e *ConversationSyncEngine) Conversations() []*entity.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneConversations(e.conversations)
}

// ActiveConversation returns a copy of the selected conversation, or nil
func (e *ConversationSyncEngine) ActiveConversation() *entity.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conv := e.findConversationLocked(e.activeId); conv != nil {
		return conv.Clone()
	}
	return nil
}

// Messages returns a copy of the selected conversation's messages, oldest first
func (e *ConversationSyncEngine) Messages() []*entity.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*entity.Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.Clone()
	}
	return out
}

// Cursor returns the pagination cursor of the selected conversation
func (e *ConversationSyncEngine) Cursor() entity.PaginationCursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// notify delivers events to observers. Must be called without holding mu.
func (e *ConversationSyncEngine) notify(events ...Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	observers := make([]func(Event), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

// goBackground runs fn on a tracked goroutine unless the engine is closed.
// The context keeps ctx values but is never canceled by the caller.
func (e *ConversationSyncEngine) goBackground(ctx context.Context, fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}

	e.wg.Add(1)
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.CtxError(bgCtx, "sync engine background task panic: error=%v", r)
			}
		}()
		fn(bgCtx)
	}()
	return true
}

func (e *ConversationSyncEngine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errcode.ErrEngineClosed
	}
	return nil
}

// asNetworkError tags collaborator failures as NetworkError
func asNetworkError(err error) error {
	if err == nil || errors.Is(err, errcode.ErrNetwork) {
		return err
	}
	return errcode.ErrNetwork.Wrap(err)
}
