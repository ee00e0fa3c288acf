package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/constant"
)

// Options configures the push channel connection
type Options struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	WriteChannelSize int
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = HandshakeTimeout
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = MaxMessageSize
	}
	if o.WriteWait == 0 {
		o.WriteWait = WriteWait
	}
	if o.PongWait == 0 {
		o.PongWait = PongWait
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteChannelSize == 0 {
		o.WriteChannelSize = WriteChannelSize
	}
}

// MessageHandler receives inbound getMessage events
type MessageHandler = func(msg *entity.InboundMessage)

// Client is the push channel of one chat session
type Client struct {
	mu        sync.RWMutex
	conn      ClientConn
	handlers  []MessageHandler
	presence  *Presence
	started   atomic.Bool
	closed    atomic.Bool
	closedErr error
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// Dial connects to the socket server. Call Start after subscribing to begin reading.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.applyDefaults()

	target, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid socket url %q: %w", opts.URL, err)
	}
	query := target.Query()
	query.Set(QueryOperationId, uuid.NewString())
	if opts.Token != "" {
		query.Set(QueryToken, opts.Token)
	}
	target.RawQuery = query.Encode()

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	wsConn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	conn := newWebSocketClientConn(wsConn, connOptions{
		maxMsgSize:       opts.MaxMessageSize,
		pongWait:         opts.PongWait,
		pingPeriod:       opts.PingPeriod,
		writeWait:        opts.WriteWait,
		writeChannelSize: opts.WriteChannelSize,
	})

	log.CtxInfo(ctx, "socket connected: url=%s", opts.URL)
	return newClient(conn), nil
}

func newClient(conn ClientConn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:     conn,
		presence: NewPresence(),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers a handler for inbound messages
func (c *Client) Subscribe(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Start starts the read loop. Calling it twice has no effect.
func (c *Client) Start() {
	if c.started.Swap(true) {
		return
	}
	go c.readLoop()
}

// Presence returns the online user set reported by the server
func (c *Client) Presence() *Presence {
	return c.presence
}

// AddUser registers userId so the server routes its messages to this connection
func (c *Client) AddUser(ctx context.Context, userId string) error {
	log.CtxDebug(ctx, "socket add user: user_id=%s", userId)
	return c.emit(constant.EventAddUser, userId)
}

// SendMessage relays msg to its receiver
func (c *Client) SendMessage(ctx context.Context, msg *entity.OutboundMessage) error {
	log.CtxDebug(ctx, "socket send message: sender_id=%s, receiver_id=%s", msg.SenderId, msg.ReceiverId)
	return c.emit(constant.EventSendMessage, &SendMessageData{
		SenderId:   msg.SenderId,
		ReceiverId: msg.ReceiverId,
		Text:       msg.Text,
	})
}

func (c *Client) emit(event string, data interface{}) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	frame, err := NewFrame(event, data)
	if err != nil {
		return err
	}
	raw, err := Encode(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(raw)
}

// readLoop continuously reads frames from the connection
func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.setErr(ErrPanic)
			log.CtxError(c.ctx, "socket read loop panic: error=%v", r)
		}
		c.Close()
	}()

	for {
		message, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				log.CtxWarn(c.ctx, "socket read error: error=%v", err)
				c.setErr(err)
			}
			return
		}

		if err := c.handleMessage(message); err != nil {
			log.CtxWarn(c.ctx, "handle frame error: error=%v", err)
		}
	}
}

// handleMessage routes a single frame. Malformed frames are reported and skipped.
func (c *Client) handleMessage(message []byte) error {
	var frame Frame
	if err := Decode(message, &frame); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProtocol, err)
	}

	switch frame.Event {
	case constant.EventGetMessage:
		var data GetMessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return fmt.Errorf("%w: getMessage: %v", ErrInvalidProtocol, err)
		}
		c.dispatch(&entity.InboundMessage{
			Id:             data.Id,
			ConversationId: data.ConversationId,
			SenderId:       data.SenderId,
			Text:           data.Text,
			CreatedAt:      data.CreatedAt.Time,
		})
	case constant.EventGetUsers:
		var users []OnlineUser
		if err := json.Unmarshal(frame.Data, &users); err != nil {
			return fmt.Errorf("%w: getUsers: %v", ErrInvalidProtocol, err)
		}
		c.presence.Replace(users)
	default:
		log.CtxDebug(c.ctx, "ignore socket event: event=%s", frame.Event)
	}
	return nil
}

func (c *Client) dispatch(msg *entity.InboundMessage) {
	c.mu.RLock()
	handlers := make([]MessageHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Done is closed once the connection has shut down
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.closedErr = err
	c.mu.Unlock()
}

// Err returns the error that ended the read loop, if any
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closedErr
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	err := c.conn.Close()
	close(c.done)
	return err
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
