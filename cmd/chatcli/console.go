package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/gateway"
	"github.com/mbeoliero/marketchat/internal/service"
)

const help = `commands:
  /list                       show conversations
  /open <n|id>                open a conversation
  /start <userId> [productId] chat with a seller about a listing
  /more                       load older messages
  /retry <id>                 resend a failed message
  /quit                       exit
anything else is sent to the open conversation`

// console is a line-based chat UI over the sync engine
type console struct {
	engine   *service.ConversationSyncEngine
	presence *gateway.Presence
	in       io.Reader
	out      io.Writer
}

func newConsole(engine *service.ConversationSyncEngine, presence *gateway.Presence, in io.Reader, out io.Writer) *console {
	c := &console{engine: engine, presence: presence, in: in, out: out}
	engine.Subscribe(c.onEvent)
	return c
}

func (c *console) run(ctx context.Context) {
	fmt.Fprintln(c.out, help)

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := c.handle(ctx, line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		msg, err := c.engine.SendMessage(ctx, line)
		if err != nil {
			return err
		}
		if msg.Status == entity.MessageStatusFailed {
			fmt.Fprintf(c.out, "not delivered, /retry %s\n", msg.ClientId)
		}
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/list":
		c.printConversations()
	case "/open":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /open <n|id>")
		}
		if _, err := c.engine.SelectConversation(ctx, c.resolve(fields[1])); err != nil {
			return err
		}
		c.printMessages()
	case "/start":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /start <userId> [productId]")
		}
		var productId string
		if len(fields) > 2 {
			productId = fields[2]
		}
		if _, err := c.engine.StartConversation(ctx, fields[1], productId); err != nil {
			return err
		}
		c.printMessages()
	case "/more":
		res, err := c.engine.LoadOlderMessages(ctx)
		if err != nil {
			return err
		}
		if res.Skipped && !res.HasMore {
			fmt.Fprintln(c.out, "no older messages")
			return nil
		}
		c.printMessages()
	case "/retry":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /retry <id>")
		}
		if _, err := c.engine.RetryMessage(ctx, fields[1]); err != nil {
			return err
		}
		c.printMessages()
	default:
		fmt.Fprintln(c.out, help)
	}
	return nil
}

// resolve maps a 1-based list position to a conversation id
func (c *console) resolve(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	convs := c.engine.Conversations()
	if n < 1 || n > len(convs) {
		return arg
	}
	return convs[n-1].Id
}

func (c *console) onEvent(ev service.Event) {
	if ev.Kind != service.EventConversations || ev.ConversationId == "" {
		return
	}
	active := c.engine.ActiveConversation()
	if active != nil && active.Id == ev.ConversationId {
		return
	}
	for _, conv := range c.engine.Conversations() {
		if conv.Id == ev.ConversationId && conv.UnreadCount > 0 && conv.LastMessage != nil {
			fmt.Fprintf(c.out, "* %s: %s (%d unread)\n", c.peerName(conv), conv.LastMessage.Text, conv.UnreadCount)
			return
		}
	}
}

func (c *console) printConversations() {
	convs := c.engine.Conversations()
	if len(convs) == 0 {
		fmt.Fprintln(c.out, "no conversations")
		return
	}
	if at := c.presence.UpdatedAt(); !at.IsZero() {
		fmt.Fprintf(c.out, "%d users online as of %s\n", c.presence.Count(), at.Local().Format("15:04:05"))
	}
	for i, conv := range convs {
		var last string
		if conv.LastMessage != nil {
			last = conv.LastMessage.Text
		}
		online := ""
		if peer, ok := conv.Peer(c.engine.UserId()); ok && c.presence.IsOnline(peer.Id) {
			online = " (online)"
		}
		fmt.Fprintf(c.out, "%2d. %s%s [%d] %s\n", i+1, c.peerName(conv), online, conv.UnreadCount, last)
	}
}

func (c *console) printMessages() {
	for _, m := range c.engine.Messages() {
		who := "them"
		if m.SenderId == c.engine.UserId() {
			who = "me"
		}
		status := ""
		if m.Status != entity.MessageStatusConfirmed {
			status = fmt.Sprintf(" [%s %s]", m.Status, m.ClientId)
		}
		fmt.Fprintf(c.out, "%s %-4s %s%s\n", m.CreatedAt.Local().Format("01-02 15:04"), who, m.Text, status)
	}
	if cur := c.engine.Cursor(); cur.HasMore {
		fmt.Fprintln(c.out, "(/more for older messages)")
	}
}

func (c *console) peerName(conv *entity.Conversation) string {
	peer, ok := conv.Peer(c.engine.UserId())
	if !ok {
		return conv.Id
	}
	if peer.Name != "" {
		return peer.Name
	}
	return peer.Id
}
