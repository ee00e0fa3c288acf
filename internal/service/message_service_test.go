package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/pkg/errcode"
	"github.com/mbeoliero/marketchat/pkg/idgen"
)

func countText(msgs []*entity.Message, text string) (int, int) {
	n, idx := 0, -1
	for i, m := range msgs {
		if m.Text == text {
			n++
			idx = i
		}
	}
	return n, idx
}

func assertOrdered(t *testing.T, msgs []*entity.Message) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	}), "messages not ordered by createdAt")

	seen := map[string]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.Id], "duplicate id %s", m.Id)
		seen[m.Id] = true
	}
}

func pageOf(conversationId string, from time.Time, n int, prefix string) []*entity.Message {
	msgs := make([]*entity.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, msgAt(fmt.Sprintf("%s%02d", prefix, i), conversationId, "u2", from.Add(time.Duration(i)*time.Minute)))
	}
	return msgs
}

func TestSendMessage_MovesConversationToTop(t *testing.T) {
	h := newHarness(t,
		conv("a", "u2", base, 0),
		conv("b", "u3", base.Add(5*time.Minute), 0),
	).started(t)
	require.Equal(t, []string{"b", "a"}, ids(h.engine.Conversations()))

	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)
	_, err = h.engine.SendMessage(context.Background(), "test")
	require.NoError(t, err)

	convs := h.engine.Conversations()
	assert.Equal(t, []string{"a", "b"}, ids(convs))
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "test", convs[0].LastMessage.Text)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestSendMessage_OptimisticThenConfirmedInPlace(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	h.store.setPage("a", 1, &entity.MessagePage{Messages: pageOf("a", base, 3, "old"), HasMore: true})
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	gate := make(chan struct{})
	h.store.set(func(s *fakeStore) { s.sendGate = gate })

	done := make(chan *entity.Message, 1)
	go func() {
		msg, err := h.engine.SendMessage(context.Background(), "hello")
		assert.NoError(t, err)
		done <- msg
	}()

	// visible before the store answers
	require.Eventually(t, func() bool {
		n, _ := countText(h.engine.Messages(), "hello")
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
	msgs := h.engine.Messages()
	_, pendingIdx := countText(msgs, "hello")
	assert.Equal(t, entity.MessageStatusPending, msgs[pendingIdx].Status)
	assert.Equal(t, "local-1", msgs[pendingIdx].Id)

	close(gate)
	confirmed := <-done
	require.NotNil(t, confirmed)
	assert.Equal(t, entity.MessageStatusConfirmed, confirmed.Status)
	assert.Equal(t, "local-1", confirmed.ClientId)

	msgs = h.engine.Messages()
	n, idx := countText(msgs, "hello")
	assert.Equal(t, 1, n)
	assert.Equal(t, pendingIdx, idx)
	assert.Equal(t, "m-1", msgs[idx].Id)
	assert.Equal(t, entity.MessageStatusConfirmed, msgs[idx].Status)
	assertOrdered(t, msgs)

	out := h.transport.outbound()
	require.Len(t, out, 1)
	assert.Equal(t, entity.OutboundMessage{SenderId: me, ReceiverId: "u2", Text: "hello"}, *out[0])
}

func TestSendMessage_FailureKeepsMessage(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)
	h.store.set(func(s *fakeStore) { s.sendErr = errors.New("500") })

	msg, err := h.engine.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, entity.MessageStatusFailed, msg.Status)

	msgs := h.engine.Messages()
	n, idx := countText(msgs, "hi")
	require.Equal(t, 1, n)
	assert.Equal(t, entity.MessageStatusFailed, msgs[idx].Status)
}

func TestSendMessage_TransportFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)
	h.transport.sendErr = errors.New("socket closed")

	msg, err := h.engine.SendMessage(context.Background(), "still here")
	require.NoError(t, err)
	assert.Equal(t, entity.MessageStatusConfirmed, msg.Status)
	n, _ := countText(h.engine.Messages(), "still here")
	assert.Equal(t, 1, n)
}

func TestSendMessage_Rejected(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)

	_, err := h.engine.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, errcode.ErrNoActiveConversation)

	h.store.setPage("a", 1, &entity.MessagePage{Messages: pageOf("a", base, 2, "m")})
	_, err = h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	for _, text := range []string{"", "   ", "\n\t"} {
		before := len(h.engine.Messages())
		_, err := h.engine.SendMessage(context.Background(), text)
		assert.True(t, errors.Is(err, errcode.ErrValidation), "text %q", text)
		assert.Len(t, h.engine.Messages(), before)
	}
	assert.Empty(t, h.store.sent)
	assert.Empty(t, h.transport.outbound())
}

func TestRetryMessage(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	h.store.set(func(s *fakeStore) { s.sendErr = errors.New("500") })
	failed, err := h.engine.SendMessage(context.Background(), "again")
	require.NoError(t, err)
	_, idx := countText(h.engine.Messages(), "again")

	_, err = h.engine.RetryMessage(context.Background(), "unknown")
	assert.ErrorIs(t, err, errcode.ErrMessageNotFound)

	h.store.set(func(s *fakeStore) { s.sendErr = nil })
	confirmed, err := h.engine.RetryMessage(context.Background(), failed.ClientId)
	require.NoError(t, err)
	assert.Equal(t, entity.MessageStatusConfirmed, confirmed.Status)

	msgs := h.engine.Messages()
	n, newIdx := countText(msgs, "again")
	assert.Equal(t, 1, n)
	assert.Equal(t, idx, newIdx)
	assert.Equal(t, []string{"again", "again"}, h.store.sent)
	assert.Len(t, h.transport.outbound(), 2)

	_, err = h.engine.RetryMessage(context.Background(), failed.ClientId)
	assert.ErrorIs(t, err, errcode.ErrNotRetryable)
}

func TestConfirmMessage_ReordersOnClockSkew(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	pending := &entity.Message{
		Id: "local-x", ClientId: "local-x", ConversationId: "a", SenderId: me, Text: "skewed",
		CreatedAt: base.Add(10 * time.Minute), Status: entity.MessageStatusPending,
	}
	h.engine.mu.Lock()
	h.engine.messages = []*entity.Message{
		msgAt("m1", "a", "u2", base.Add(5*time.Minute)),
		pending.Clone(),
	}
	h.engine.mu.Unlock()

	// server clock is behind: stored copy predates m1
	stored := &entity.Message{Id: "m9", ConversationId: "a", SenderId: me, Text: "skewed", CreatedAt: base.Add(time.Minute)}
	h.engine.confirmMessage(pending, stored)

	msgs := h.engine.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m9", msgs[0].Id)
	assertOrdered(t, msgs)
}

func TestConfirmMessage_DropsPendingWhenStoredCopyPresent(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	pending := &entity.Message{
		Id: "local-x", ClientId: "local-x", ConversationId: "a", SenderId: me, Text: "dup",
		CreatedAt: base.Add(time.Minute), Status: entity.MessageStatusPending,
	}
	stored := &entity.Message{Id: "m5", ConversationId: "a", SenderId: me, Text: "dup", CreatedAt: base.Add(2 * time.Minute)}
	h.engine.mu.Lock()
	h.engine.messages = []*entity.Message{pending.Clone(), msgAt("m5", "a", me, stored.CreatedAt)}
	h.engine.mu.Unlock()

	h.engine.confirmMessage(pending, stored)
	msgs := h.engine.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m5", msgs[0].Id)
}

func TestOnMessageArrived_UnreadAccounting(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0), conv("c", "u3", base.Add(-time.Hour), 1)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.engine.OnMessageArrived(&entity.InboundMessage{
			SenderId:  "u3",
			Text:      fmt.Sprintf("ping %d", i),
			CreatedAt: base.Add(time.Duration(i+1) * time.Minute),
		})
	}

	convs := h.engine.Conversations()
	assert.Equal(t, []string{"c", "a"}, ids(convs))
	assert.Equal(t, 4, convs[0].UnreadCount)
	assert.Equal(t, "ping 2", convs[0].LastMessage.Text)
	assert.Empty(t, h.engine.Messages(), "inactive conversation messages are not shown")

	_, err = h.engine.SelectConversation(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 0, h.engine.ActiveConversation().UnreadCount)
}

func TestOnMessageArrived_ActiveConversation(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0), conv("b", "u3", base.Add(time.Minute), 0)).started(t)
	h.store.setPage("a", 1, &entity.MessagePage{Messages: pageOf("a", base, 3, "m")})
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)
	h.settle()

	// an older timestamp lands in order, not at the tail
	h.engine.OnMessageArrived(&entity.InboundMessage{Id: "p1", SenderId: "u2", Text: "late", CreatedAt: base.Add(90 * time.Second)})
	h.engine.OnMessageArrived(&entity.InboundMessage{Id: "p1", SenderId: "u2", Text: "late", CreatedAt: base.Add(90 * time.Second)})
	h.settle()

	msgs := h.engine.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "p1", msgs[2].Id)
	assertOrdered(t, msgs)

	active := h.engine.ActiveConversation()
	assert.Equal(t, 0, active.UnreadCount)
	assert.Equal(t, []string{"a", "b"}, ids(h.engine.Conversations()))
	assert.Equal(t, []string{"a", "a", "a"}, h.store.markReads())
}

func TestOnMessageArrived_Ignored(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)

	h.engine.OnMessageArrived(nil)
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: me, Text: "echo"})
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "  "})

	c := h.engine.Conversations()[0]
	assert.Equal(t, 0, c.UnreadCount)
	assert.Nil(t, c.LastMessage)
}

func TestOnMessageArrived_UsesConversationId(t *testing.T) {
	first := conv("a", "u2", base.Add(time.Minute), 0)
	second := conv("b", "u2", base, 0)
	h := newHarness(t, first, second).started(t)

	h.engine.OnMessageArrived(&entity.InboundMessage{ConversationId: "b", SenderId: "u2", Text: "about the bike"})
	convs := h.engine.Conversations()
	assert.Equal(t, []string{"b", "a"}, ids(convs))
	assert.Equal(t, 1, convs[0].UnreadCount)

	// without an id the most recent shared conversation wins
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "hello?"})
	convs = h.engine.Conversations()
	assert.Equal(t, 2, convs[0].UnreadCount)
}

func TestOnMessageArrived_UnknownConversationRefreshes(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	h.store.setConvs(conv("a", "u2", base, 0), conv("n", "u9", base.Add(-time.Hour), 0))

	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u9", Text: "is it available?", CreatedAt: base.Add(time.Hour)})
	h.settle()

	convs := h.engine.Conversations()
	assert.Equal(t, []string{"n", "a"}, ids(convs))
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, "is it available?", convs[0].LastMessage.Text)
	assert.Equal(t, 2, h.store.listCalls)
}

func TestOnMessageArrived_UnknownConversationDropped(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)

	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u9", Text: "hello"})
	h.settle()
	assert.Equal(t, []string{"a"}, ids(h.engine.Conversations()))

	// a failed refresh drops the event as well
	h.store.set(func(s *fakeStore) { s.listErr = errors.New("offline") })
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u9", Text: "hello again"})
	h.settle()
	assert.Equal(t, []string{"a"}, ids(h.engine.Conversations()))

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	assert.Empty(t, h.engine.queued)
	assert.False(t, h.engine.refreshing)
}

func TestLoadMessagePage_TwoPages(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	older := pageOf("a", base, 10, "old")
	newer := pageOf("a", base.Add(time.Hour), 10, "new")
	h.store.setPage("a", 1, &entity.MessagePage{Messages: newer, HasMore: true})
	h.store.setPage("a", 2, &entity.MessagePage{Messages: older, HasMore: false})

	first, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 10, first.Added)
	assert.True(t, h.engine.Cursor().HasMore)

	second, err := h.engine.LoadOlderMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Page)
	assert.Equal(t, 10, second.Added)
	assert.Equal(t, "new00", second.AnchorId)
	assert.False(t, second.HasMore)

	msgs := h.engine.Messages()
	assert.Len(t, msgs, 20)
	assertOrdered(t, msgs)
	assert.Equal(t, "old00", msgs[0].Id)
	assert.Equal(t, entity.PaginationCursor{Page: 2, HasMore: false}, h.engine.Cursor())

	// nothing older left
	third, err := h.engine.LoadOlderMessages(context.Background())
	require.NoError(t, err)
	assert.True(t, third.Skipped)
	assert.Equal(t, 2, h.store.messageCalls)
}

func TestLoadMessagePage_SingleInFlight(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	h.store.setPage("a", 1, &entity.MessagePage{Messages: pageOf("a", base.Add(time.Hour), 10, "new"), HasMore: true})
	h.store.setPage("a", 2, &entity.MessagePage{Messages: pageOf("a", base, 10, "old"), HasMore: true})
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	gate := h.store.gate("a")
	results := make(chan *PageResult, 1)
	go func() {
		res, err := h.engine.LoadMessagePage(context.Background(), 2)
		assert.NoError(t, err)
		results <- res
	}()
	require.Eventually(t, func() bool { return h.engine.Cursor().Loading }, 2*time.Second, 5*time.Millisecond)

	res, err := h.engine.LoadMessagePage(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(gate)
	first := <-results
	assert.Equal(t, 10, first.Added)

	// a repeated page adds nothing
	again, err := h.engine.LoadMessagePage(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Added)

	msgs := h.engine.Messages()
	assert.Len(t, msgs, 20)
	assertOrdered(t, msgs)
}

func TestLoadMessagePage_StaleResponseDiscarded(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0), conv("b", "u3", base, 0)).started(t)
	h.store.setPage("a", 1, &entity.MessagePage{Messages: pageOf("a", base, 3, "a"), HasMore: true})
	h.store.setPage("b", 1, &entity.MessagePage{Messages: pageOf("b", base, 2, "b"), HasMore: false})

	gate := h.store.gate("a")
	results := make(chan *PageResult, 1)
	go func() {
		res, err := h.engine.SelectConversation(context.Background(), "a")
		assert.NoError(t, err)
		results <- res
	}()
	require.Eventually(t, func() bool { return h.engine.Cursor().Loading }, 2*time.Second, 5*time.Millisecond)

	_, err := h.engine.SelectConversation(context.Background(), "b")
	require.NoError(t, err)
	close(gate)

	stale := <-results
	assert.True(t, stale.Stale)

	msgs := h.engine.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "b", m.ConversationId)
	}
	assert.Equal(t, entity.PaginationCursor{Page: 1, HasMore: false}, h.engine.Cursor())
}

func TestLoadMessagePage_Validation(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)

	_, err := h.engine.LoadMessagePage(context.Background(), 1)
	assert.ErrorIs(t, err, errcode.ErrNoActiveConversation)
	_, err = h.engine.LoadOlderMessages(context.Background())
	assert.ErrorIs(t, err, errcode.ErrNoActiveConversation)

	_, err = h.engine.LoadMessagePage(context.Background(), 0)
	assert.True(t, errors.Is(err, errcode.ErrValidation))
}

func TestLoadMessagePage_FirstPageKeepsLocalMessages(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	h.store.set(func(s *fakeStore) { s.sendErr = errors.New("500") })
	_, err = h.engine.SendMessage(context.Background(), "unsent")
	require.NoError(t, err)
	// pushed without a durable id
	pushedAt := base.Add(2 * time.Hour)
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "pushed", CreatedAt: pushedAt})
	h.settle()

	stored := msgAt("m42", "a", "u2", pushedAt)
	stored.Text = "pushed"
	h.store.setPage("a", 1, &entity.MessagePage{Messages: []*entity.Message{msgAt("m1", "a", "u2", base), stored}})

	_, err = h.engine.LoadMessagePage(context.Background(), 1)
	require.NoError(t, err)

	msgs := h.engine.Messages()
	require.Len(t, msgs, 3)
	assertOrdered(t, msgs)
	n, idx := countText(msgs, "pushed")
	assert.Equal(t, 1, n)
	assert.Equal(t, "m42", msgs[idx].Id)
	n, idx = countText(msgs, "unsent")
	assert.Equal(t, 1, n)
	assert.Equal(t, entity.MessageStatusFailed, msgs[idx].Status)
}

func TestMessageOrdering_MixedSources(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	offsets := []time.Duration{50 * time.Minute, 10 * time.Minute, 3 * time.Hour, 0, 2 * time.Hour}
	for i, off := range offsets {
		_, err := h.engine.SendMessage(context.Background(), fmt.Sprintf("sent %d", i))
		require.NoError(t, err)
		h.engine.OnMessageArrived(&entity.InboundMessage{
			Id:        fmt.Sprintf("in-%d", i),
			SenderId:  "u2",
			Text:      fmt.Sprintf("recv %d", i),
			CreatedAt: base.Add(off),
		})
	}
	h.settle()

	msgs := h.engine.Messages()
	assert.Len(t, msgs, 2*len(offsets))
	assertOrdered(t, msgs)
}

func TestLoadMessagePage_FirstPageKeepsArrivalsDuringLoad(t *testing.T) {
	tests := []struct {
		name        string
		pageHasLive bool
	}{
		{name: "page predates the push"},
		{name: "page already holds the push", pageHasLive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, conv("a", "u2", base, 0)).started(t)
			live := msgAt("m2", "a", "u2", base.Add(time.Minute))
			live.Text = "live"
			page := []*entity.Message{msgAt("m1", "a", "u2", base)}
			if tt.pageHasLive {
				page = append(page, live)
			}
			h.store.setPage("a", 1, &entity.MessagePage{Messages: page})

			gate := h.store.gate("a")
			results := make(chan *PageResult, 1)
			go func() {
				res, err := h.engine.SelectConversation(context.Background(), "a")
				assert.NoError(t, err)
				results <- res
			}()
			require.Eventually(t, func() bool { return h.engine.Cursor().Loading }, 2*time.Second, 5*time.Millisecond)

			h.engine.OnMessageArrived(&entity.InboundMessage{
				Id:             "m2",
				ConversationId: "a",
				SenderId:       "u2",
				Text:           "live",
				CreatedAt:      live.CreatedAt,
			})
			require.Len(t, h.engine.Messages(), 1)

			close(gate)
			res := <-results
			require.False(t, res.Stale)
			h.settle()

			msgs := h.engine.Messages()
			require.Len(t, msgs, 2)
			assertOrdered(t, msgs)
			n, idx := countText(msgs, "live")
			assert.Equal(t, 1, n)
			assert.Equal(t, "m2", msgs[idx].Id)
		})
	}
}

func TestLoadMessagePage_FirstPageKeepsSendConfirmedDuringLoad(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	h.store.setPage("a", 1, &entity.MessagePage{Messages: []*entity.Message{msgAt("m1", "a", "u2", base)}})
	gate := h.store.gate("a")
	results := make(chan *PageResult, 1)
	go func() {
		res, err := h.engine.LoadMessagePage(context.Background(), 1)
		assert.NoError(t, err)
		results <- res
	}()
	require.Eventually(t, func() bool { return h.engine.Cursor().Loading }, 2*time.Second, 5*time.Millisecond)

	sent, err := h.engine.SendMessage(context.Background(), "mine")
	require.NoError(t, err)
	require.Equal(t, entity.MessageStatusConfirmed, sent.Status)

	close(gate)
	<-results

	msgs := h.engine.Messages()
	require.Len(t, msgs, 2)
	n, idx := countText(msgs, "mine")
	assert.Equal(t, 1, n)
	assert.Equal(t, sent.Id, msgs[idx].Id)
}

func TestLoadMessagePage_PushedCopyMatchesNearbyTimestamp(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	pushedAt := base.Add(2 * time.Hour)
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "ok", CreatedAt: pushedAt})
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "ok", CreatedAt: pushedAt.Add(2 * time.Second)})
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "pushed", CreatedAt: pushedAt.Add(time.Minute)})
	h.settle()
	require.Len(t, h.engine.Messages(), 3)

	// the server stamped its copies a few milliseconds after the socket did
	nearest := msgAt("m42", "a", "u2", pushedAt.Add(1900*time.Millisecond))
	nearest.Text = "ok"
	other := msgAt("m43", "a", "u2", pushedAt.Add(time.Minute+3*time.Millisecond))
	other.Text = "pushed"
	h.store.setPage("a", 1, &entity.MessagePage{Messages: []*entity.Message{msgAt("m1", "a", "u2", base), nearest, other}})

	_, err = h.engine.LoadMessagePage(context.Background(), 1)
	require.NoError(t, err)

	msgs := h.engine.Messages()
	require.Len(t, msgs, 4)
	assertOrdered(t, msgs)

	n, idx := countText(msgs, "pushed")
	assert.Equal(t, 1, n)
	assert.Equal(t, "m43", msgs[idx].Id)

	n, _ = countText(msgs, "ok")
	assert.Equal(t, 2, n)
	var okIds []string
	for _, m := range msgs {
		if m.Text == "ok" {
			okIds = append(okIds, m.Id)
		}
	}
	assert.True(t, idgen.IsPlaceholder(okIds[0]), "earliest pushed copy has no stored counterpart")
	assert.Equal(t, "m42", okIds[1])
}

func TestLoadMessagePage_PushedCopyOutsideWindowKept(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)

	pushedAt := base.Add(2 * time.Hour)
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "again", CreatedAt: pushedAt})
	h.settle()

	stored := msgAt("m7", "a", "u2", pushedAt.Add(-time.Hour))
	stored.Text = "again"
	h.store.setPage("a", 1, &entity.MessagePage{Messages: []*entity.Message{stored}})

	_, err = h.engine.LoadMessagePage(context.Background(), 1)
	require.NoError(t, err)

	n, _ := countText(h.engine.Messages(), "again")
	assert.Equal(t, 2, n)
}

// brokenGenerator never yields an id
type brokenGenerator struct{}

func (brokenGenerator) NextID() (string, error) {
	return "", errors.New("clock moved backwards")
}

func TestOnMessageArrived_PlaceholderFallbackIsUnique(t *testing.T) {
	h := newHarness(t, conv("a", "u2", base, 0)).started(t)
	_, err := h.engine.SelectConversation(context.Background(), "a")
	require.NoError(t, err)
	h.engine.idGen = brokenGenerator{}

	at := base.Add(time.Hour)
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "one", CreatedAt: at})
	h.engine.OnMessageArrived(&entity.InboundMessage{SenderId: "u2", Text: "two", CreatedAt: at})
	h.settle()

	msgs := h.engine.Messages()
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].Id, msgs[1].Id)
	for _, m := range msgs {
		assert.True(t, idgen.IsPlaceholder(m.Id))
		assert.Equal(t, m.Id, m.ClientId)
	}
}
