package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"carelink/internal/models"
	"carelink/internal/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	destination string
	payload     any
	headers     map[string]string
}

type fakePubsub struct {
	mu       sync.Mutex
	reject   bool
	sent     []published
	handlers map[string]router.Handler
}

func newFakePubsub() *fakePubsub {
	return &fakePubsub{handlers: make(map[string]router.Handler)}
}

func (p *fakePubsub) Subscribe(topic, owner string, h router.Handler) *router.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = h
	return &router.Subscription{Topic: topic, Owner: owner}
}

func (p *fakePubsub) Unsubscribe(sub *router.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, sub.Topic)
}

func (p *fakePubsub) Publish(destination string, payload any, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return models.ErrNotConnected
	}
	p.sent = append(p.sent, published{destination: destination, payload: payload, headers: headers})
	return nil
}

func (p *fakePubsub) deliver(t *testing.T, topic string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	p.mu.Lock()
	h := p.handlers[topic]
	p.mu.Unlock()
	require.NotNil(t, h, "no handler for topic %s", topic)
	h(models.Frame{Type: models.FrameTypeMessage, Topic: topic, Body: body})
}

func (p *fakePubsub) publishedTo(destination string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, s := range p.sent {
		if s.destination == destination {
			out = append(out, s)
		}
	}
	return out
}

type fakeAPI struct {
	mu          sync.Mutex
	history     []models.ChatMessage
	historyErr  error
	uploaded    models.ChatMessage
	uploadErr   error
	readConv    string
	readMessage string
}

func (a *fakeAPI) Messages(_ context.Context, _ string, _, pageSize int) ([]models.ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	if len(a.history) > pageSize {
		return a.history[:pageSize], nil
	}
	return a.history, nil
}

func (a *fakeAPI) UploadAttachment(_ context.Context, _, _ string, _ []byte) (models.ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadErr != nil {
		return models.ChatMessage{}, a.uploadErr
	}
	return a.uploaded, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, conversationID, messageID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readConv = conversationID
	a.readMessage = messageID
	return nil
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *fakePubsub, *fakeAPI) {
	t.Helper()
	if cfg.SelfID == "" {
		cfg.SelfID = "me"
	}
	ps := newFakePubsub()
	restAPI := &fakeAPI{}
	return New(context.Background(), cfg, ps, restAPI), ps, restAPI
}

func inbound(id, conv, sender string, status models.MessageStatus) models.ChatMessage {
	return models.ChatMessage{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        "content of " + id,
		Status:         status,
		CreatedAt:      time.Now().UnixMilli(),
	}
}

func TestSend(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})

	msg, err := ch.Send("c1", "hello", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
	assert.Equal(t, "me", msg.SenderID)

	sent := ps.publishedTo("app/chat/c1/send")
	require.Len(t, sent, 1)
	assert.Equal(t, msg.ID, sent[0].headers["messageId"])
}

func TestSend_RejectedPublishFails(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})
	ps.reject = true

	msg, err := ch.Send("c1", "hello", nil)
	require.ErrorIs(t, err, models.ErrNotConnected)
	assert.Equal(t, models.MessageStatusFailed, msg.Status)

	local := ch.Messages("c1")
	require.Len(t, local, 1)
	assert.Equal(t, models.MessageStatusFailed, local[0].Status)
}

func TestInbound_DuplicateDelivery(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})
	ch.Open("c1")

	msg := inbound("m1", "c1", "u2", models.MessageStatusSent)
	ps.deliver(t, "topic/conversation/c1/messages", msg)
	ps.deliver(t, "topic/conversation/c1/messages", msg)

	assert.Len(t, ch.Messages("c1"), 1)
}

func TestStatus_NeverMovesBackward(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})
	ch.Open("c1")

	ps.deliver(t, "topic/conversation/c1/messages", inbound("m1", "c1", "u2", models.MessageStatusSent))
	ps.deliver(t, "topic/conversation/c1/status", models.StatusEvent{
		MessageID: "m1", ConversationID: "c1", Status: models.MessageStatusRead,
	})
	ps.deliver(t, "topic/conversation/c1/status", models.StatusEvent{
		MessageID: "m1", ConversationID: "c1", Status: models.MessageStatusDelivered,
	})

	msgs := ch.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageStatusRead, msgs[0].Status)
}

func TestStatus_BufferedUntilMessageArrives(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})
	ch.Open("c1")

	// Status topic outran the message topic.
	ps.deliver(t, "topic/conversation/c1/status", models.StatusEvent{
		MessageID: "m1", ConversationID: "c1", Status: models.MessageStatusDelivered,
	})
	ps.deliver(t, "topic/conversation/c1/messages", inbound("m1", "c1", "u2", models.MessageStatusSent))

	msgs := ch.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageStatusDelivered, msgs[0].Status)
}

func TestStatus_BufferedEventExpires(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{StatusTTL: 50 * time.Millisecond})
	ch.Open("c1")

	ps.deliver(t, "topic/conversation/c1/status", models.StatusEvent{
		MessageID: "m1", ConversationID: "c1", Status: models.MessageStatusRead,
	})
	time.Sleep(150 * time.Millisecond)
	ps.deliver(t, "topic/conversation/c1/messages", inbound("m1", "c1", "u2", models.MessageStatusSent))

	msgs := ch.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageStatusSent, msgs[0].Status)
}

func TestTyping_AutoStopFiresOnce(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{TypingTimeout: 100 * time.Millisecond})
	ch.Open("c1")

	require.NoError(t, ch.SendTyping("c1", true))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ch.SendTyping("c1", true))

	time.Sleep(300 * time.Millisecond)

	var starts, stops int
	for _, p := range ps.publishedTo("app/chat/c1/typing") {
		ev := p.payload.(models.TypingEvent)
		if ev.Typing {
			starts++
		} else {
			stops++
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops, "auto-stop must fire exactly once")
}

func TestTyping_ExplicitStopCancelsTimer(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{TypingTimeout: 80 * time.Millisecond})
	ch.Open("c1")

	require.NoError(t, ch.SendTyping("c1", true))
	require.NoError(t, ch.SendTyping("c1", false))
	time.Sleep(200 * time.Millisecond)

	var stops int
	for _, p := range ps.publishedTo("app/chat/c1/typing") {
		if !p.payload.(models.TypingEvent).Typing {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestTyping_TeardownCancelsTimer(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{TypingTimeout: 80 * time.Millisecond})
	ch.Open("c1")

	require.NoError(t, ch.SendTyping("c1", true))
	ch.CloseConversation("c1")
	time.Sleep(200 * time.Millisecond)

	var stops int
	for _, p := range ps.publishedTo("app/chat/c1/typing") {
		if !p.payload.(models.TypingEvent).Typing {
			stops++
		}
	}
	assert.Zero(t, stops, "auto-stop callback survived conversation teardown")
}

func TestTyping_InboundSet(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})
	ch.Open("c1")

	ps.deliver(t, "topic/conversation/c1/typing", models.TypingEvent{ConversationID: "c1", UserID: "u2", Typing: true})
	assert.Equal(t, []string{"u2"}, ch.TypingUsers("c1"))

	// Own events echoed by the broker are ignored.
	ps.deliver(t, "topic/conversation/c1/typing", models.TypingEvent{ConversationID: "c1", UserID: "me", Typing: true})
	assert.Equal(t, []string{"u2"}, ch.TypingUsers("c1"))

	ps.deliver(t, "topic/conversation/c1/typing", models.TypingEvent{ConversationID: "c1", UserID: "u2", Typing: false})
	assert.Empty(t, ch.TypingUsers("c1"))
}

func TestReact(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})
	ch.Open("c1")
	ps.deliver(t, "topic/conversation/c1/messages", inbound("m1", "c1", "u2", models.MessageStatusSent))

	require.NoError(t, ch.React("m1", "👍"))
	msgs := ch.Messages("c1")
	assert.Equal(t, "👍", msgs[0].Reactions["me"])
	require.Len(t, ps.publishedTo("app/chat/c1/react"), 1)

	ps.deliver(t, "topic/conversation/c1/reactions", models.ReactionEvent{
		MessageID: "m1", ConversationID: "c1", UserID: "u2", Reaction: "❤️",
	})
	msgs = ch.Messages("c1")
	assert.Equal(t, "❤️", msgs[0].Reactions["u2"])

	ps.deliver(t, "topic/conversation/c1/reactions", models.ReactionEvent{
		MessageID: "m1", ConversationID: "c1", UserID: "u2", Remove: true,
	})
	msgs = ch.Messages("c1")
	assert.NotContains(t, msgs[0].Reactions, "u2")

	assert.Error(t, ch.React("unknown", "👍"))
}

func TestMarkRead(t *testing.T) {
	ch, ps, restAPI := newTestChannel(t, Config{})
	ch.Open("c1")
	ps.deliver(t, "topic/conversation/c1/messages", inbound("m1", "c1", "u2", models.MessageStatusSent))
	ps.deliver(t, "topic/conversation/c1/messages", inbound("m2", "c1", "u2", models.MessageStatusSent))

	require.NoError(t, ch.MarkRead(context.Background(), "c1"))
	assert.Equal(t, "c1", restAPI.readConv)
	assert.Equal(t, "m2", restAPI.readMessage)

	reads := ps.publishedTo("app/chat/c1/read")
	require.Len(t, reads, 1)
	assert.Equal(t, "m2", reads[0].payload.(models.ReadEvent).LastMessageID)
}

func TestHistory(t *testing.T) {
	ch, _, restAPI := newTestChannel(t, Config{})
	for i := 9; i >= 0; i-- {
		restAPI.history = append(restAPI.history, inbound(fmt.Sprintf("m%d", i), "c1", "u2", models.MessageStatusSent))
	}

	page, hasMore, err := ch.History(context.Background(), "c1", 0, 5)
	require.NoError(t, err)
	assert.Len(t, page, 5)
	assert.True(t, hasMore)
	assert.Equal(t, "m9", page[0].ID, "pages arrive newest first")

	restAPI.history = restAPI.history[:3]
	page, hasMore, err = ch.History(context.Background(), "c1", 1, 5)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.False(t, hasMore)

	restAPI.historyErr = errors.New("backend down")
	_, _, err = ch.History(context.Background(), "c1", 2, 5)
	assert.Error(t, err)
}

func TestSendAttachment(t *testing.T) {
	ch, _, restAPI := newTestChannel(t, Config{})
	restAPI.uploaded = models.ChatMessage{
		ID:             "srv-1",
		ConversationID: "c1",
		SenderID:       "me",
		Status:         models.MessageStatusSent,
		Attachment:     &models.Attachment{Type: models.AttachmentTypeImage, Name: "x.png", FileID: "f1"},
	}

	msg, err := ch.SendAttachment(context.Background(), "c1", "x.png", []byte{0x89, 0x50})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
	require.NotNil(t, msg.Attachment)

	restAPI.uploadErr = errors.New("upload refused")
	failed, err := ch.SendAttachment(context.Background(), "c1", "y.png", []byte{1})
	require.Error(t, err)
	assert.Equal(t, models.MessageStatusFailed, failed.Status)

	// The earlier message is untouched by the failure.
	msgs := ch.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.MessageStatusSent, msgs[0].Status)
}

func TestSend_StripsUnsafeHTML(t *testing.T) {
	ch, _, _ := newTestChannel(t, Config{})

	msg, err := ch.Send("c1", "<script>alert(1)</script>hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
}

func TestRenderedContent(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{})
	ch.Open("c1")

	msg := inbound("m1", "c1", "u2", models.MessageStatusSent)
	msg.Content = "hello **world**"
	ps.deliver(t, "topic/conversation/c1/messages", msg)

	html, err := ch.RenderedContent("c1", "m1")
	require.NoError(t, err)
	assert.Contains(t, html, "<strong>world</strong>")

	_, err = ch.RenderedContent("c1", "missing")
	assert.Error(t, err)
}

func TestWindowEviction(t *testing.T) {
	ch, ps, _ := newTestChannel(t, Config{Window: 3})
	ch.Open("c1")

	for i := 0; i < 4; i++ {
		ps.deliver(t, "topic/conversation/c1/messages", inbound(fmt.Sprintf("m%d", i), "c1", "u2", models.MessageStatusSent))
	}

	msgs := ch.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
}
