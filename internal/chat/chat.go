// Package chat delivers per-conversation messages, typing indicators,
// delivery receipts and reactions over the topic router. Delivery is
// at-least-once; inbound messages are deduplicated by id.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carelink/internal/content"
	"carelink/internal/models"
	"carelink/internal/router"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const subscriptionOwner = "chat"

type pubsub interface {
	Subscribe(topic, owner string, h router.Handler) *router.Subscription
	Unsubscribe(sub *router.Subscription)
	Publish(destination string, payload any, headers map[string]string) error
}

// api is the REST collaborator: history pagination, attachment upload
// and read-receipt persistence live outside the realtime core.
type api interface {
	Messages(ctx context.Context, conversationID string, page, pageSize int) ([]models.ChatMessage, error)
	UploadAttachment(ctx context.Context, conversationID, filename string, data []byte) (models.ChatMessage, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
}

type Config struct {
	SelfID        string
	TypingTimeout time.Duration
	Window        int
	// StatusTTL bounds how long a status event may wait for its
	// message to arrive on the slower topic.
	StatusTTL time.Duration
}

type SendOptions struct {
	ReplyToID string
}

type conversation struct {
	id       string
	messages map[string]*models.ChatMessage
	order    []string
	typing   map[string]bool
	subs     []*router.Subscription
}

type Channel struct {
	cfg Config
	ps  pubsub
	api api

	mu            sync.RWMutex
	convs         map[string]*conversation
	handlers      []func(models.ChatMessage)
	typingTimers  map[string]*time.Timer
	pendingStatus geche.Geche[string, models.StatusEvent]
	now           func() time.Time
}

func New(ctx context.Context, cfg Config, ps pubsub, restAPI api) *Channel {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 30 * time.Second
	}
	return &Channel{
		cfg:           cfg,
		ps:            ps,
		api:           restAPI,
		convs:         make(map[string]*conversation),
		typingTimers:  make(map[string]*time.Timer),
		pendingStatus: geche.NewMapTTLCache[string, models.StatusEvent](ctx, cfg.StatusTTL, cfg.StatusTTL/2),
		now:           time.Now,
	}
}

// OnMessage registers a handler fired for every inbound message,
// including broker copies of our own sends. Handlers must not block.
func (ch *Channel) OnMessage(handler func(models.ChatMessage)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers = append(ch.handlers, handler)
}

// Open subscribes the conversation's message, typing, status and
// reaction topics. Opening an already open conversation is a no-op.
func (ch *Channel) Open(conversationID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.openLocked(conversationID)
}

func (ch *Channel) openLocked(conversationID string) *conversation {
	if conv, ok := ch.convs[conversationID]; ok {
		return conv
	}

	conv := &conversation{
		id:       conversationID,
		messages: make(map[string]*models.ChatMessage),
		typing:   make(map[string]bool),
	}
	ch.convs[conversationID] = conv

	conv.subs = []*router.Subscription{
		ch.ps.Subscribe(messagesTopic(conversationID), subscriptionOwner, ch.handleMessageFrame),
		ch.ps.Subscribe(typingTopic(conversationID), subscriptionOwner, ch.handleTypingFrame),
		ch.ps.Subscribe(statusTopic(conversationID), subscriptionOwner, ch.handleStatusFrame),
		ch.ps.Subscribe(reactionsTopic(conversationID), subscriptionOwner, ch.handleReactionFrame),
	}
	return conv
}

// CloseConversation unsubscribes the conversation and cancels its
// typing timer. Cancelling the timer on teardown is mandatory, the
// auto-stop callback must not outlive the conversation.
func (ch *Channel) CloseConversation(conversationID string) {
	ch.mu.Lock()
	conv, ok := ch.convs[conversationID]
	if ok {
		delete(ch.convs, conversationID)
	}
	if t, ok := ch.typingTimers[conversationID]; ok {
		t.Stop()
		delete(ch.typingTimers, conversationID)
	}
	ch.mu.Unlock()

	if !ok {
		return
	}
	for _, sub := range conv.subs {
		ch.ps.Unsubscribe(sub)
	}
}

// Close tears down every open conversation.
func (ch *Channel) Close() {
	ch.mu.RLock()
	ids := make([]string, 0, len(ch.convs))
	for id := range ch.convs {
		ids = append(ids, id)
	}
	ch.mu.RUnlock()

	for _, id := range ids {
		ch.CloseConversation(id)
	}
}

// Send publishes a message. The returned message starts in Sending and
// lands in Sent, or Failed when the publish is rejected.
func (ch *Channel) Send(conversationID, body string, opts *SendOptions) (models.ChatMessage, error) {
	msg := models.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       ch.cfg.SelfID,
		Content:        content.Sanitize(body),
		Status:         models.MessageStatusSending,
		CreatedAt:      ch.now().UnixMilli(),
	}
	if opts != nil {
		msg.ReplyToID = opts.ReplyToID
	}

	ch.mu.Lock()
	conv := ch.openLocked(conversationID)
	stored := conv.put(msg, ch.cfg.Window)
	ch.mu.Unlock()

	err := ch.ps.Publish(sendDestination(conversationID), msg, map[string]string{"messageId": msg.ID})

	ch.mu.Lock()
	if err != nil {
		stored.Status = models.MessageStatusFailed
	} else if models.StatusAdvances(stored.Status, models.MessageStatusSent) {
		stored.Status = models.MessageStatusSent
	}
	out := *stored
	ch.mu.Unlock()

	if err != nil {
		return out, fmt.Errorf("sending message: %w", err)
	}
	return out, nil
}

// SendAttachment uploads a binary payload through the REST collaborator
// and records the resulting message. A failed upload yields a Failed
// message and touches nothing else.
func (ch *Channel) SendAttachment(ctx context.Context, conversationID, filename string, data []byte) (models.ChatMessage, error) {
	msg, err := ch.api.UploadAttachment(ctx, conversationID, filename, data)
	if err != nil {
		failed := models.ChatMessage{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       ch.cfg.SelfID,
			Status:         models.MessageStatusFailed,
			CreatedAt:      ch.now().UnixMilli(),
		}
		ch.mu.Lock()
		ch.openLocked(conversationID).put(failed, ch.cfg.Window)
		ch.mu.Unlock()
		return failed, fmt.Errorf("uploading attachment: %w", err)
	}

	ch.mu.Lock()
	stored := ch.openLocked(conversationID).put(msg, ch.cfg.Window)
	out := *stored
	ch.mu.Unlock()
	return out, nil
}

// SendTyping publishes a typing indicator. A true publish arms (or
// re-arms) the auto-stop timer; expiry or an explicit false publishes
// "stopped" exactly once.
func (ch *Channel) SendTyping(conversationID string, typing bool) error {
	ch.mu.Lock()
	if t, ok := ch.typingTimers[conversationID]; ok {
		t.Stop()
		delete(ch.typingTimers, conversationID)
	}
	if typing {
		ch.typingTimers[conversationID] = time.AfterFunc(ch.cfg.TypingTimeout, func() {
			ch.autoStopTyping(conversationID)
		})
	}
	ch.mu.Unlock()

	return ch.publishTyping(conversationID, typing)
}

func (ch *Channel) autoStopTyping(conversationID string) {
	ch.mu.Lock()
	delete(ch.typingTimers, conversationID)
	ch.mu.Unlock()

	if err := ch.publishTyping(conversationID, false); err != nil {
		slog.Debug("typing auto-stop not published", "conversation", conversationID, "error", err)
	}
}

func (ch *Channel) publishTyping(conversationID string, typing bool) error {
	return ch.ps.Publish(typingDestination(conversationID), models.TypingEvent{
		ConversationID: conversationID,
		UserID:         ch.cfg.SelfID,
		Typing:         typing,
		Timestamp:      ch.now().UnixMilli(),
	}, nil)
}

// MarkRead persists the read receipt through the REST collaborator and
// broadcasts it to the conversation.
func (ch *Channel) MarkRead(ctx context.Context, conversationID string) error {
	ch.mu.RLock()
	var lastID string
	if conv, ok := ch.convs[conversationID]; ok {
		for i := len(conv.order) - 1; i >= 0; i-- {
			if m := conv.messages[conv.order[i]]; m.SenderID != ch.cfg.SelfID {
				lastID = m.ID
				break
			}
		}
	}
	ch.mu.RUnlock()

	if err := ch.api.MarkRead(ctx, conversationID, lastID); err != nil {
		return fmt.Errorf("persisting read receipt: %w", err)
	}

	return ch.ps.Publish(readDestination(conversationID), models.ReadEvent{
		ConversationID: conversationID,
		UserID:         ch.cfg.SelfID,
		LastMessageID:  lastID,
		Timestamp:      ch.now().UnixMilli(),
	}, nil)
}

// React publishes a reaction and applies it optimistically.
func (ch *Channel) React(messageID, reaction string) error {
	ch.mu.Lock()
	var conversationID string
	for _, conv := range ch.convs {
		if msg, ok := conv.messages[messageID]; ok {
			conversationID = conv.id
			if msg.Reactions == nil {
				msg.Reactions = make(map[string]string)
			}
			msg.Reactions[ch.cfg.SelfID] = reaction
			break
		}
	}
	ch.mu.Unlock()

	if conversationID == "" {
		return fmt.Errorf("message %s is not known locally", messageID)
	}

	return ch.ps.Publish(reactDestination(conversationID), models.ReactionEvent{
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         ch.cfg.SelfID,
		Reaction:       reaction,
	}, nil)
}

// History pulls one page of message history, newest first. The caller
// reverses pages for chronological display; hasMore is inferred from a
// full page.
func (ch *Channel) History(ctx context.Context, conversationID string, page, pageSize int) ([]models.ChatMessage, bool, error) {
	msgs, err := ch.api.Messages(ctx, conversationID, page, pageSize)
	if err != nil {
		return nil, false, fmt.Errorf("fetching history: %w", err)
	}

	ch.mu.Lock()
	conv := ch.openLocked(conversationID)
	for _, m := range msgs {
		conv.put(m, ch.cfg.Window)
	}
	ch.mu.Unlock()

	return msgs, len(msgs) == pageSize, nil
}

// Messages returns the local entries of a conversation in arrival order.
func (ch *Channel) Messages(conversationID string) []models.ChatMessage {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	conv, ok := ch.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.ChatMessage, 0, len(conv.order))
	for _, id := range conv.order {
		out = append(out, *conv.messages[id])
	}
	return out
}

// RenderedContent returns a message body rendered from markdown to
// sanitized HTML.
func (ch *Channel) RenderedContent(conversationID, messageID string) (string, error) {
	ch.mu.RLock()
	conv, ok := ch.convs[conversationID]
	var body string
	if ok {
		if msg, found := conv.messages[messageID]; found {
			body = msg.Content
		} else {
			ok = false
		}
	}
	ch.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("no message %s in conversation %s", messageID, conversationID)
	}
	return content.RenderMarkdown(body)
}

// TypingUsers returns the users currently typing in a conversation.
func (ch *Channel) TypingUsers(conversationID string) []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	conv, ok := ch.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conv.typing))
	for userID := range conv.typing {
		out = append(out, userID)
	}
	return out
}

func (ch *Channel) handleMessageFrame(f models.Frame) {
	var msg models.ChatMessage
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		slog.Warn("dropping malformed chat message", "topic", f.Topic, "error", err)
		return
	}
	if msg.ID == "" || msg.ConversationID == "" {
		slog.Warn("dropping chat message without ids", "topic", f.Topic)
		return
	}

	ch.mu.Lock()
	conv := ch.openLocked(msg.ConversationID)
	stored := conv.put(msg, ch.cfg.Window)

	// A status event may have raced ahead of its message on another
	// topic; apply the buffered one now.
	if ev, err := ch.pendingStatus.Get(msg.ID); err == nil {
		if models.StatusAdvances(stored.Status, ev.Status) {
			stored.Status = ev.Status
		}
		_ = ch.pendingStatus.Del(msg.ID)
	}

	out := *stored
	handlers := make([]func(models.ChatMessage), len(ch.handlers))
	copy(handlers, ch.handlers)
	ch.mu.Unlock()

	for _, h := range handlers {
		h(out)
	}
}

func (ch *Channel) handleStatusFrame(f models.Frame) {
	var ev models.StatusEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		slog.Warn("dropping malformed status event", "topic", f.Topic, "error", err)
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	conv, ok := ch.convs[ev.ConversationID]
	if !ok {
		return
	}
	msg, ok := conv.messages[ev.MessageID]
	if !ok {
		// The message may still arrive on the slower topic; hold the
		// event for a bounded time, then forget it.
		ch.pendingStatus.Set(ev.MessageID, ev)
		return
	}
	if models.StatusAdvances(msg.Status, ev.Status) {
		msg.Status = ev.Status
	}
}

func (ch *Channel) handleTypingFrame(f models.Frame) {
	var ev models.TypingEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		slog.Warn("dropping malformed typing event", "topic", f.Topic, "error", err)
		return
	}
	// Own typing events echo back on the broadcast topic.
	if ev.UserID == ch.cfg.SelfID {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	conv, ok := ch.convs[ev.ConversationID]
	if !ok {
		return
	}
	if ev.Typing {
		conv.typing[ev.UserID] = true
	} else {
		delete(conv.typing, ev.UserID)
	}
}

func (ch *Channel) handleReactionFrame(f models.Frame) {
	var ev models.ReactionEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		slog.Warn("dropping malformed reaction event", "topic", f.Topic, "error", err)
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	conv, ok := ch.convs[ev.ConversationID]
	if !ok {
		return
	}
	msg, ok := conv.messages[ev.MessageID]
	if !ok {
		// Reaction for a message outside the local window.
		return
	}
	if ev.Remove {
		delete(msg.Reactions, ev.UserID)
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]string)
	}
	msg.Reactions[ev.UserID] = ev.Reaction
}

// put inserts or replaces a message. Replacement never moves the
// delivery status backward. The oldest entry falls out once the window
// cap is exceeded; this is a live view, not storage.
func (c *conversation) put(msg models.ChatMessage, window int) *models.ChatMessage {
	if existing, ok := c.messages[msg.ID]; ok {
		if !models.StatusAdvances(existing.Status, msg.Status) {
			msg.Status = existing.Status
		}
		if msg.Reactions == nil {
			msg.Reactions = existing.Reactions
		}
		*existing = msg
		return existing
	}

	m := msg
	c.messages[m.ID] = &m
	c.order = append(c.order, m.ID)
	if len(c.order) > window {
		delete(c.messages, c.order[0])
		c.order = c.order[1:]
	}
	return &m
}

func sendDestination(id string) string { return "app/chat/" + id + "/send" }

func typingDestination(id string) string { return "app/chat/" + id + "/typing" }

func reactDestination(id string) string { return "app/chat/" + id + "/react" }

func readDestination(id string) string { return "app/chat/" + id + "/read" }

func messagesTopic(id string) string { return "topic/conversation/" + id + "/messages" }

func typingTopic(id string) string { return "topic/conversation/" + id + "/typing" }

func statusTopic(id string) string { return "topic/conversation/" + id + "/status" }

func reactionsTopic(id string) string { return "topic/conversation/" + id + "/reactions" }
