package router

import (
	"encoding/json"
	"sync"
	"testing"

	"carelink/internal/connection"
	"carelink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	state     connection.State
	sent      []models.Frame
	handler   func(models.Frame)
	observers []func(connection.State)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: connection.StateConnected}
}

func (t *fakeTransport) Send(f models.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != connection.StateConnected {
		return models.ErrNotConnected
	}
	t.sent = append(t.sent, f)
	return nil
}

func (t *fakeTransport) State() connection.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) SetFrameHandler(h func(models.Frame)) {
	t.handler = h
}

func (t *fakeTransport) OnStateChange(observer func(connection.State)) {
	t.observers = append(t.observers, observer)
	observer(t.state)
}

func (t *fakeTransport) setState(s connection.State) {
	t.mu.Lock()
	t.state = s
	observers := t.observers
	t.mu.Unlock()
	for _, o := range observers {
		o(s)
	}
}

func (t *fakeTransport) deliver(topic string, payload any) {
	body, _ := json.Marshal(payload)
	t.handler(models.Frame{Type: models.FrameTypeMessage, Topic: topic, Body: body})
}

func (t *fakeTransport) sentFrames() []models.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

func TestSubscribe_Idempotent(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)

	var calls int
	sub1 := r.Subscribe("topic/presence", "presence", func(models.Frame) { calls++ })
	sub2 := r.Subscribe("topic/presence", "presence", func(models.Frame) { calls += 100 })
	assert.Same(t, sub1, sub2)

	tr.deliver("topic/presence", models.PresenceRecord{UserID: "u1"})
	assert.Equal(t, 1, calls, "duplicate subscription must not double-deliver")
}

func TestFanOut_MultipleOwners(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)

	got := make(map[string]int)
	r.Subscribe("topic/conversation/c1/typing", "chat", func(models.Frame) { got["chat"]++ })
	r.Subscribe("topic/conversation/c1/typing", "presence", func(models.Frame) { got["presence"]++ })

	tr.deliver("topic/conversation/c1/typing", models.TypingEvent{UserID: "u2", Typing: true})

	assert.Equal(t, 1, got["chat"])
	assert.Equal(t, 1, got["presence"])
}

func TestUnknownTopicDropped(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)

	var calls int
	r.Subscribe("topic/a", "x", func(models.Frame) { calls++ })
	tr.deliver("topic/b", nil)

	assert.Zero(t, calls)
}

func TestPublish_RejectedWhenOffline(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)
	tr.setState(connection.StateDisconnected)

	before := len(tr.sentFrames())
	err := r.Publish("app/chat/c1/send", models.ChatMessage{ID: "m1"}, nil)
	require.ErrorIs(t, err, models.ErrNotConnected)
	assert.Len(t, tr.sentFrames(), before, "rejected publish must not be buffered")
}

func TestPublish_SendsFrame(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)

	err := r.Publish("app/chat/c1/send", models.ChatMessage{ID: "m1", Content: "hi"}, map[string]string{"messageId": "m1"})
	require.NoError(t, err)

	frames := tr.sentFrames()
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameTypeSend, last.Type)
	assert.Equal(t, "app/chat/c1/send", last.Destination)
	assert.Equal(t, "m1", last.Headers["messageId"])

	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(last.Body, &msg))
	assert.Equal(t, "hi", msg.Content)
}

func TestUnsubscribe(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)

	var calls int
	sub := r.Subscribe("topic/a", "x", func(models.Frame) { calls++ })
	r.Unsubscribe(sub)

	tr.deliver("topic/a", nil)
	assert.Zero(t, calls)

	frames := tr.sentFrames()
	assert.Equal(t, models.FrameTypeUnsubscribe, frames[len(frames)-1].Type)
}

func TestReconnect_ReplaysSubscriptions(t *testing.T) {
	tr := newFakeTransport()
	tr.state = connection.StateDisconnected
	r := New(tr)

	r.Subscribe("topic/a", "x", func(models.Frame) {})
	r.Subscribe("topic/b", "x", func(models.Frame) {})
	assert.Empty(t, tr.sentFrames(), "no broker traffic while offline")

	tr.setState(connection.StateConnected)

	topics := make(map[string]bool)
	for _, f := range tr.sentFrames() {
		if f.Type == models.FrameTypeSubscribe {
			topics[f.Destination] = true
		}
	}
	assert.True(t, topics["topic/a"])
	assert.True(t, topics["topic/b"])
}
