// Package router multiplexes topic subscriptions over the single broker
// connection. It is the sole writer of the subscription table.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"carelink/internal/connection"
	"carelink/internal/models"
)

// Handler receives every frame delivered on a subscribed topic.
// Handlers run on the dispatch goroutine and must not block.
type Handler func(f models.Frame)

type transport interface {
	Send(f models.Frame) error
	State() connection.State
	SetFrameHandler(h func(models.Frame))
	OnStateChange(observer func(connection.State))
}

type Subscription struct {
	Topic string
	Owner string

	handler Handler
	active  bool
}

type Router struct {
	tr transport

	mu sync.RWMutex
	// topic -> owner -> subscription
	subs map[string]map[string]*Subscription
}

func New(tr transport) *Router {
	r := &Router{
		tr:   tr,
		subs: make(map[string]map[string]*Subscription),
	}
	tr.SetFrameHandler(r.dispatch)
	tr.OnStateChange(r.handleStateChange)
	return r
}

// Subscribe binds a handler to a topic. Subscribing the same
// (topic, owner) pair twice is a no-op returning the existing
// subscription. The broker-side registration is replayed automatically
// after every reconnect.
func (r *Router) Subscribe(topic, owner string, handler Handler) *Subscription {
	r.mu.Lock()
	owners, ok := r.subs[topic]
	if !ok {
		owners = make(map[string]*Subscription)
		r.subs[topic] = owners
	}
	if sub, ok := owners[owner]; ok {
		r.mu.Unlock()
		return sub
	}

	sub := &Subscription{
		Topic:   topic,
		Owner:   owner,
		handler: handler,
		active:  true,
	}
	owners[owner] = sub
	r.mu.Unlock()

	// Best effort: when offline the registration happens on reconnect.
	if err := r.tr.Send(subscribeFrame(topic)); err != nil {
		slog.Debug("deferring subscription until connected", "topic", topic)
	}

	return sub
}

func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	owners, ok := r.subs[sub.Topic]
	if ok {
		delete(owners, sub.Owner)
		if len(owners) == 0 {
			delete(r.subs, sub.Topic)
		}
	}
	sub.active = false
	remaining := len(owners)
	r.mu.Unlock()

	if ok && remaining == 0 {
		if err := r.tr.Send(models.Frame{Type: models.FrameTypeUnsubscribe, Destination: sub.Topic}); err != nil {
			slog.Debug("skipping broker unsubscribe while offline", "topic", sub.Topic)
		}
	}
}

// Publish sends a payload to an application destination. It fails
// synchronously when the connection is not up; nothing is buffered for
// offline delivery.
func (r *Router) Publish(destination string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", destination, err)
	}

	return r.tr.Send(models.Frame{
		Type:        models.FrameTypeSend,
		Destination: destination,
		Headers:     headers,
		Body:        body,
	})
}

func (r *Router) dispatch(f models.Frame) {
	switch f.Type {
	case models.FrameTypeMessage:
		r.fanOut(f)
	case models.FrameTypeConnected:
		// Broker session acknowledgement, nothing to route.
	case models.FrameTypeError:
		slog.Warn("broker error frame", "headers", f.Headers)
	default:
		slog.Debug("ignoring frame", "type", f.Type)
	}
}

func (r *Router) fanOut(f models.Frame) {
	r.mu.RLock()
	owners := r.subs[f.Topic]
	handlers := make([]Handler, 0, len(owners))
	for _, sub := range owners {
		handlers = append(handlers, sub.handler)
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("dropping frame for unknown topic", "topic", f.Topic)
		return
	}

	for _, h := range handlers {
		h(f)
	}
}

// handleStateChange replays every active subscription once the
// connection is (re-)established. Broker-side registration is
// idempotent.
func (r *Router) handleStateChange(s connection.State) {
	if s != connection.StateConnected {
		return
	}

	r.mu.RLock()
	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	r.mu.RUnlock()

	for _, topic := range topics {
		if err := r.tr.Send(subscribeFrame(topic)); err != nil {
			slog.Warn("replaying subscription failed", "topic", topic, "error", err)
		}
	}
}

func subscribeFrame(topic string) models.Frame {
	return models.Frame{Type: models.FrameTypeSubscribe, Destination: topic}
}
