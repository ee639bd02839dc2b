// Package presence tracks user liveness and typing indicators. Updates
// are last-write-wins by the event's embedded timestamp, so reordered
// delivery under network jitter resolves correctly.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"carelink/internal/connection"
	"carelink/internal/models"
	"carelink/internal/router"

	"github.com/c-pro/geche"
)

const (
	subscriptionOwner    = "presence"
	presenceTopic        = "topic/presence"
	updateDestination    = "app/presence/update"
	heartbeatDestination = "app/presence/heartbeat"
)

type pubsub interface {
	Subscribe(topic, owner string, h router.Handler) *router.Subscription
	Unsubscribe(sub *router.Subscription)
	Publish(destination string, payload any, headers map[string]string) error
}

type stateSource interface {
	OnStateChange(observer func(connection.State))
}

type Config struct {
	SelfID            string
	HeartbeatInterval time.Duration
	// TypingTTL expires remote typing flags even when the "stopped"
	// event is lost.
	TypingTTL time.Duration
}

type Tracker struct {
	cfg Config
	ps  pubsub

	mu               sync.RWMutex
	records          map[string]models.PresenceRecord
	typingSubs       map[string]*router.Subscription
	presenceHandlers []func(models.PresenceRecord)
	typingHandlers   []func(models.TypingEvent)
	ownStatus        models.PresenceStatus
	ownMessage       string
	hbStop           chan struct{}

	typing geche.Geche[string, models.TypingEvent]
	now    func() time.Time
}

func New(ctx context.Context, cfg Config, ps pubsub, states stateSource) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 6 * time.Second
	}

	t := &Tracker{
		cfg:        cfg,
		ps:         ps,
		records:    make(map[string]models.PresenceRecord),
		typingSubs: make(map[string]*router.Subscription),
		ownStatus:  models.PresenceOnline,
		typing:     geche.NewMapTTLCache[string, models.TypingEvent](ctx, cfg.TypingTTL, cfg.TypingTTL/2),
		now:        time.Now,
	}

	ps.Subscribe(presenceTopic, subscriptionOwner, t.handlePresenceFrame)
	states.OnStateChange(t.handleStateChange)
	return t
}

func (t *Tracker) OnPresenceChange(handler func(models.PresenceRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presenceHandlers = append(t.presenceHandlers, handler)
}

func (t *Tracker) OnTyping(handler func(models.TypingEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typingHandlers = append(t.typingHandlers, handler)
}

// UpdateOwnPresence publishes our status. The status sticks and is
// refreshed by the periodic heartbeat.
func (t *Tracker) UpdateOwnPresence(status models.PresenceStatus, message string) error {
	t.mu.Lock()
	t.ownStatus = status
	t.ownMessage = message
	t.mu.Unlock()

	return t.publishOwn(status, message, updateDestination)
}

// Presence returns the last known record for a user.
func (t *Tracker) Presence(userID string) (models.PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// IsOnline treats online, busy and away as reachable.
func (t *Tracker) IsOnline(userID string) bool {
	rec, ok := t.Presence(userID)
	if !ok {
		return false
	}
	switch rec.Status {
	case models.PresenceOnline, models.PresenceBusy, models.PresenceAway:
		return true
	}
	return false
}

// TrackConversation watches a conversation's typing broadcasts.
func (t *Tracker) TrackConversation(conversationID string) {
	topic := "topic/conversation/" + conversationID + "/typing"

	t.mu.Lock()
	if _, ok := t.typingSubs[conversationID]; ok {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	sub := t.ps.Subscribe(topic, subscriptionOwner, t.handleTypingFrame)

	t.mu.Lock()
	t.typingSubs[conversationID] = sub
	t.mu.Unlock()
}

func (t *Tracker) UntrackConversation(conversationID string) {
	t.mu.Lock()
	sub, ok := t.typingSubs[conversationID]
	delete(t.typingSubs, conversationID)
	t.mu.Unlock()

	if ok {
		t.ps.Unsubscribe(sub)
	}
}

// IsTyping reports whether a user's typing flag is live. The flag
// auto-expires; a lost "stopped" event cannot wedge it on.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	_, err := t.typing.Get(conversationID + "/" + userID)
	return err == nil
}

// Shutdown publishes offline (best effort) and stops the heartbeat.
// Called on explicit logout before the connection goes away.
func (t *Tracker) Shutdown() {
	t.stopHeartbeat()
	if err := t.publishOwn(models.PresenceOffline, "", updateDestination); err != nil {
		slog.Debug("offline presence not published", "error", err)
	}
}

func (t *Tracker) handleStateChange(s connection.State) {
	switch s {
	case connection.StateConnected:
		t.mu.RLock()
		status, message := t.ownStatus, t.ownMessage
		t.mu.RUnlock()
		if err := t.publishOwn(status, message, updateDestination); err != nil {
			slog.Warn("initial presence publish failed", "error", err)
		}
		t.startHeartbeat()
	case connection.StateDisconnected, connection.StateFailed:
		t.stopHeartbeat()
	}
}

func (t *Tracker) startHeartbeat() {
	t.mu.Lock()
	if t.hbStop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.hbStop = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.mu.RLock()
				status, message := t.ownStatus, t.ownMessage
				t.mu.RUnlock()
				if err := t.publishOwn(status, message, heartbeatDestination); err != nil {
					slog.Debug("presence heartbeat skipped", "error", err)
				}
			}
		}
	}()
}

func (t *Tracker) stopHeartbeat() {
	t.mu.Lock()
	if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
	t.mu.Unlock()
}

func (t *Tracker) publishOwn(status models.PresenceStatus, message, destination string) error {
	return t.ps.Publish(destination, models.PresenceRecord{
		UserID:        t.cfg.SelfID,
		Status:        status,
		StatusMessage: message,
		LastSeenAt:    t.now().UnixMilli(),
	}, nil)
}

func (t *Tracker) handlePresenceFrame(f models.Frame) {
	var rec models.PresenceRecord
	if err := json.Unmarshal(f.Body, &rec); err != nil {
		slog.Warn("dropping malformed presence record", "error", err)
		return
	}
	if rec.UserID == "" {
		return
	}

	t.mu.Lock()
	if existing, ok := t.records[rec.UserID]; ok && existing.LastSeenAt > rec.LastSeenAt {
		// Stale update delivered out of order.
		t.mu.Unlock()
		return
	}
	t.records[rec.UserID] = rec
	handlers := make([]func(models.PresenceRecord), len(t.presenceHandlers))
	copy(handlers, t.presenceHandlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(rec)
	}
}

func (t *Tracker) handleTypingFrame(f models.Frame) {
	var ev models.TypingEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		slog.Warn("dropping malformed typing event", "error", err)
		return
	}
	if ev.UserID == t.cfg.SelfID {
		return
	}

	key := ev.ConversationID + "/" + ev.UserID
	if ev.Typing {
		t.typing.Set(key, ev)
	} else {
		_ = t.typing.Del(key)
	}

	t.mu.Lock()
	if rec, ok := t.records[ev.UserID]; ok {
		if ev.Typing {
			rec.TypingConversationID = ev.ConversationID
		} else if rec.TypingConversationID == ev.ConversationID {
			rec.TypingConversationID = ""
		}
		t.records[ev.UserID] = rec
	}
	handlers := make([]func(models.TypingEvent), len(t.typingHandlers))
	copy(handlers, t.typingHandlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
