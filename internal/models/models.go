package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrNoToken         = errors.New("auth token is missing")
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrTokenExpired    = errors.New("auth token is expired")
	ErrMediaPermission = errors.New("media permission denied")
)

// FrameType discriminates the wire envelope. The tag is decoded before
// the payload is interpreted.
type FrameType string

const (
	FrameTypeConnected   FrameType = "connected"
	FrameTypeHeartbeat   FrameType = "heartbeat"
	FrameTypeSubscribe   FrameType = "subscribe"
	FrameTypeUnsubscribe FrameType = "unsubscribe"
	FrameTypeSend        FrameType = "send"
	FrameTypeMessage     FrameType = "message"
	FrameTypeError       FrameType = "error"
)

// Frame is the envelope for every message exchanged with the broker.
// Destination is set on client publishes and subscription control, Topic
// on broker deliveries. Body carries the JSON payload of the kind
// implied by the destination or topic.
type Frame struct {
	Type        FrameType         `json:"type" msgpack:"type"`
	Destination string            `json:"destination,omitempty" msgpack:"destination,omitempty"`
	Topic       string            `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty" msgpack:"body,omitempty"`
}

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// statusRank orders the delivery states. Failed is terminal and sits
// outside the forward chain.
func statusRank(s MessageStatus) int {
	switch s {
	case MessageStatusSending:
		return 0
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return -1
}

// StatusAdvances reports whether moving from -> to is a legal forward
// transition. Stale (backward or equal) transitions are not.
func StatusAdvances(from, to MessageStatus) bool {
	if to == MessageStatusFailed {
		return from == MessageStatusSending
	}
	fr, tr := statusRank(from), statusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	FileID   string         `json:"fileId"`
}

// ChatMessage is a chat event. Reactions map the reacting user id to the
// reaction string. Edited/Deleted are orthogonal markers; a deleted
// message keeps its local entry.
type ChatMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	Status         MessageStatus     `json:"status"`
	CreatedAt      int64             `json:"createdAt"` // Unix timestamp (milliseconds)
	Reactions      map[string]string `json:"reactions,omitempty"`
	Attachment     *Attachment       `json:"attachment,omitempty"`
	Edited         bool              `json:"edited,omitempty"`
	Deleted        bool              `json:"deleted,omitempty"`
}

// StatusEvent reports a delivery-state change for one message.
type StatusEvent struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	UserID         string        `json:"userId"`
	Status         MessageStatus `json:"status"`
	Timestamp      int64         `json:"timestamp"`
}

// TypingEvent is the ephemeral typing flag. Never persisted.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
	Timestamp      int64  `json:"timestamp"`
}

type ReactionEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Reaction       string `json:"reaction"`
	Remove         bool   `json:"remove,omitempty"`
}

type ReadEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	LastMessageID  string `json:"lastMessageId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is a user's liveness. Updates are last-write-wins by
// LastSeenAt, not arrival order.
type PresenceRecord struct {
	UserID               string         `json:"userId"`
	Status               PresenceStatus `json:"status"`
	StatusMessage        string         `json:"statusMessage,omitempty"`
	LastSeenAt           int64          `json:"lastSeenAt"` // Unix timestamp (milliseconds)
	TypingConversationID string         `json:"typingConversationId,omitempty"`
}

// SignalKind discriminates room signaling payloads.
type SignalKind string

const (
	SignalKindJoin             SignalKind = "join"
	SignalKindLeave            SignalKind = "leave"
	SignalKindUserJoined       SignalKind = "userJoined"
	SignalKindUserLeft         SignalKind = "userLeft"
	SignalKindOffer            SignalKind = "offer"
	SignalKindAnswer           SignalKind = "answer"
	SignalKindICECandidate     SignalKind = "iceCandidate"
	SignalKindScreenShareStart SignalKind = "screenShareStart"
	SignalKindScreenShareStop  SignalKind = "screenShareStop"
)

type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex int    `json:"sdpMLineIndex,omitempty"`
}

// SignalMessage is the tagged union for all room signaling traffic.
// Every message carries the sender's peer id; offers, answers and
// candidates additionally target a single peer.
type SignalMessage struct {
	Kind         SignalKind    `json:"kind"`
	RoomID       string        `json:"roomId"`
	SenderPeerID string        `json:"senderPeerId"`
	TargetPeerID string        `json:"targetPeerId,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	Role         string        `json:"role,omitempty"`
	SDP          string        `json:"sdp,omitempty"`
	Candidate    *ICECandidate `json:"candidate,omitempty"`
}
