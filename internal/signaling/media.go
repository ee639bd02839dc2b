package signaling

import (
	"context"

	"carelink/internal/models"
)

// The media engine supplies tracks and peer connections; the room only
// drives signaling. These interfaces are deliberately narrow so that
// transport internals (senders, transceivers) stay hidden.

type MediaTrack interface {
	ID() string
	Kind() string // "audio" or "video"
	Stop()
}

type LocalMedia interface {
	AudioTrack() MediaTrack
	VideoTrack() MediaTrack
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Stop()
}

// ConnectionCallbacks deliver engine-originated events for one peer
// connection: remote tracks as they attach, and locally gathered ICE
// candidates to relay.
type ConnectionCallbacks struct {
	OnTrack        func(track MediaTrack)
	OnICECandidate func(candidate models.ICECandidate)
}

type MediaConnection interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context) (sdp string, err error)
	SetRemoteDescription(kind models.SignalKind, sdp string) error
	AddICECandidate(candidate models.ICECandidate) error
	// ReplaceOutgoingVideoTrack swaps the outbound video in place,
	// without renegotiation.
	ReplaceOutgoingVideoTrack(track MediaTrack) error
	Close() error
}

type MediaEngine interface {
	AcquireLocalMedia(ctx context.Context) (LocalMedia, error)
	// AcquireScreenTrack captures a screen-share track. onEnded fires
	// when the user stops sharing at the OS level.
	AcquireScreenTrack(ctx context.Context, onEnded func()) (MediaTrack, error)
	NewConnection(local LocalMedia, callbacks ConnectionCallbacks) (MediaConnection, error)
}
