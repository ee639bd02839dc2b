// Package signaling drives the join/offer/answer/ICE protocol for one
// video room against a supplied media engine. The room is the sole
// owner of its peer map and local tracks.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"carelink/internal/models"
	"carelink/internal/router"

	"github.com/google/uuid"
)

var (
	ErrJoinNotAllowed = errors.New("joining this room is not allowed")
	ErrRoomClosed     = errors.New("room is closed")
)

type CallState string

const (
	StateIdle    CallState = "idle"
	StateJoining CallState = "joining"
	StateJoined  CallState = "joined"
	StateLeft    CallState = "left"
	StateEnded   CallState = "ended"
)

// SignalingError is surfaced on the error stream when one peer's setup
// goes wrong. The room keeps running for the other peers.
type SignalingError struct {
	RoomID string
	PeerID string
	Err    error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling error in room %s (peer %s): %v", e.RoomID, e.PeerID, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

type pubsub interface {
	Subscribe(topic, owner string, h router.Handler) *router.Subscription
	Unsubscribe(sub *router.Subscription)
	Publish(destination string, payload any, headers map[string]string) error
}

type Peer struct {
	PeerID string
	UserID string
	Role   string

	conn          MediaConnection
	remoteDescSet bool
	pendingICE    []models.ICECandidate
}

type RoomConfig struct {
	RoomID string
	UserID string
	Role   string
	Engine MediaEngine
	Router pubsub
	// CanJoin is a policy hook consulted before any media or signaling
	// work. Nil allows every join.
	CanJoin func(roomID string) bool
}

type Room struct {
	cfg         RoomConfig
	localPeerID string

	mu                sync.Mutex
	state             CallState
	peers             map[string]*Peer
	local             LocalMedia
	screenTrack       MediaTrack
	screenShareActive bool
	sub               *router.Subscription

	trackHandlers       []func(peerID string, track MediaTrack)
	peerJoinedHandlers  []func(peer Peer)
	peerLeftHandlers    []func(peerID string)
	errorHandlers       []func(err error)
	screenShareHandlers []func(peerID string, active bool)
}

func NewRoom(cfg RoomConfig) (*Room, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.Engine == nil || cfg.Router == nil {
		return nil, errors.New("media engine and router are required")
	}
	return &Room{
		cfg:         cfg,
		localPeerID: uuid.NewString(),
		state:       StateIdle,
		peers:       make(map[string]*Peer),
	}, nil
}

func (r *Room) State() CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) LocalPeerID() string { return r.localPeerID }

// Peers returns a snapshot of the current peer entries.
func (r *Room) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, Peer{PeerID: p.PeerID, UserID: p.UserID, Role: p.Role})
	}
	return out
}

func (r *Room) OnRemoteTrack(h func(peerID string, track MediaTrack)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackHandlers = append(r.trackHandlers, h)
}

func (r *Room) OnPeerJoined(h func(peer Peer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerJoinedHandlers = append(r.peerJoinedHandlers, h)
}

func (r *Room) OnPeerLeft(h func(peerID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerLeftHandlers = append(r.peerLeftHandlers, h)
}

func (r *Room) OnSignalingError(h func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorHandlers = append(r.errorHandlers, h)
}

func (r *Room) OnScreenShare(h func(peerID string, active bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screenShareHandlers = append(r.screenShareHandlers, h)
}

// Join acquires local media, subscribes the room topic and announces
// the join. Media MUST be ready before the JOIN goes out: a remote
// offer can arrive the moment presence is advertised, and there has to
// be a local stream to attach.
func (r *Room) Join(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("cannot join from state %s", r.state)
	}
	if r.cfg.CanJoin != nil && !r.cfg.CanJoin(r.cfg.RoomID) {
		r.mu.Unlock()
		return ErrJoinNotAllowed
	}
	r.state = StateJoining
	r.mu.Unlock()

	local, err := r.cfg.Engine.AcquireLocalMedia(ctx)
	if err != nil {
		r.teardown(StateEnded)
		return fmt.Errorf("%w: %v", models.ErrMediaPermission, err)
	}

	r.mu.Lock()
	if r.state != StateJoining {
		// Leave raced the media permission prompt.
		r.mu.Unlock()
		local.Stop()
		return ErrRoomClosed
	}
	r.local = local
	r.sub = r.cfg.Router.Subscribe(roomTopic(r.cfg.RoomID), r.localPeerID, r.handleFrame)
	r.mu.Unlock()

	err = r.cfg.Router.Publish(joinDestination(r.cfg.RoomID), models.SignalMessage{
		Kind:         models.SignalKindJoin,
		RoomID:       r.cfg.RoomID,
		SenderPeerID: r.localPeerID,
		UserID:       r.cfg.UserID,
		Role:         r.cfg.Role,
	}, nil)
	if err != nil {
		r.teardown(StateEnded)
		return fmt.Errorf("announcing join: %w", err)
	}

	r.mu.Lock()
	if r.state == StateJoining {
		r.state = StateJoined
	}
	r.mu.Unlock()
	return nil
}

// Leave announces the departure and runs the unconditional cleanup:
// every peer connection closed, every local track stopped, the peer
// map cleared. It also cancels an in-flight Join.
func (r *Room) Leave() {
	r.mu.Lock()
	if r.state == StateLeft || r.state == StateEnded {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.cfg.Router.Publish(leaveDestination(r.cfg.RoomID), models.SignalMessage{
		Kind:         models.SignalKindLeave,
		RoomID:       r.cfg.RoomID,
		SenderPeerID: r.localPeerID,
	}, nil); err != nil {
		slog.Debug("leave not announced", "room", r.cfg.RoomID, "error", err)
	}

	r.teardown(StateLeft)
}

func (r *Room) teardown(final CallState) {
	r.mu.Lock()
	r.state = final
	sub := r.sub
	r.sub = nil
	peers := r.peers
	r.peers = make(map[string]*Peer)
	local := r.local
	r.local = nil
	screen := r.screenTrack
	r.screenTrack = nil
	r.screenShareActive = false
	r.mu.Unlock()

	if sub != nil {
		r.cfg.Router.Unsubscribe(sub)
	}
	for _, p := range peers {
		if p.conn != nil {
			_ = p.conn.Close()
		}
	}
	if screen != nil {
		screen.Stop()
	}
	if local != nil {
		local.Stop()
	}
}

// StartScreenShare swaps the outbound video track on every existing
// peer connection. No renegotiation, no peer churn; the broadcast is
// informational only.
func (r *Room) StartScreenShare(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateJoined {
		r.mu.Unlock()
		return fmt.Errorf("cannot share screen from state %s", r.state)
	}
	if r.screenShareActive {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	track, err := r.cfg.Engine.AcquireScreenTrack(ctx, func() {
		// OS-level "stop sharing" takes the same path as an explicit
		// stop call.
		_ = r.StopScreenShare()
	})
	if err != nil {
		return fmt.Errorf("acquiring screen track: %w", err)
	}

	r.mu.Lock()
	r.screenTrack = track
	r.screenShareActive = true
	peers := r.peerSnapshot()
	r.mu.Unlock()

	for _, p := range peers {
		if err := p.conn.ReplaceOutgoingVideoTrack(track); err != nil {
			slog.Warn("screen track substitution failed", "peer", p.PeerID, "error", err)
		}
	}

	r.broadcastScreenShare(models.SignalKindScreenShareStart)
	return nil
}

// StopScreenShare restores the camera track on every peer connection.
// Safe to call when no share is active.
func (r *Room) StopScreenShare() error {
	r.mu.Lock()
	if !r.screenShareActive {
		r.mu.Unlock()
		return nil
	}
	track := r.screenTrack
	r.screenTrack = nil
	r.screenShareActive = false
	var camera MediaTrack
	if r.local != nil {
		camera = r.local.VideoTrack()
	}
	peers := r.peerSnapshot()
	r.mu.Unlock()

	if track != nil {
		track.Stop()
	}
	for _, p := range peers {
		if err := p.conn.ReplaceOutgoingVideoTrack(camera); err != nil {
			slog.Warn("camera track restore failed", "peer", p.PeerID, "error", err)
		}
	}

	r.broadcastScreenShare(models.SignalKindScreenShareStop)
	return nil
}

func (r *Room) ToggleLocalAudio(enabled bool) {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local != nil {
		local.SetAudioEnabled(enabled)
	}
}

func (r *Room) ToggleLocalVideo(enabled bool) {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local != nil {
		local.SetVideoEnabled(enabled)
	}
}

func (r *Room) broadcastScreenShare(kind models.SignalKind) {
	if err := r.cfg.Router.Publish(signalDestination(r.cfg.RoomID), models.SignalMessage{
		Kind:         kind,
		RoomID:       r.cfg.RoomID,
		SenderPeerID: r.localPeerID,
	}, nil); err != nil {
		slog.Debug("screen share broadcast skipped", "room", r.cfg.RoomID, "error", err)
	}
}

// peerSnapshot must be called with r.mu held.
func (r *Room) peerSnapshot() []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Room) handleFrame(f models.Frame) {
	var msg models.SignalMessage
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		slog.Warn("dropping malformed signal", "room", r.cfg.RoomID, "error", err)
		return
	}
	if msg.SenderPeerID == r.localPeerID {
		return
	}

	switch msg.Kind {
	case models.SignalKindUserJoined:
		r.handleUserJoined(msg)
	case models.SignalKindUserLeft:
		r.handleUserLeft(msg)
	case models.SignalKindOffer:
		if msg.TargetPeerID == r.localPeerID {
			r.handleOffer(msg)
		}
	case models.SignalKindAnswer:
		if msg.TargetPeerID == r.localPeerID {
			r.handleAnswer(msg)
		}
	case models.SignalKindICECandidate:
		if msg.TargetPeerID == r.localPeerID {
			r.handleCandidate(msg)
		}
	case models.SignalKindScreenShareStart:
		r.fireScreenShare(msg.SenderPeerID, true)
	case models.SignalKindScreenShareStop:
		r.fireScreenShare(msg.SenderPeerID, false)
	default:
		slog.Debug("ignoring signal", "kind", msg.Kind, "room", r.cfg.RoomID)
	}
}

// handleUserJoined runs on every existing member when somebody enters
// the room: create the peer entry and send them an offer.
func (r *Room) handleUserJoined(msg models.SignalMessage) {
	r.mu.Lock()
	if r.state != StateJoined && r.state != StateJoining {
		r.mu.Unlock()
		return
	}
	if _, ok := r.peers[msg.SenderPeerID]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	peer, err := r.addPeer(msg.SenderPeerID, msg.UserID, msg.Role)
	if err != nil {
		r.peerFailed(msg.SenderPeerID, err)
		return
	}

	sdp, err := peer.conn.CreateOffer(context.Background())
	if err != nil {
		r.peerFailed(msg.SenderPeerID, fmt.Errorf("creating offer: %w", err))
		return
	}
	r.sendSignal(models.SignalKindOffer, msg.SenderPeerID, sdp, nil)
}

func (r *Room) handleOffer(msg models.SignalMessage) {
	r.mu.Lock()
	peer, ok := r.peers[msg.SenderPeerID]
	r.mu.Unlock()

	if !ok {
		var err error
		peer, err = r.addPeer(msg.SenderPeerID, msg.UserID, msg.Role)
		if err != nil {
			r.peerFailed(msg.SenderPeerID, err)
			return
		}
	}

	if err := r.applyRemoteDescription(peer, models.SignalKindOffer, msg.SDP); err != nil {
		r.peerFailed(msg.SenderPeerID, err)
		return
	}

	sdp, err := peer.conn.CreateAnswer(context.Background())
	if err != nil {
		r.peerFailed(msg.SenderPeerID, fmt.Errorf("creating answer: %w", err))
		return
	}
	r.sendSignal(models.SignalKindAnswer, msg.SenderPeerID, sdp, nil)
}

func (r *Room) handleAnswer(msg models.SignalMessage) {
	r.mu.Lock()
	peer, ok := r.peers[msg.SenderPeerID]
	r.mu.Unlock()
	if !ok {
		r.fireError(&SignalingError{RoomID: r.cfg.RoomID, PeerID: msg.SenderPeerID, Err: errors.New("answer from unknown peer")})
		return
	}

	if err := r.applyRemoteDescription(peer, models.SignalKindAnswer, msg.SDP); err != nil {
		r.peerFailed(msg.SenderPeerID, err)
	}
}

func (r *Room) handleCandidate(msg models.SignalMessage) {
	if msg.Candidate == nil {
		return
	}

	r.mu.Lock()
	peer, ok := r.peers[msg.SenderPeerID]
	if !ok {
		r.mu.Unlock()
		slog.Debug("dropping candidate for unknown peer", "peer", msg.SenderPeerID)
		return
	}
	if !peer.remoteDescSet {
		// No remote description yet; hold the candidate and flush it
		// right after the description is applied.
		peer.pendingICE = append(peer.pendingICE, *msg.Candidate)
		r.mu.Unlock()
		return
	}
	conn := peer.conn
	r.mu.Unlock()

	if err := conn.AddICECandidate(*msg.Candidate); err != nil {
		slog.Warn("adding candidate failed", "peer", msg.SenderPeerID, "error", err)
	}
}

func (r *Room) handleUserLeft(msg models.SignalMessage) {
	r.mu.Lock()
	peer, ok := r.peers[msg.SenderPeerID]
	if ok {
		delete(r.peers, msg.SenderPeerID)
	}
	handlers := make([]func(string), len(r.peerLeftHandlers))
	copy(handlers, r.peerLeftHandlers)
	r.mu.Unlock()

	if !ok {
		return
	}
	if peer.conn != nil {
		_ = peer.conn.Close()
	}
	for _, h := range handlers {
		h(msg.SenderPeerID)
	}
}

func (r *Room) addPeer(peerID, userID, role string) (*Peer, error) {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return nil, errors.New("no local media")
	}

	conn, err := r.cfg.Engine.NewConnection(local, ConnectionCallbacks{
		OnTrack: func(track MediaTrack) {
			r.fireRemoteTrack(peerID, track)
		},
		OnICECandidate: func(candidate models.ICECandidate) {
			r.sendSignal(models.SignalKindICECandidate, peerID, "", &candidate)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	peer := &Peer{PeerID: peerID, UserID: userID, Role: role, conn: conn}

	r.mu.Lock()
	if existing, ok := r.peers[peerID]; ok {
		r.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	r.peers[peerID] = peer
	handlers := make([]func(Peer), len(r.peerJoinedHandlers))
	copy(handlers, r.peerJoinedHandlers)
	r.mu.Unlock()

	for _, h := range handlers {
		h(Peer{PeerID: peerID, UserID: userID, Role: role})
	}
	return peer, nil
}

// applyRemoteDescription sets the description and flushes every
// candidate that queued up while it was missing. Nothing is dropped.
func (r *Room) applyRemoteDescription(peer *Peer, kind models.SignalKind, sdp string) error {
	if err := peer.conn.SetRemoteDescription(kind, sdp); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	r.mu.Lock()
	peer.remoteDescSet = true
	pending := peer.pendingICE
	peer.pendingICE = nil
	r.mu.Unlock()

	for _, c := range pending {
		if err := peer.conn.AddICECandidate(c); err != nil {
			slog.Warn("flushing queued candidate failed", "peer", peer.PeerID, "error", err)
		}
	}
	return nil
}

// peerFailed aborts one peer's setup and reports it. The room keeps
// going for everybody else.
func (r *Room) peerFailed(peerID string, err error) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()

	if ok && peer.conn != nil {
		_ = peer.conn.Close()
	}

	sigErr := &SignalingError{RoomID: r.cfg.RoomID, PeerID: peerID, Err: err}
	slog.Warn("peer setup aborted", "room", r.cfg.RoomID, "peer", peerID, "error", err)
	r.fireError(sigErr)
}

func (r *Room) sendSignal(kind models.SignalKind, targetPeerID, sdp string, candidate *models.ICECandidate) {
	err := r.cfg.Router.Publish(signalDestination(r.cfg.RoomID), models.SignalMessage{
		Kind:         kind,
		RoomID:       r.cfg.RoomID,
		SenderPeerID: r.localPeerID,
		TargetPeerID: targetPeerID,
		SDP:          sdp,
		Candidate:    candidate,
	}, nil)
	if err != nil {
		slog.Warn("signal not sent", "kind", kind, "peer", targetPeerID, "error", err)
	}
}

func (r *Room) fireRemoteTrack(peerID string, track MediaTrack) {
	r.mu.Lock()
	handlers := make([]func(string, MediaTrack), len(r.trackHandlers))
	copy(handlers, r.trackHandlers)
	r.mu.Unlock()
	for _, h := range handlers {
		h(peerID, track)
	}
}

func (r *Room) fireScreenShare(peerID string, active bool) {
	r.mu.Lock()
	handlers := make([]func(string, bool), len(r.screenShareHandlers))
	copy(handlers, r.screenShareHandlers)
	r.mu.Unlock()
	for _, h := range handlers {
		h(peerID, active)
	}
}

func (r *Room) fireError(err error) {
	r.mu.Lock()
	handlers := make([]func(error), len(r.errorHandlers))
	copy(handlers, r.errorHandlers)
	r.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func roomTopic(id string) string { return "topic/room/" + id }

func joinDestination(id string) string { return "app/room/" + id + "/join" }

func leaveDestination(id string) string { return "app/room/" + id + "/leave" }

func signalDestination(id string) string { return "app/room/" + id + "/signal" }
