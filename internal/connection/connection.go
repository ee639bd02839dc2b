// Package connection owns the single authenticated broker transport.
// Only this package transitions connection state; everything downstream
// observes it through OnStateChange.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"carelink/internal/auth"
	"carelink/internal/codec"
	"carelink/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const writeTimeout = 10 * time.Second

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Conn is the slice of the websocket connection the manager needs.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", models.ErrAuthRejected, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

type Config struct {
	URL                  string
	Codec                codec.Codec
	Dialer               Dialer
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	ReconnectExponential bool
	MaxReconnectAttempts int
}

type Manager struct {
	cfg       Config
	inspector *auth.Inspector

	mu              sync.Mutex
	state           State
	token           string
	conn            Conn
	sessionCancel   context.CancelFunc
	reconnectCancel context.CancelFunc
	observers       []func(State)
	frameHandler    func(models.Frame)

	writeMu  sync.Mutex
	lastBeat atomic.Int64 // Unix nanoseconds of the last inbound frame or pong
}

func NewManager(cfg Config) *Manager {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = wsDialer{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &Manager{
		cfg:       cfg,
		inspector: auth.NewInspector(),
		state:     StateDisconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers an observer. The observer is handed the
// current state synchronously, so late registrants do not miss it.
func (m *Manager) OnStateChange(observer func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, observer)
	current := m.state
	m.mu.Unlock()

	observer(current)
}

// SetFrameHandler registers the single inbound frame sink. The router
// is the only intended consumer.
func (m *Manager) SetFrameHandler(h func(models.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameHandler = h
}

// Connect dials the broker with the given bearer token. Calling it
// while a live connection (or reconnection) exists is a no-op.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.token = token
	m.mu.Unlock()

	if err := m.inspector.CheckToken(token); err != nil {
		return err
	}

	m.setState(StateConnecting)
	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}

	m.startSession(conn)
	return nil
}

// Disconnect tears the connection down and cancels any in-flight
// reconnection attempt. The stored token is dropped.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancelSession := m.sessionCancel
	cancelReconnect := m.reconnectCancel
	conn := m.conn
	m.sessionCancel = nil
	m.reconnectCancel = nil
	m.conn = nil
	m.token = ""
	m.mu.Unlock()

	if cancelSession != nil {
		cancelSession()
	}
	if cancelReconnect != nil {
		cancelReconnect()
	}
	if conn != nil {
		_ = conn.Close()
	}

	m.setState(StateDisconnected)
}

// Send writes one frame. It fails synchronously when the connection is
// not up; outbound traffic is never buffered for later delivery.
func (m *Manager) Send(f models.Frame) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return models.ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	return m.writeFrame(conn, f)
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", auth.BearerHeader(token))
	return m.cfg.Dialer.Dial(ctx, m.cfg.URL, header)
}

func (m *Manager) startSession(conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.conn = conn
	m.sessionCancel = cancel
	m.reconnectCancel = nil
	m.mu.Unlock()

	m.lastBeat.Store(time.Now().UnixNano())
	m.setState(StateConnected)

	go m.runSession(ctx, conn)
}

func (m *Manager) runSession(ctx context.Context, conn Conn) {
	conn.SetPongHandler(func(string) error {
		m.lastBeat.Store(time.Now().UnixNano())
		return nil
	})

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.readPump(conn)
	})
	g.Go(func() error {
		return m.heartbeatLoop(gCtx, conn)
	})
	g.Go(func() error {
		// Unblocks the read pump when the other goroutines give up.
		<-gCtx.Done()
		_ = conn.Close()
		return nil
	})

	err := g.Wait()

	if ctx.Err() != nil {
		// Explicit Disconnect already set the terminal state.
		return
	}

	slog.Warn("connection dropped", "error", err)
	m.reconnect()
}

func (m *Manager) readPump(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.lastBeat.Store(time.Now().UnixNano())

		frame, err := m.cfg.Codec.Decode(data)
		if err != nil {
			slog.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if frame.Type == models.FrameTypeHeartbeat {
			continue
		}

		m.mu.Lock()
		handler := m.frameHandler
		m.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn Conn) error {
	interval := m.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := time.Unix(0, m.lastBeat.Load())
			if time.Since(last) > 2*interval {
				return fmt.Errorf("no heartbeat for %s", time.Since(last).Round(time.Millisecond))
			}
			if err := m.writeFrame(conn, models.Frame{Type: models.FrameTypeHeartbeat}); err != nil {
				return err
			}
			m.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (m *Manager) writeFrame(conn Conn, f models.Frame) error {
	data, err := m.cfg.Codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(m.cfg.Codec.MessageType(), data)
}

// reconnect runs the drop path: retry with the configured delay policy
// up to the attempt cap, unless the stored token is no longer usable.
func (m *Manager) reconnect() {
	m.mu.Lock()
	token := m.token
	m.conn = nil
	m.sessionCancel = nil
	m.mu.Unlock()

	if m.cfg.MaxReconnectAttempts <= 0 {
		m.setState(StateFailed)
		return
	}
	if err := m.inspector.CheckToken(token); err != nil {
		slog.Warn("not reconnecting", "error", err)
		m.setState(StateFailed)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.reconnectCancel = cancel
	m.mu.Unlock()

	m.setState(StateReconnecting)
	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	delays := m.newBackOff()

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delays.NextBackOff()):
		}

		m.mu.Lock()
		token := m.token
		m.mu.Unlock()
		if err := m.inspector.CheckToken(token); err != nil {
			slog.Warn("abandoning reconnection", "error", err)
			m.setState(StateFailed)
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err == nil {
			m.startSession(conn)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, models.ErrAuthRejected) {
			slog.Warn("abandoning reconnection", "error", err)
			m.setState(StateFailed)
			return
		}

		slog.Warn("reconnect attempt failed", "attempt", attempt, "max", m.cfg.MaxReconnectAttempts, "error", err)
		if attempt < m.cfg.MaxReconnectAttempts {
			m.setState(StateReconnecting)
		}
	}

	m.setState(StateFailed)
}

func (m *Manager) newBackOff() backoff.BackOff {
	if !m.cfg.ReconnectExponential {
		return backoff.NewConstantBackOff(m.cfg.ReconnectDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectDelay
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	observers := make([]func(State), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, observer := range observers {
		observer(s)
	}
}
