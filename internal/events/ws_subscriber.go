package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantlab/trainhub/internal/jobs"
)

const writeTimeout = 10 * time.Second

// WSSubscriber adapts a gorilla WebSocket connection to the Subscriber
// interface. Writes go through a mutex because the connection does not
// support concurrent writers; activity is tracked from pongs and any
// inbound frame, so the broadcaster's sweep can evict silent peers.
type WSSubscriber struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool

	activeMu   sync.Mutex
	lastActive time.Time
}

// NewWSSubscriber wraps an upgraded connection. timeout is the peer
// silence window after which reads fail.
func NewWSSubscriber(conn *websocket.Conn, timeout time.Duration, logger *slog.Logger) *WSSubscriber {
	s := &WSSubscriber{
		conn:       conn,
		timeout:    timeout,
		logger:     logger,
		lastActive: time.Now(),
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		s.touch()
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	return s
}

func (s *WSSubscriber) touch() {
	s.activeMu.Lock()
	s.lastActive = time.Now()
	s.activeMu.Unlock()
}

// LastActive returns the last time the peer sent anything.
func (s *WSSubscriber) LastActive() time.Time {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.lastActive
}

// Send writes the event as a JSON frame. Heartbeat events additionally
// carry a ping control frame so well-behaved clients answer with a
// pong even if they ignore application frames.
func (s *WSSubscriber) Send(event jobs.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("subscriber closed")
	}

	if event.Type == jobs.EventHeartbeat {
		if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (s *WSSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout),
	)
	return s.conn.Close()
}

// ReadLoop consumes inbound frames until the peer disconnects or stays
// silent past the timeout. Inbound payloads are discarded; reading
// only serves liveness tracking and disconnect detection.
func (s *WSSubscriber) ReadLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
		s.touch()
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
}
