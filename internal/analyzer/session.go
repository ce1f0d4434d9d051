// Package analyzer talks to the remote detection service: a WebSocket
// session for frame streaming and an HTTP client for its health endpoint.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

// State is the session lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// ErrNotIdle is returned when Start is called on a used session
var ErrNotIdle = errors.New("analyzer session already started")

// Handler receives session events. Calls for one session are serialized:
// SessionOpened first, then messages in arrival order, then at most one
// SessionClosed.
type Handler interface {
	SessionOpened()
	SessionMessage(msg detection.Message)
	// SessionClosed reports a failed dial or a connection lost without Stop.
	SessionClosed(err error)
}

// Stats counts session traffic
type Stats struct {
	Sent      int64 `json:"sent"`
	Dropped   int64 `json:"dropped"`
	Received  int64 `json:"received"`
	Malformed int64 `json:"malformed"`
}

// Session is one WebSocket connection bound to one mode. It is never
// reused: once Closed, a new Session is required.
type Session struct {
	cfg     config.AnalyzerConfig
	handler Handler
	logger  *logger.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	state  State
	mode   detection.Mode
	url    string
	conn   *websocket.Conn
	cancel context.CancelFunc

	// single-slot outbox: a newer payload replaces one not yet written
	pending *string
	wake    chan struct{}
	done    chan struct{}
	writer  sync.WaitGroup

	teardownOnce sync.Once

	sent      atomic.Int64
	dropped   atomic.Int64
	received  atomic.Int64
	malformed atomic.Int64
}

// NewSession creates an idle session
func NewSession(cfg config.AnalyzerConfig, handler Handler, log *logger.Logger) *Session {
	return &Session{
		cfg:     cfg,
		handler: handler,
		logger:  log,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		state: StateIdle,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// StreamURL builds the analyzer endpoint for a mode
func StreamURL(cfg config.AnalyzerConfig, mode detection.Mode) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid analyzer url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + cfg.StreamPath
	q := u.Query()
	q.Set("mode", mode.Pipeline())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start dials the analyzer for mode. It returns once the dial has been
// launched; the outcome arrives through the Handler.
func (s *Session) Start(ctx context.Context, mode detection.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrNotIdle
	}

	target, err := StreamURL(s.cfg, mode)
	if err != nil {
		s.state = StateClosed
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	s.state = StateConnecting
	s.mode = mode
	s.url = target
	s.cancel = cancel

	go s.dial(dialCtx, target)
	return nil
}

func (s *Session) dial(ctx context.Context, target string) {
	s.logger.Debug("Dialing analyzer", "url", target)
	conn, _, err := s.dialer.DialContext(ctx, target, nil)

	s.mu.Lock()
	if s.state != StateConnecting {
		// Stopped while dialing.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.state = StateClosed
		s.mu.Unlock()
		s.teardown(nil, false)
		s.logger.Warn("Analyzer connection failed", "url", target, "error", err)
		s.handler.SessionClosed(fmt.Errorf("dial analyzer: %w", err))
		return
	}

	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}
	s.conn = conn
	s.state = StateOpen
	s.writer.Add(1)
	s.mu.Unlock()

	go s.writeLoop(conn)

	s.logger.Info("Analyzer session open", "url", target, "mode", s.mode)
	s.handler.SessionOpened()
	s.readLoop(conn)
}

// Send queues payload for transmission. It returns false unless the session
// is open.
func (s *Session) Send(payload string) bool {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return false
	}
	if s.pending != nil {
		s.dropped.Add(1)
	}
	s.pending = &payload
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) takePending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	p := *s.pending
	s.pending = nil
	return p, true
}

func (s *Session) writeLoop(conn *websocket.Conn) {
	defer s.writer.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		payload, ok := s.takePending()
		if !ok {
			continue
		}

		if s.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			// The reader observes the closed connection and reports it.
			s.logger.Debug("Analyzer write failed", "error", err)
			_ = conn.Close()
			return
		}
		s.sent.Add(1)
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := detection.DecodeMessage(data)
		if err != nil {
			s.malformed.Add(1)
			s.logger.Warn("Discarding analyzer message", "error", err)
			continue
		}
		s.received.Add(1)

		if s.stopped() {
			return
		}
		s.handler.SessionMessage(msg)
	}
}

// fail closes the session after a transport error not caused by Stop
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()

	s.teardown(conn, false)

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		s.logger.Info("Analyzer closed the session", "code", closeErr.Code)
	} else {
		s.logger.Warn("Analyzer session lost", "error", err)
	}
	s.handler.SessionClosed(err)
}

// Stop closes the session from any state. Calling it again has no effect.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return
	case StateIdle:
		s.state = StateClosed
		s.mu.Unlock()
		s.teardown(nil, false)
		return
	}
	s.state = StateClosing
	conn := s.conn
	s.mu.Unlock()

	s.teardown(conn, true)
	s.writer.Wait()

	s.mu.Lock()
	s.state = StateClosed
	s.pending = nil
	s.mu.Unlock()

	s.logger.Info("Analyzer session closed", "mode", s.mode)
}

func (s *Session) teardown(conn *websocket.Conn, graceful bool) {
	s.teardownOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		if conn == nil {
			return
		}
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = conn.Close()
	})
}

func (s *Session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether payloads are currently accepted
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// Mode returns the mode the session was started for
func (s *Session) Mode() detection.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// URL returns the dialed endpoint
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Stats returns traffic counters
func (s *Session) Stats() Stats {
	return Stats{
		Sent:      s.sent.Load(),
		Dropped:   s.dropped.Load(),
		Received:  s.received.Load(),
		Malformed: s.malformed.Load(),
	}
}
