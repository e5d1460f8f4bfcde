package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/logging"
)

// ErrConnectInProgress is returned when Connect races another Connect.
var ErrConnectInProgress = errors.New("connect already in progress")

// Dialer opens the underlying socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handshake runs after the socket opens and before the connection is
// reported as connected. It may Send frames and receives replies through
// the normal frame handler.
type Handshake func(ctx context.Context) error

// Config holds configuration for a bridge connection.
type Config struct {
	Address              string
	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// WriteInterval is the minimum spacing between outbound frames.
	WriteInterval     time.Duration
	WriteQueueSize    int
	DisconnectTimeout time.Duration
	MaxFrameSize      int
	Framer            Framer
	Dialer            Dialer
	Logger            zerolog.Logger
}

// DefaultConfig returns the default connection configuration for address.
func DefaultConfig(address string) Config {
	return Config{
		Address:              address,
		ConnectTimeout:       10 * time.Second,
		ReconnectBaseDelay:   2 * time.Second,
		MaxReconnectAttempts: 5,
		WriteInterval:        10 * time.Millisecond,
		WriteQueueSize:       256,
		DisconnectTimeout:    3 * time.Second,
		MaxFrameSize:         4 << 20,
		Framer:               LineFramer(),
		Logger:               zerolog.Nop(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Address)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = def.WriteQueueSize
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = def.DisconnectTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.Framer == nil {
		c.Framer = def.Framer
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
}

// session is the state tied to one open socket.
type session struct {
	sock     net.Conn
	out      chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}
	once     sync.Once

	// noReconnect is set when the session is torn down by a failed handshake.
	noReconnect atomic.Bool
}

// Conn is a single bridge connection. It is safe for concurrent use.
//
// Inbound frames are delivered sequentially from one reader goroutine, so
// handlers observe a single-writer ordering. Outbound frames are queued and
// drained by one writer goroutine at no more than one frame per WriteInterval.
type Conn struct {
	cfg     Config
	log     zerolog.Logger
	limiter *rate.Limiter

	mu             sync.Mutex
	state          State
	session        *session
	handshake      Handshake
	attempts       int
	explicit       bool
	reconnectTimer *time.Timer
	// cancelDial aborts a reconnect dial that is already in flight.
	cancelDial context.CancelFunc

	onFrame func([]byte)
	onState func(from, to State)
	onClose func(error)
}

// NewConn creates a connection in the Idle state.
func NewConn(cfg Config) *Conn {
	cfg.applyDefaults()

	limit := rate.Inf
	if cfg.WriteInterval > 0 {
		limit = rate.Every(cfg.WriteInterval)
	}

	return &Conn{
		cfg:     cfg,
		log:     logging.WithComponent(cfg.Logger, "transport").With().Str("address", cfg.Address).Logger(),
		limiter: rate.NewLimiter(limit, 1),
		state:   StateIdle,
	}
}

// OnFrame sets the handler for inbound frames. It must be set before Connect.
func (c *Conn) OnFrame(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnStateChange sets the state transition handler.
func (c *Conn) OnStateChange(handler func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnClose sets the handler invoked every time a socket closes, before any
// reconnect is scheduled.
func (c *Conn) OnClose(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the number of reconnects scheduled since the
// last successful connect.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the socket and runs the handshake. It returns immediately
// if already connected.
func (c *Conn) Connect(ctx context.Context, handshake Handshake) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateAuthenticating:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.explicit = false
	c.handshake = handshake
	c.attempts = 0
	c.stopReconnectLocked()
	c.mu.Unlock()

	return c.dial(ctx, handshake)
}

func (c *Conn) dial(ctx context.Context, handshake Handshake) error {
	if !c.beginDial() {
		return apperrors.ErrConnectionClosed
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	sock, err := c.cfg.Dialer.DialContext(dialCtx, "tcp", c.cfg.Address)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if sock != nil {
			sock.Close()
		}
		if c.isExplicit() {
			return apperrors.ErrConnectionClosed
		}
		c.transition(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyDialError(err, timedOut)
	}

	s := c.startSession(sock)
	if s == nil {
		// Disconnect ran while the dial was in flight.
		sock.Close()
		c.log.Debug().Msg("Discarding socket opened after disconnect")
		return apperrors.ErrConnectionClosed
	}

	if handshake != nil {
		c.transition(StateAuthenticating)
		if err := handshake(ctx); err != nil {
			c.mu.Lock()
			alive := c.session == s
			c.mu.Unlock()
			if !alive {
				return fmt.Errorf("%w: handshake interrupted: %v", apperrors.ErrConnectionClosed, err)
			}
			s.noReconnect.Store(true)
			c.endSession(s, err)
			return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
		}
	}

	c.mu.Lock()
	if c.session != s {
		// The socket died during the handshake.
		c.mu.Unlock()
		return apperrors.ErrConnectionClosed
	}
	if c.explicit {
		c.mu.Unlock()
		c.endSession(s, apperrors.ErrConnectionClosed)
		return apperrors.ErrConnectionClosed
	}
	c.attempts = 0
	c.mu.Unlock()

	c.transition(StateConnected)
	c.log.Info().Msg("Bridge connected")
	return nil
}

// beginDial moves to Connecting unless the connection was explicitly closed.
func (c *Conn) beginDial() bool {
	c.mu.Lock()
	if c.explicit {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = StateConnecting
	onState := c.onState
	c.mu.Unlock()

	if from != StateConnecting && onState != nil {
		onState(from, StateConnecting)
	}
	return true
}

func (c *Conn) isExplicit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.explicit
}

// startSession installs a session for sock. It returns nil when the
// connection was explicitly closed while the socket was opening.
func (c *Conn) startSession(sock net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		sock:     sock,
		out:      make(chan []byte, c.cfg.WriteQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		readDone: make(chan struct{}),
	}

	c.mu.Lock()
	if c.explicit {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.session = s
	c.mu.Unlock()

	go c.readLoop(s)
	go c.writeLoop(s)
	return s
}

func (c *Conn) readLoop(s *session) {
	defer close(s.readDone)

	c.mu.Lock()
	handler := c.onFrame
	c.mu.Unlock()

	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := s.sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frames, rest := c.cfg.Framer.Split(buf)
			buf = append(buf[:0:0], rest...)
			if len(buf) > c.cfg.MaxFrameSize {
				c.log.Warn().Int("buffered", len(buf)).Msg("Dropping oversized partial frame")
				buf = nil
			}
			for _, frame := range frames {
				if handler != nil {
					handler(frame)
				}
			}
		}
		if err != nil {
			c.endSession(s, err)
			return
		}
	}
}

func (c *Conn) writeLoop(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.out:
			if err := c.limiter.Wait(s.ctx); err != nil {
				return
			}
			if _, err := s.sock.Write(frame); err != nil {
				c.log.Warn().Err(err).Msg("Write failed")
				c.endSession(s, err)
				return
			}
		}
	}
}

// Send queues a frame for writing. The frame delimiter is appended here.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	s := c.session
	state := c.state
	c.mu.Unlock()

	if s == nil || !state.CanSend() {
		return apperrors.ErrNotConnected
	}

	frame := c.cfg.Framer.Encode(payload)
	select {
	case s.out <- frame:
		return nil
	case <-s.ctx.Done():
		return apperrors.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// endSession tears down s exactly once and drives the reconnect machine.
func (c *Conn) endSession(s *session, cause error) {
	s.once.Do(func() {
		s.cancel()
		s.sock.Close()

		c.mu.Lock()
		if c.session != s {
			c.mu.Unlock()
			return
		}
		c.session = nil
		explicit := c.explicit
		onClose := c.onClose
		c.mu.Unlock()

		closeErr := classifyCloseError(cause)
		c.transition(StateDisconnected)
		if explicit {
			c.log.Info().Msg("Bridge disconnected")
		} else {
			c.log.Warn().Err(cause).Msg("Bridge connection lost")
		}

		if onClose != nil {
			onClose(closeErr)
		}

		switch {
		case explicit:
			c.transition(StateClosed)
		case s.noReconnect.Load():
		default:
			c.scheduleReconnect()
		}
	})
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.explicit || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.log.Error().Int("attempt", attempts).Msg("Max reconnection attempts reached")
		c.transition(StateClosed)
		return
	}
	c.attempts++
	delay := c.cfg.ReconnectBaseDelay * time.Duration(c.attempts)
	from := c.state
	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	attempt := c.attempts
	onState := c.onState
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling reconnect")
	if onState != nil && from != StateReconnecting {
		onState(from, StateReconnecting)
	}
}

func (c *Conn) reconnect() {
	c.mu.Lock()
	if c.explicit || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	handshake := c.handshake
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.mu.Unlock()

	err := c.dial(ctx, handshake)

	c.mu.Lock()
	c.cancelDial = nil
	explicit := c.explicit
	c.mu.Unlock()
	cancel()

	if err == nil || explicit {
		return
	}
	c.log.Warn().Err(err).Msg("Reconnect failed")
	if errors.Is(err, apperrors.ErrAuthenticationFailed) {
		c.transition(StateClosed)
		return
	}
	c.scheduleReconnect()
}

// Disconnect suppresses reconnects, writes an optional farewell frame and
// closes the socket. It returns once the reader has stopped or the
// disconnect timeout elapses.
func (c *Conn) Disconnect(ctx context.Context, farewell []byte) error {
	c.mu.Lock()
	c.explicit = true
	c.stopReconnectLocked()
	s := c.session
	state := c.state
	c.mu.Unlock()

	if s == nil {
		if state != StateIdle {
			c.transition(StateClosed)
		}
		return nil
	}

	if farewell != nil {
		s.sock.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := s.sock.Write(c.cfg.Framer.Encode(farewell)); err != nil {
			c.log.Debug().Err(err).Msg("Farewell write failed")
		}
	}
	s.sock.Close()

	timer := time.NewTimer(c.cfg.DisconnectTimeout)
	defer timer.Stop()

	select {
	case <-s.readDone:
	case <-timer.C:
		c.endSession(s, apperrors.ErrConnectionClosed)
	case <-ctx.Done():
		c.endSession(s, apperrors.ErrConnectionClosed)
		return ctx.Err()
	}
	// The reader may still be inside a frame handler; endSession is idempotent.
	c.endSession(s, apperrors.ErrConnectionClosed)
	return nil
}

func (c *Conn) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

func (c *Conn) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	onState := c.onState
	c.mu.Unlock()

	if from == to {
		return
	}
	c.log.Debug().Str("from", from.String()).Str("state", to.String()).Msg("State change")
	if onState != nil {
		onState(from, to)
	}
}

func classifyDialError(err error, timedOut bool) error {
	var netErr net.Error
	if timedOut || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", apperrors.ErrConnectionTimeout, err)
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", apperrors.ErrConnectionReset, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrConnectionRefused, err)
}

func classifyCloseError(err error) error {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return apperrors.ErrConnectionClosed
	case errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionClosed, apperrors.ErrConnectionReset)
	case errors.Is(err, apperrors.ErrConnectionClosed):
		return err
	default:
		return fmt.Errorf("%w: %v", apperrors.ErrConnectionClosed, err)
	}
}
