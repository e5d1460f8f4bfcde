// Package correlator matches bridge responses to outstanding requests by id.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "fxify-trader/internal/errors"
	"fxify-trader/internal/logging"
)

// DefaultTimeout is the per-request deadline when none is configured.
const DefaultTimeout = 30 * time.Second

// Inbound is a decoded bridge frame.
type Inbound struct {
	// RequestID is valid only when HasID is set.
	RequestID int64
	HasID     bool
	// Event names an unsolicited push, e.g. "TICK".
	Event string
	// Data is the codec-specific payload (json.RawMessage for JSON bridges).
	Data any
	// Err is the bridge-reported error text for a failed request.
	Err string
}

// Codec turns requests into wire payloads and wire frames into Inbound values.
// DecodeFrame may return several values for one frame, or none while a
// multi-message reply is still being assembled.
type Codec interface {
	EncodeRequest(id int64, command string, params any) ([]byte, error)
	DecodeFrame(frame []byte) ([]Inbound, error)
}

// Forgetter is implemented by codecs that keep per-request state of their
// own. Forget is called when a request is abandoned without a reply.
type Forgetter interface {
	Forget(id int64)
}

// Sender writes one encoded payload to the connection.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Config holds correlator configuration.
type Config struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

type result struct {
	resp Inbound
	err  error
}

type pendingRequest struct {
	id       int64
	command  string
	issuedAt time.Time
	done     chan result
	timer    *time.Timer
}

// Correlator tracks in-flight requests for one connection.
type Correlator struct {
	codec   Codec
	sender  Sender
	timeout time.Duration
	log     zerolog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	onPush  func(Inbound)
}

// New creates a correlator writing through sender.
func New(codec Codec, sender Sender, cfg Config) *Correlator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		codec:   codec,
		sender:  sender,
		timeout: timeout,
		log:     logging.WithComponent(cfg.Logger, "correlator"),
		pending: make(map[int64]*pendingRequest),
	}
}

// OnPush sets the handler for frames that carry an event and match no request.
func (c *Correlator) OnPush(handler func(Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPush = handler
}

// Send issues command and blocks until its response, the request timeout,
// ctx cancellation or connection teardown.
func (c *Correlator) Send(ctx context.Context, command string, params any) (Inbound, error) {
	return c.SendWithTimeout(ctx, command, params, c.timeout)
}

// SendWithTimeout is Send with an explicit per-request deadline.
func (c *Correlator) SendWithTimeout(ctx context.Context, command string, params any, timeout time.Duration) (Inbound, error) {
	id := c.nextID.Add(1)

	payload, err := c.codec.EncodeRequest(id, command, params)
	if err != nil {
		return Inbound{}, fmt.Errorf("encoding %s: %w", command, err)
	}

	p := &pendingRequest{
		id:       id,
		command:  command,
		issuedAt: time.Now(),
		done:     make(chan result, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return Inbound{}, fmt.Errorf("duplicate request id %d", id)
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.abandon(id, fmt.Errorf("%w: %s (request %d after %s)", apperrors.ErrCommandTimeout, command, id, timeout))
	})
	c.mu.Unlock()

	if err := c.sender.Send(ctx, payload); err != nil {
		c.abandon(id, err)
	}

	select {
	case r := <-p.done:
		logging.LogCommand(c.log, command, id, time.Since(p.issuedAt), r.err)
		return r.resp, r.err
	case <-ctx.Done():
		c.abandon(id, ctx.Err())
		return Inbound{}, ctx.Err()
	}
}

// abandon fails an unanswered request and lets the codec drop whatever it
// tracks for the id, so a late reply cannot be matched to a newer request.
func (c *Correlator) abandon(id int64, err error) {
	if !c.complete(id, result{err: err}) {
		return
	}
	if f, ok := c.codec.(Forgetter); ok {
		f.Forget(id)
	}
}

// Notify writes command with a fresh id without awaiting a reply. It is for
// bridge operations that are never acknowledged.
func (c *Correlator) Notify(ctx context.Context, command string, params any) error {
	id := c.nextID.Add(1)
	payload, err := c.codec.EncodeRequest(id, command, params)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", command, err)
	}
	return c.sender.Send(ctx, payload)
}

// complete settles and removes a pending request. It reports false when the
// id was already settled.
func (c *Correlator) complete(id int64, r result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- r
	return true
}

// HandleFrame decodes one inbound frame and routes it. Malformed frames are
// logged and dropped.
func (c *Correlator) HandleFrame(frame []byte) {
	msgs, err := c.codec.DecodeFrame(frame)
	if err != nil {
		c.log.Warn().Err(apperrors.NewProtocolError(frame, err)).Msg("Dropping malformed frame")
		return
	}
	for _, msg := range msgs {
		c.route(msg)
	}
}

func (c *Correlator) route(msg Inbound) {
	if msg.HasID {
		c.mu.Lock()
		p, ok := c.pending[msg.RequestID]
		c.mu.Unlock()
		if ok {
			var err error
			if msg.Err != "" {
				err = apperrors.NewBridgeError(p.command, msg.Err)
			}
			if c.complete(msg.RequestID, result{resp: msg, err: err}) {
				return
			}
		}
	}

	if msg.Event != "" {
		c.mu.Lock()
		handler := c.onPush
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
		return
	}

	c.log.Debug().Int64("request_id", msg.RequestID).Msg("Dropping response with no pending request")
}

// RejectAll fails every pending request with err.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.complete(id, result{err: err})
	}
	if len(ids) > 0 {
		c.log.Info().Int("count", len(ids)).Err(err).Msg("Rejected pending requests")
	}
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
