// Package channel manages the push connection for one active room.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/backoff"
	"github.com/zhouzirui/roomchat/internal/metrics"
)

var (
	ErrNotOpen = errors.New("channel not open")
	ErrClosed  = errors.New("channel closed")
	ErrFailed  = errors.New("channel failed after retries")
)

// State of a room's push connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
	// StateFailed is terminal; the room must be re-activated to connect again.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind distinguishes channel events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventFailed
)

// Event is emitted in delivery order on Events().
type Event struct {
	Kind    EventKind
	Room    string
	Payload []byte
	Err     error
}

// Conn is one established transport connection.
type Conn interface {
	// Read blocks for the next payload.
	Read() ([]byte, error)
	Write(payload []byte) error
	Close() error
}

// Dialer establishes a Conn for a room.
type Dialer interface {
	Dial(ctx context.Context, room string) (Conn, error)
}

// Options tune reconnect behaviour.
type Options struct {
	Policy     backoff.Policy
	MaxRetries int
	// Buffer is the capacity of the event queue.
	Buffer  int
	Metrics *metrics.Metrics
}

// DefaultOptions retries 5 times with backoff.Default.
func DefaultOptions() Options {
	return Options{Policy: backoff.Default(), MaxRetries: 5, Buffer: 64}
}

// Channel is the push connection of one room.
type Channel struct {
	room    string
	dialer  Dialer
	opts    Options
	metrics *metrics.Metrics
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	retries int
	conn    Conn
	lastErr error
}

// Open starts connecting to room in the background and returns immediately
// in StateConnecting.
func Open(ctx context.Context, room string, dialer Dialer, opts Options) *Channel {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		room:    room,
		dialer:  dialer,
		opts:    opts,
		metrics: opts.Metrics,
		events:  make(chan Event, opts.Buffer),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
	c.metrics.ChannelTransitions.WithLabelValues(StateConnecting.String()).Inc()
	go c.run()
	return c
}

// Room returns the room slug.
func (c *Channel) Room() string { return c.room }

// Events is closed once the channel stops for good.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the number of consecutive failed connection attempts.
func (c *Channel) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Err returns the last transport error, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Send writes payload when the channel is open. It never queues: callers
// must fall back to another path on ErrNotOpen, ErrClosed or a write error.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	switch {
	case state == StateClosed:
		return ErrClosed
	case state != StateOpen || conn == nil:
		return ErrNotOpen
	}
	return conn.Write(payload)
}

// Disconnect closes the channel and waits for its goroutine. It is safe to
// call more than once; the final state is StateClosed unless the channel had
// already failed.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state != StateFailed && c.state != StateClosed {
		c.state = StateClosed
		c.metrics.ChannelTransitions.WithLabelValues(StateClosed.String()).Inc()
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
}

func (c *Channel) run() {
	defer close(c.done)
	defer close(c.events)

	attempt := 0
	for {
		conn, err := c.dialer.Dial(c.ctx, c.room)
		if c.ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			attempt++
			if !c.retry(attempt, err) {
				return
			}
			continue
		}

		attempt = 0
		if !c.opened(conn) {
			_ = conn.Close()
			return
		}
		log.Info().Msgf("[channel] %s connected", c.room)
		if !c.emit(Event{Kind: EventConnected, Room: c.room}) {
			return
		}

		err = c.readLoop(conn)
		_ = conn.Close()
		if c.ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msgf("[channel] %s dropped", c.room)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if !c.emit(Event{Kind: EventDisconnected, Room: c.room, Err: err}) {
			return
		}
		attempt++
		if !c.retry(attempt, err) {
			return
		}
	}
}

// retry moves to Reconnecting and sleeps, or to Failed once the retry budget
// is spent. It reports whether the loop should dial again.
func (c *Channel) retry(attempt int, cause error) bool {
	c.mu.Lock()
	c.retries = attempt
	c.lastErr = cause
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	if attempt > c.opts.MaxRetries {
		c.state = StateFailed
		c.mu.Unlock()
		c.metrics.ChannelTransitions.WithLabelValues(StateFailed.String()).Inc()
		log.Error().Err(cause).Msgf("[channel] %s failed after %d attempts", c.room, attempt)
		c.emit(Event{Kind: EventFailed, Room: c.room, Err: errors.Join(ErrFailed, cause)})
		return false
	}
	c.state = StateReconnecting
	c.mu.Unlock()
	c.metrics.ChannelTransitions.WithLabelValues(StateReconnecting.String()).Inc()

	return c.opts.Policy.Sleep(c.ctx, attempt) == nil
}

func (c *Channel) opened(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.retries = 0
	c.lastErr = nil
	c.metrics.ChannelTransitions.WithLabelValues(StateOpen.String()).Inc()
	return true
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		payload, err := conn.Read()
		if err != nil {
			return err
		}
		if !c.emit(Event{Kind: EventMessage, Room: c.room, Payload: payload}) {
			return c.ctx.Err()
		}
	}
}

// emit blocks until the event is queued so nothing is dropped; it gives up
// only when the channel is being torn down.
func (c *Channel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
