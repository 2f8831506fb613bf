// Package transport is the rover's broker client: a newline-delimited JSON
// protocol over TCP or WebSocket, with bounded connection retry, topic
// subscription and a background receive loop that delivers parsed messages on a
// channel.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/gwillem/rover/pkg/command"
)

var (
	// ErrRetriesExhausted is returned by Connect after the last attempt fails.
	ErrRetriesExhausted = errors.New("connection retries exhausted")
	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyListening is returned by a second Listen on the same connection.
	ErrAlreadyListening = errors.New("already listening")
)

// State is the connection state of a Client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Listening
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds client settings. Zero values take the defaults from
// DefaultConfig.
type Config struct {
	Address     string
	MaxAttempts int
	Backoff     time.Duration
	DialTimeout time.Duration
	ReadTimeout time.Duration
	ReadSize    int // bytes per read
	MaxFrame    int // largest frame accepted before the buffer is dropped
	Queue       int // capacity of the message channel
}

// DefaultConfig returns the standard client settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Backoff:     3 * time.Second,
		DialTimeout: 10 * time.Second,
		ReadTimeout: time.Second,
		ReadSize:    1024,
		MaxFrame:    64 * 1024,
		Queue:       8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.ReadSize <= 0 {
		c.ReadSize = def.ReadSize
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = def.MaxFrame
	}
	if c.Queue <= 0 {
		c.Queue = def.Queue
	}
	return c
}

// Conn is the byte stream the client talks over.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// DialFunc opens a Conn to address.
type DialFunc func(ctx context.Context, address string, timeout time.Duration) (Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the default TCP/WebSocket dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithClock sets the clock used for retry backoff.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStateHook registers fn to be called after every state transition. fn
// runs on the goroutine that caused the transition and must not block.
func WithStateHook(fn func(from, to State)) Option {
	return func(c *Client) { c.onState = fn }
}

// Client is a broker connection. One Client holds at most one connection at a
// time.
type Client struct {
	cfg     Config
	dial    DialFunc
	clock   clock.Clock
	logger  *zap.Logger
	onState func(from, to State)

	mu       sync.Mutex
	state    State
	conn     Conn
	session  string
	attempts int
	stop     chan struct{}

	writeMu sync.Mutex
	running *atomic.Bool
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg.withDefaults(),
		dial:    Dial,
		clock:   clock.New(),
		logger:  zap.NewNop(),
		running: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("transport")
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether the receive loop is active.
func (c *Client) Running() bool {
	return c.running.Load()
}

// Attempts returns the number of failed attempts in the current Connect call.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Session returns the identifier of the current connection, or "" when
// disconnected.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) transition(from, to State) {
	c.logger.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	if c.onState != nil {
		c.onState(from, to)
	}
}

// Connect opens the connection, retrying after the configured backoff up to
// MaxAttempts times. When every attempt fails the error wraps
// ErrRetriesExhausted; the client stays disconnected until Connect is called
// again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s", state)
	}
	c.state = Connecting
	c.attempts = 0
	c.mu.Unlock()
	c.transition(Disconnected, Connecting)

	var lastErr error
	for {
		conn, err := c.dial(ctx, c.cfg.Address, c.cfg.DialTimeout)
		if err == nil {
			session := uuid.NewString()
			c.mu.Lock()
			c.conn = conn
			c.session = session
			c.attempts = 0
			c.state = Connected
			c.mu.Unlock()
			c.transition(Connecting, Connected)
			c.logger.Info("connected", zap.String("address", c.cfg.Address), zap.String("session", session))
			return nil
		}

		lastErr = err
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()
		c.logger.Error("connect failed",
			zap.String("address", c.cfg.Address),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(err))

		if attempt >= c.cfg.MaxAttempts {
			break
		}
		select {
		case <-c.clock.After(c.cfg.Backoff):
		case <-ctx.Done():
			c.abortConnect()
			return fmt.Errorf("connect %s: %w", c.cfg.Address, ctx.Err())
		}
	}

	c.abortConnect()
	return fmt.Errorf("connect %s after %d attempts: %w: %w", c.cfg.Address, c.cfg.MaxAttempts, ErrRetriesExhausted, lastErr)
}

func (c *Client) abortConnect() {
	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	c.transition(Connecting, Disconnected)
}

// Subscribe asks the broker for messages on topic. No acknowledgment is
// awaited.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("subscribe %s: %w", topic, ErrNotConnected)
	}

	frame, err := encodeFrame(subscribeRequest{Action: ActionSubscribe, Topic: topic})
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}

	c.writeMu.Lock()
	_, err = conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

// Listen starts the receive loop and returns the channel it delivers parsed
// messages on. The channel is closed when the loop exits, after the client has
// moved to Disconnected. Cancelling ctx ends the loop.
func (c *Client) Listen(ctx context.Context) (<-chan command.Message, error) {
	c.mu.Lock()
	switch c.state {
	case Listening:
		c.mu.Unlock()
		return nil, ErrAlreadyListening
	case Connected:
	default:
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.state = Listening
	conn := c.conn
	session := c.session
	stop := make(chan struct{})
	c.stop = stop
	c.running.Store(true)
	c.mu.Unlock()
	c.transition(Connected, Listening)

	out := make(chan command.Message, c.cfg.Queue)
	go c.receive(ctx, session, conn, stop, out)
	return out, nil
}

// receive runs the read loop of one session. On exit it tears down that session
// only; a newer session opened after a Disconnect is left alone.
func (c *Client) receive(ctx context.Context, session string, conn Conn, stop <-chan struct{}, out chan<- command.Message) {
	defer func() {
		if err := c.teardown(session); err != nil {
			c.logger.Warn("close connection", zap.Error(err))
		}
		close(out)
	}()

	buf := make([]byte, c.cfg.ReadSize)
	frames := frameBuffer{limit: c.cfg.MaxFrame}

	for !stopped(stop) {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.logger.Error("set read deadline", zap.Error(err))
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if dropped := frames.Write(buf[:n]); dropped > 0 {
				c.logger.Warn("frame exceeds size limit, dropping buffered bytes",
					zap.Int("dropped", dropped), zap.Int("limit", c.cfg.MaxFrame))
			}
			if !c.deliver(ctx, stop, &frames, out) {
				return
			}
		}
		if err != nil {
			switch {
			case isTimeout(err):
				continue
			case errors.Is(err, io.EOF):
				c.logger.Info("connection closed by peer")
			case stopped(stop):
			default:
				c.logger.Error("receive failed", zap.Error(err))
			}
			return
		}
		if n == 0 {
			c.logger.Info("connection closed by peer")
			return
		}
	}
}

// deliver sends every complete buffered frame to out. It reports false when
// the loop should end.
func (c *Client) deliver(ctx context.Context, stop <-chan struct{}, frames *frameBuffer, out chan<- command.Message) bool {
	for {
		frame, ok := frames.Next()
		if !ok {
			return true
		}
		text := bytes.TrimSpace(frame)
		if len(text) == 0 {
			continue
		}
		if !utf8.Valid(text) {
			c.logger.Warn("frame is not valid utf-8", zap.Binary("frame", text))
			continue
		}
		msg, err := command.Parse(text)
		if err != nil {
			c.logger.Warn("malformed frame", zap.ByteString("frame", text), zap.Error(err))
			continue
		}

		select {
		case out <- msg:
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Disconnect stops the receive loop and closes the connection. It is safe to
// call more than once.
func (c *Client) Disconnect() error {
	return c.teardown("")
}

// teardown disconnects the current connection. A non-empty session limits it
// to that session, so a stale receive loop cannot close a newer connection.
func (c *Client) teardown(session string) error {
	c.mu.Lock()
	if c.state == Disconnected || (session != "" && session != c.session) {
		c.mu.Unlock()
		return nil
	}
	c.running.Store(false)
	from := c.state
	conn := c.conn
	session = c.session
	c.state = Disconnected
	c.conn = nil
	c.session = ""
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	c.transition(from, Disconnected)
	c.logger.Info("disconnected", zap.String("session", session))

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
