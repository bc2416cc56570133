// Package channel maintains the persistent realtime socket for a
// session: keep-alive probes, bounded reconnect, and the mapping of
// inbound frames into store appends.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/model/chat"
	"github.com/jmawson/candidate-chat/internal/store"
)

// State of the channel machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is delivered to the channel's observer. It is one of
// StateEvent or NoticeEvent.
type Event any

// StateEvent reports a state transition.
type StateEvent struct {
	State State
}

// NoticeEvent surfaces a user-visible condition. Terminal notices mean
// the channel will not recover on its own.
type NoticeEvent struct {
	Text     string
	Terminal bool
}

// Conn is the slice of a websocket connection the machine uses;
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials with gorilla/websocket.
func DefaultDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		d := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial failed: %w", err)
		}
		return conn, nil
	}
}

// Options configure a channel. Zero timing values fall back to the
// deployed defaults.
type Options struct {
	URL            string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
	Dialer         Dialer
	Logger         zerolog.Logger
}

// Channel owns one realtime connection per session. Its lifecycle is
// explicit: Open starts it, Close tears it down exactly once.
type Channel struct {
	opts   Options
	store  *store.Store
	events chan Event

	mu       sync.Mutex
	state    State
	conn     Conn
	pingStop chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a channel feeding appends into the given store.
func New(opts Options, st *store.Store) *Channel {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 3
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer(10 * time.Second)
	}
	opts.Logger = opts.Logger.With().Str("component", "channel").Logger()

	return &Channel{
		opts:   opts,
		store:  st,
		events: make(chan Event, 32),
		state:  StateDisconnected,
	}
}

// Events delivers state transitions and notices. The channel never
// blocks on a slow consumer; overflow events are dropped and logged.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current machine state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the first connection. A failure here is returned to the
// caller rather than retried: the session may simply be wrong.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("channel already %s", c.state)
	}
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setState(StateConnecting)

	if err := c.connect(c.ctx); err != nil {
		c.setState(StateClosed)
		return err
	}

	c.wg.Add(1)
	go c.run()
	return nil
}

// Close tears the channel down: idempotent, stops the keep-alive
// timer and the read loop, closes the socket.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.wg.Wait()
		c.setState(StateClosed)
	})
}

// connect performs one Connecting→Open transition: dial, immediate
// probe, fresh probe scheduling.
func (c *Channel) connect(ctx context.Context) error {
	conn, err := c.opts.Dialer(ctx, c.opts.URL)
	if err != nil {
		return err
	}

	pingDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.pingStop = pingDone
	c.mu.Unlock()

	c.setState(StateOpen)
	c.sendPing(conn)

	c.wg.Add(1)
	go c.pingLoop(conn, pingDone)
	return nil
}

// run owns the read loop and the reconnect policy for the lifetime of
// the channel.
func (c *Channel) run() {
	defer c.wg.Done()

	attempts := 0
	for {
		err := c.serve()

		c.stopPing()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}

		if isPolicyViolation(err) {
			c.opts.Logger.Warn().Err(err).Msg("channel closed by policy, not reconnecting")
			c.emit(NoticeEvent{Text: "session is no longer valid, please request a new link", Terminal: true})
			c.setState(StateClosed)
			return
		}

		reconnected := false
		for !reconnected {
			attempts++
			if attempts > c.opts.MaxReconnects {
				c.opts.Logger.Error().Err(err).Int("attempts", attempts-1).Msg("reconnect attempts exhausted")
				c.emit(NoticeEvent{Text: "connection lost, giving up after repeated attempts", Terminal: true})
				c.setState(StateClosed)
				return
			}

			c.opts.Logger.Info().Err(err).Int("attempt", attempts).Msg("scheduling reconnect")
			c.emit(NoticeEvent{Text: fmt.Sprintf("connection lost, reconnecting (attempt %d/%d)", attempts, c.opts.MaxReconnects)})

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.opts.ReconnectDelay):
			}

			c.setState(StateConnecting)
			if dialErr := c.connect(c.ctx); dialErr != nil {
				c.opts.Logger.Warn().Err(dialErr).Msg("reconnect dial failed")
				continue
			}
			reconnected = true
		}
	}
}

// serve reads frames from the current connection until it fails.
func (c *Channel) serve() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Channel) pingLoop(conn Conn, done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.sendPing(conn)
		}
	}
}

func (c *Channel) sendPing(conn Conn) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		c.opts.Logger.Debug().Err(err).Msg("keep-alive probe failed")
	}
}

func (c *Channel) stopPing() {
	c.mu.Lock()
	done := c.pingStop
	c.pingStop = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(StateEvent{State: s})
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.opts.Logger.Debug().Interface("event", ev).Msg("event dropped, observer too slow")
	}
}

func isPolicyViolation(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.ClosePolicyViolation
	}
	return false
}

// frame is the loose inbound wire shape; exactly one of the pong,
// error, or message interpretations applies.
type frame struct {
	Type      string                `json:"type"`
	Error     string                `json:"error"`
	Role      chat.Role             `json:"role"`
	Content   string                `json:"content"`
	Timestamp float64               `json:"timestamp"`
	Audio     string                `json:"audio_base64"`
	Map       *chat.MapAttachment   `json:"map_data"`
	Media     *chat.MediaAttachment `json:"media_data"`
}

// handleFrame maps one inbound frame: probe acknowledgments are
// discarded, error frames surface a notice, everything else appends a
// message subject to dedup. A malformed frame is dropped and the
// channel stays open.
func (c *Channel) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.opts.Logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	if f.Type == "pong" {
		return
	}

	if f.Error != "" {
		c.emit(NoticeEvent{Text: f.Error})
		return
	}

	if !f.Role.Valid() || f.Content == "" {
		c.opts.Logger.Warn().Str("role", string(f.Role)).Msg("dropping frame without role or content")
		return
	}

	// A frame without a timestamp is stamped on arrival, so the dedup
	// window can still match a contemporaneous optimistic copy.
	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.UnixMilli(int64(f.Timestamp * 1000))
	}

	msg := chat.Message{
		Role:      f.Role,
		Content:   f.Content,
		Timestamp: ts,
		Audio:     f.Audio,
		Map:       f.Map,
		Media:     f.Media,
	}

	if _, ok := c.store.Append(msg); !ok {
		c.opts.Logger.Debug().Str("role", string(f.Role)).Msg("duplicate frame suppressed")
	}
}
