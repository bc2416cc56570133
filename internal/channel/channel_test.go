package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/model/chat"
	"github.com/jmawson/candidate-chat/internal/store"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn feeds scripted reads to the machine and records writes.
type fakeConn struct {
	reads     chan readResult
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads: make(chan readResult, 16),
		done:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.TextMessage, r.data, nil
	case <-f.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeConn) pushFrame(v any) {
	data, _ := json.Marshal(v)
	f.reads <- readResult{data: data}
}

func (f *fakeConn) pushRaw(data string) {
	f.reads <- readResult{data: []byte(data)}
}

func (f *fakeConn) pushError(err error) {
	f.reads <- readResult{err: err}
}

// scriptedDialer hands out the given conns in order, then fails.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []Conn
	calls int
}

func (d *scriptedDialer) dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestChannel(t *testing.T, dialer Dialer, maxReconnects int) (*Channel, *store.Store) {
	t.Helper()
	st := store.New(500 * time.Millisecond)
	ch := New(Options{
		URL:            "ws://test/ws/s1",
		PingInterval:   time.Hour, // keep the ticker out of unit tests
		ReconnectDelay: 5 * time.Millisecond,
		MaxReconnects:  maxReconnects,
		Dialer:         dialer,
		Logger:         zerolog.Nop(),
	}, st)
	t.Cleanup(ch.Close)
	return ch, st
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func collectTerminalNotice(t *testing.T, ch *Channel) NoticeEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if n, ok := ev.(NoticeEvent); ok && n.Terminal {
				return n
			}
		case <-deadline:
			t.Fatal("no terminal notice observed")
		}
	}
}

func TestOpenSendsImmediateProbe(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}}
	ch, _ := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	waitFor(t, func() bool { return conn.writeCount() >= 1 }, "keep-alive probe")
	conn.mu.Lock()
	first := string(conn.writes[0])
	conn.mu.Unlock()
	if first != `{"type":"ping"}` {
		t.Fatalf("first write = %s, want ping probe", first)
	}
	if ch.State() != StateOpen {
		t.Fatalf("state = %s, want open", ch.State())
	}
}

func TestInboundFrames(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}}
	ch, st := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	// Probe acknowledgment: discarded.
	conn.pushFrame(map[string]any{"type": "pong", "timestamp": 1000.0})
	// Malformed frame: dropped, channel stays open.
	conn.pushRaw(`{not json`)
	// Error frame: surfaced, no message appended.
	conn.pushFrame(map[string]any{"error": "agent overloaded"})
	// Message frame: appended.
	conn.pushFrame(map[string]any{"role": "assistant", "content": "Hello!", "timestamp": 1000.0})
	// Near-duplicate: suppressed.
	conn.pushFrame(map[string]any{"role": "assistant", "content": "Hello!", "timestamp": 1000.2})

	waitFor(t, func() bool { return st.Len() == 1 }, "message append")

	var gotErrorNotice bool
	timeout := time.After(time.Second)
	for !gotErrorNotice {
		select {
		case ev := <-ch.Events():
			if n, ok := ev.(NoticeEvent); ok && n.Text == "agent overloaded" {
				gotErrorNotice = true
			}
		case <-timeout:
			t.Fatal("error frame never surfaced")
		}
	}

	if ch.State() != StateOpen {
		t.Fatalf("state = %s, want open after malformed/error frames", ch.State())
	}
	if st.Len() != 1 {
		t.Fatalf("store len = %d, want 1", st.Len())
	}
}

func TestFrameWithBadAttachmentDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}}
	ch, st := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	// An attachment with an unknown kind makes the whole frame
	// malformed; it must not reach the store.
	conn.pushRaw(`{"role": "assistant", "content": "look", "timestamp": 1000.0, "media_data": {"type": "gif", "url": "https://x/y.gif"}}`)
	conn.pushFrame(map[string]any{"role": "assistant", "content": "after", "timestamp": 2000.0})

	waitFor(t, func() bool { return st.Len() == 1 }, "follow-up message")
	if got := st.Messages()[0].Content; got != "after" {
		t.Fatalf("stored content = %q, bad-attachment frame slipped through", got)
	}
	if ch.State() != StateOpen {
		t.Fatalf("state = %s, want open", ch.State())
	}
}

func TestFrameWithoutTimestampDedupsAgainstLocalCopy(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}}
	ch, st := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	st.AppendLocal(chat.RoleCandidate, "hello")

	// The echo arrives with no timestamp field; stamped on arrival it
	// falls inside the dedup window of the optimistic copy.
	conn.pushFrame(map[string]any{"role": "candidate", "content": "hello"})
	conn.pushFrame(map[string]any{"role": "assistant", "content": "hi there", "timestamp": 2000.0})

	waitFor(t, func() bool { return st.Len() == 2 }, "assistant reply")

	hellos := 0
	for _, msg := range st.Messages() {
		if msg.Content == "hello" {
			hellos++
		}
	}
	if hellos != 1 {
		t.Fatalf("hello appears %d times, want 1", hellos)
	}
}

func TestPolicyViolationCloseNeverReconnects(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}}
	ch, _ := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	conn.pushError(&websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "session expired"})

	notice := collectTerminalNotice(t, ch)
	if notice.Text == "" {
		t.Fatal("terminal notice without text")
	}
	waitFor(t, func() bool { return ch.State() == StateClosed }, "closed state")

	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect after policy violation)", dialer.dialCount())
	}
}

func TestAbnormalCloseReconnectsBoundedly(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}} // every redial refused
	ch, _ := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	conn.pushError(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	notice := collectTerminalNotice(t, ch)
	if notice.Text == "" {
		t.Fatal("terminal notice without text")
	}
	waitFor(t, func() bool { return ch.State() == StateClosed }, "closed state")

	// Initial dial plus exactly MaxReconnects attempts.
	if dialer.dialCount() != 4 {
		t.Fatalf("dials = %d, want 4", dialer.dialCount())
	}
}

func TestReconnectResumesDelivery(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{first, second}}
	ch, st := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	first.pushFrame(map[string]any{"role": "assistant", "content": "before drop", "timestamp": 1000.0})
	waitFor(t, func() bool { return st.Len() == 1 }, "first message")

	first.pushError(&websocket.CloseError{Code: websocket.CloseGoingAway})

	// The replacement connection re-runs the full open sequence,
	// probe included, and keeps delivering.
	waitFor(t, func() bool { return second.writeCount() >= 1 }, "fresh probe after reconnect")
	second.pushFrame(map[string]any{"role": "assistant", "content": "after reconnect", "timestamp": 2000.0})
	waitFor(t, func() bool { return st.Len() == 2 }, "second message")

	if ch.State() != StateOpen {
		t.Fatalf("state = %s, want open", ch.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}}
	ch, _ := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	ch.Close()
	ch.Close()

	if ch.State() != StateClosed {
		t.Fatalf("state = %s, want closed", ch.State())
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1 (teardown must not reconnect)", dialer.dialCount())
	}
}

func TestOpenFailureIsReturned(t *testing.T) {
	dialer := &scriptedDialer{} // refuses immediately
	ch, _ := newTestChannel(t, dialer.dial, 3)

	if err := ch.Open(context.Background()); err == nil {
		t.Fatal("expected dial error from Open")
	}
	if ch.State() != StateClosed {
		t.Fatalf("state = %s, want closed", ch.State())
	}
}

func TestPeriodicProbes(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{conns: []Conn{conn}}
	st := store.New(0)
	ch := New(Options{
		URL:            "ws://test/ws/s1",
		PingInterval:   5 * time.Millisecond,
		ReconnectDelay: time.Hour,
		MaxReconnects:  3,
		Dialer:         dialer.dial,
		Logger:         zerolog.Nop(),
	}, st)
	t.Cleanup(ch.Close)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open err: %v", err)
	}

	waitFor(t, func() bool { return conn.writeCount() >= 3 }, "periodic probes")
	conn.mu.Lock()
	raw := string(conn.writes[1])
	conn.mu.Unlock()
	if raw != `{"type":"ping"}` {
		t.Fatalf("probe payload = %s", raw)
	}
}
