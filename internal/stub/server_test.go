package stub_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/api"
	"github.com/jmawson/candidate-chat/internal/channel"
	"github.com/jmawson/candidate-chat/internal/model/chat"
	"github.com/jmawson/candidate-chat/internal/store"
	"github.com/jmawson/candidate-chat/internal/stub"
	"github.com/jmawson/candidate-chat/internal/voice"
)

func newTestBackend(t *testing.T) (*httptest.Server, *api.Client) {
	t.Helper()
	svc := stub.NewService(map[string]string{"abc": "s1"})
	ts := httptest.NewServer(stub.NewServer(svc, zerolog.Nop()).Router())
	t.Cleanup(ts.Close)
	return ts, api.New(ts.URL, zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTokenRedemption(t *testing.T) {
	_, client := newTestBackend(t)

	sessionID, err := client.ValidateToken(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ValidateToken err: %v", err)
	}
	if sessionID != "s1" {
		t.Fatalf("session = %q, want s1", sessionID)
	}

	if _, err := client.ValidateToken(context.Background(), "bogus"); !errors.Is(err, api.ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
}

func TestHistoryAndScriptedReplies(t *testing.T) {
	_, client := newTestBackend(t)
	ctx := context.Background()

	if _, err := client.ValidateToken(ctx, "abc"); err != nil {
		t.Fatalf("ValidateToken err: %v", err)
	}

	history, err := client.FetchHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("FetchHistory err: %v", err)
	}
	if len(history) != 1 || history[0].Role != chat.RoleAssistant {
		t.Fatalf("fresh history = %+v, want one greeting", history)
	}

	reply, err := client.SendMessage(ctx, "s1", "Where is the office located?", chat.RoleCandidate, false)
	if err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}
	if reply.Map == nil || reply.Map.Kind != chat.MapKindAddress {
		t.Fatalf("reply attachment = %+v, want an address map", reply.Map)
	}

	history, err = client.FetchHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("FetchHistory err: %v", err)
	}
	// The greeting plus both halves of the exchange.
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	last := history[2]
	if last.Role != chat.RoleAssistant || last.Map == nil {
		t.Fatalf("last turn = %+v", last)
	}

	if _, err := client.FetchHistory(ctx, "nope"); err == nil {
		t.Fatal("unknown session fetched history")
	}
}

// TestLiveExchange runs the whole client loop against the stub: token
// redemption, hydration, an optimistic send, and the channel echo
// that the dedup rule must suppress.
func TestLiveExchange(t *testing.T) {
	_, client := newTestBackend(t)
	ctx := context.Background()

	sessionID, err := client.ValidateToken(ctx, "abc")
	if err != nil {
		t.Fatalf("ValidateToken err: %v", err)
	}

	history, err := client.FetchHistory(ctx, sessionID)
	if err != nil {
		t.Fatalf("FetchHistory err: %v", err)
	}

	st := store.New(store.DefaultDedupWindow)
	if err := st.Hydrate(history); err != nil {
		t.Fatalf("Hydrate err: %v", err)
	}

	ch := channel.New(channel.Options{
		URL:    client.ChannelURL(sessionID),
		Logger: zerolog.Nop(),
	}, st)
	if err := ch.Open(ctx); err != nil {
		t.Fatalf("Open err: %v", err)
	}
	defer ch.Close()

	// The broadcast only reaches observers registered before the send.
	time.Sleep(100 * time.Millisecond)

	local := st.AppendLocal(chat.RoleCandidate, "hello")
	if _, err := client.SendMessage(ctx, sessionID, "hello", chat.RoleCandidate, false); err != nil {
		st.Rollback(local.ID)
		t.Fatalf("SendMessage err: %v", err)
	}

	// Greeting, the candidate's message, and the assistant reply. The
	// channel echo of "hello" must not show up a second time.
	waitFor(t, func() bool { return st.Len() == 3 }, "assistant reply over the channel")

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

func TestChannelProbeAndRejection(t *testing.T) {
	ts, client := newTestBackend(t)
	ctx := context.Background()

	if _, err := client.ValidateToken(ctx, "abc"); err != nil {
		t.Fatalf("ValidateToken err: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(client.ChannelURL("s1"), nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("ping err: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read err: %v", err)
	}
	if !strings.Contains(string(data), `"pong"`) {
		t.Fatalf("probe answer = %s", data)
	}

	// An unresolved session is refused with a policy close.
	bad, _, err := websocket.DefaultDialer.Dial(strings.Replace(ts.URL, "http://", "ws://", 1)+"/ws/unknown", nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer bad.Close()

	_, _, err = bad.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("err = %v, want policy violation close", err)
	}
}

// scriptedSource plays back canned PCM frames.
type scriptedSource struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *scriptedSource) ReadFrame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame, nil
}

func (s *scriptedSource) Close() error { return nil }

func pcmFrames(count, size int) [][]byte {
	frames := make([][]byte, count)
	for i := range frames {
		frame := make([]byte, size)
		for j := 0; j+1 < size; j += 2 {
			frame[j] = 0x10
			frame[j+1] = 0x27 // int16 10000, comfortably above the silence threshold
		}
		frames[i] = frame
	}
	return frames
}

func TestTranscriptionStream(t *testing.T) {
	_, client := newTestBackend(t)
	ctx := context.Background()

	if _, err := client.ValidateToken(ctx, "abc"); err != nil {
		t.Fatalf("ValidateToken err: %v", err)
	}

	tr := voice.NewTranscriber(voice.TranscriberOptions{
		Endpoint: client.TranscribeURL,
		Logger:   zerolog.Nop(),
	})

	source := &scriptedSource{frames: pcmFrames(3, 320)}
	transcript, err := tr.Run(ctx, &chat.Session{ID: "s1", Token: "abc"}, source)
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if transcript != "voice note covering 960 bytes of audio" {
		t.Fatalf("transcript = %q", transcript)
	}
}

func TestVoiceClipUpload(t *testing.T) {
	_, client := newTestBackend(t)
	ctx := context.Background()

	if _, err := client.ValidateToken(ctx, "abc"); err != nil {
		t.Fatalf("ValidateToken err: %v", err)
	}

	r := voice.NewRecorder(voice.RecorderOptions{
		Endpoint:   client.VoiceURL,
		SampleRate: 16000,
		Logger:     zerolog.Nop(),
	})

	source := &scriptedSource{frames: pcmFrames(2, 320)}
	factory := func(context.Context) (voice.Source, error) { return source, nil }

	session := &chat.Session{ID: "s1", Token: "abc"}
	if err := r.Start(ctx, session, factory); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	waitFor(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.frames) == 0
	}, "capture to drain the source")

	reply, err := r.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop err: %v", err)
	}
	if reply.Role != chat.RoleAssistant || reply.Content == "" {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Audio == "" {
		t.Fatal("voice reply without synthesized audio")
	}

	// The exchange lands in stored history too.
	history, err := client.FetchHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("FetchHistory err: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history len = %d, want greeting plus the voice exchange", len(history))
	}
}
