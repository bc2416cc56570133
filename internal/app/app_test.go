package app_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/api"
	"github.com/jmawson/candidate-chat/internal/app"
	"github.com/jmawson/candidate-chat/internal/config"
	"github.com/jmawson/candidate-chat/internal/model/chat"
	"github.com/jmawson/candidate-chat/internal/stub"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BaseURL: baseURL, Token: "abc"},
		Channel: config.ChannelConfig{
			PingInterval:     time.Hour,
			ReconnectDelay:   time.Second,
			MaxReconnects:    3,
			DedupWindow:      500 * time.Millisecond,
			HandshakeTimeout: 5 * time.Second,
		},
		Voice: config.VoiceConfig{
			SampleRate:      16000,
			FrameSize:       3200,
			ResponseTimeout: 2 * time.Second,
		},
	}
}

func newStartedApp(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	svc := stub.NewService(map[string]string{"abc": "s1"})
	ts := httptest.NewServer(stub.NewServer(svc, zerolog.Nop()).Router())
	t.Cleanup(ts.Close)

	a := app.New(testConfig(ts.URL), zerolog.Nop())
	if err := a.Start(context.Background(), "abc"); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	t.Cleanup(a.Close)
	return a, ts
}

func TestStartResolvesAndHydrates(t *testing.T) {
	a, _ := newStartedApp(t)

	if a.Session() == nil || a.Session().ID != "s1" {
		t.Fatalf("session = %+v", a.Session())
	}
	if a.Store().Len() != 1 {
		t.Fatalf("store len = %d, want the greeting", a.Store().Len())
	}
}

func TestStartRejectsBadToken(t *testing.T) {
	svc := stub.NewService(map[string]string{"abc": "s1"})
	ts := httptest.NewServer(stub.NewServer(svc, zerolog.Nop()).Router())
	t.Cleanup(ts.Close)

	a := app.New(testConfig(ts.URL), zerolog.Nop())
	err := a.Start(context.Background(), "wrong")
	if !errors.Is(err, api.ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
}

func TestSendAppendsBothSides(t *testing.T) {
	a, _ := newStartedApp(t)

	if err := a.Send(context.Background(), "What's the team culture like?"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	messages := a.Store().Messages()
	if len(messages) != 3 {
		t.Fatalf("store len = %d, want greeting + exchange", len(messages))
	}
	if messages[1].Role != chat.RoleCandidate {
		t.Fatalf("second message role = %s", messages[1].Role)
	}
	last := messages[2]
	if last.Role != chat.RoleAssistant || last.Media == nil {
		t.Fatalf("reply = %+v, want media attachment", last)
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	a, _ := newStartedApp(t)
	if err := a.Send(context.Background(), "   "); err == nil {
		t.Fatal("empty message accepted")
	}
	if a.Store().Len() != 1 {
		t.Fatalf("store len = %d, empty send must not append", a.Store().Len())
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	a, ts := newStartedApp(t)

	// Take the backend away; the optimistic copy must not survive.
	ts.Close()
	if err := a.Send(context.Background(), "hello?"); err == nil {
		t.Fatal("send succeeded against a dead backend")
	}
	if a.Store().Len() != 1 {
		t.Fatalf("store len = %d, want rollback to the greeting", a.Store().Len())
	}
}

func TestVoiceRequiresSession(t *testing.T) {
	a := app.New(testConfig("http://localhost:0"), zerolog.Nop())
	if err := a.StartRecording(context.Background()); !errors.Is(err, app.ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
	if _, err := a.Transcribe(context.Background(), nil); !errors.Is(err, app.ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}
