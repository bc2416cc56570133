package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/channel"
	"github.com/jmawson/candidate-chat/internal/model/chat"
)

// TranscriberOptions configure a streaming transcription run.
type TranscriberOptions struct {
	// Endpoint builds the transcription channel URL for a session.
	Endpoint func(sessionID string) string

	// SilenceThreshold and SilenceFrames bound the automatic stop: the
	// run ends after SilenceFrames consecutive frames whose RMS stays
	// below the threshold.
	SilenceThreshold float64
	SilenceFrames    int

	// PingInterval spaces the keep-alive probes sent alongside the
	// audio frames.
	PingInterval time.Duration

	// OnPartial, when set, receives every interim transcript as the
	// service refines it.
	OnPartial func(text string)

	Dialer channel.Dialer
	Logger zerolog.Logger
}

// Transcriber streams microphone frames to the transcription channel
// and collects the evolving transcript. One Transcriber runs one
// utterance at a time.
type Transcriber struct {
	opts TranscriberOptions
}

// NewTranscriber builds a transcriber with deployed defaults for any
// zero option.
func NewTranscriber(opts TranscriberOptions) *Transcriber {
	if opts.SilenceThreshold <= 0 {
		opts.SilenceThreshold = 500
	}
	if opts.SilenceFrames <= 0 {
		opts.SilenceFrames = 20
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = channel.DefaultDialer(10 * time.Second)
	}
	opts.Logger = opts.Logger.With().Str("component", "transcriber").Logger()
	return &Transcriber{opts: opts}
}

// Run captures from source until silence, source exhaustion, or ctx
// cancellation, and returns the final transcript. The first frame is
// read before anything is dialed, so a source that produces no audio
// ends the run with ErrNoAudio and no network traffic.
func (t *Transcriber) Run(ctx context.Context, session *chat.Session, source Source) (string, error) {
	if session == nil || session.ID == "" {
		return "", ErrNoSession
	}
	if t.opts.Endpoint == nil {
		return "", errors.New("transcriber has no endpoint")
	}
	defer source.Close()

	first, err := source.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrNoAudio
		}
		return "", fmt.Errorf("capture failed: %w", err)
	}

	conn, err := t.opts.Dialer(ctx, t.opts.Endpoint(session.ID))
	if err != nil {
		return "", fmt.Errorf("transcription channel dial failed: %w", err)
	}
	defer conn.Close()

	collector := &transcriptCollector{onPartial: t.opts.OnPartial}
	readerDone := make(chan error, 1)
	go func() { readerDone <- collector.drain(conn) }()

	detector := NewSilenceDetector(t.opts.SilenceThreshold, t.opts.SilenceFrames)
	lastPing := time.Now()

	frame := first
	for {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return collector.text(), fmt.Errorf("audio frame send failed: %w", err)
		}
		if detector.Observe(frame) {
			t.opts.Logger.Debug().Msg("silence detected, ending capture")
			break
		}
		if time.Since(lastPing) >= t.opts.PingInterval {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				t.opts.Logger.Debug().Err(err).Msg("transcription keep-alive failed")
			}
			lastPing = time.Now()
		}

		if ctx.Err() != nil {
			break
		}
		frame, err = source.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return collector.text(), fmt.Errorf("capture failed: %w", err)
			}
			break
		}
	}

	// Clean closure: tell the service the utterance is over, then give
	// the reader a moment to deliver the last refinement.
	closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, closing); err != nil {
		t.opts.Logger.Debug().Err(err).Msg("close frame send failed")
	}
	select {
	case <-readerDone:
	case <-time.After(2 * time.Second):
		t.opts.Logger.Debug().Msg("transcript drain timed out")
	case <-ctx.Done():
	}

	return collector.text(), nil
}

// transcriptCollector keeps the latest refinement of the utterance.
// The service resends the full transcript as it improves, so each
// non-empty frame replaces the previous one.
type transcriptCollector struct {
	mu        sync.Mutex
	latest    string
	onPartial func(string)
}

func (c *transcriptCollector) drain(conn channel.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		text := strings.TrimSpace(string(data))
		if text == "" || strings.HasPrefix(text, `{"type":"pong"`) {
			continue
		}

		c.mu.Lock()
		c.latest = text
		c.mu.Unlock()
		if c.onPartial != nil {
			c.onPartial(text)
		}
	}
}

func (c *transcriptCollector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}
