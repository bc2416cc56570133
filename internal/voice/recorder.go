package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/channel"
	"github.com/jmawson/candidate-chat/internal/model/chat"
)

// RecorderOptions configure the record-then-upload voice flow.
type RecorderOptions struct {
	// Endpoint builds the voice channel URL for a session.
	Endpoint func(sessionID string) string

	// SampleRate of the captured PCM, used for the WAV header.
	SampleRate int

	// ResponseTimeout bounds the wait for the assistant's voice reply
	// after the clip has been uploaded.
	ResponseTimeout time.Duration

	Dialer channel.Dialer
	Logger zerolog.Logger
}

// Recorder accumulates a whole utterance in memory and uploads it as
// one base64 WAV clip when the user stops recording. At most one
// recording is in progress at a time.
type Recorder struct {
	opts RecorderOptions

	mu      sync.Mutex
	busy    bool
	session *chat.Session
	source  Source
	buf     bytes.Buffer
	done    chan struct{}
}

// NewRecorder builds a recorder with deployed defaults for any zero
// option.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = channel.DefaultDialer(10 * time.Second)
	}
	opts.Logger = opts.Logger.With().Str("component", "recorder").Logger()
	return &Recorder{opts: opts}
}

// Recording reports whether capture is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Start acquires a capture device and begins accumulating frames. The
// session is checked before the device is touched: without one, no
// microphone handle is ever acquired. The busy flag is claimed before
// the factory runs, so a racing second Start gets ErrBusy instead of
// a second, leaked device handle.
func (r *Recorder) Start(ctx context.Context, session *chat.Session, factory SourceFactory) error {
	if session == nil || session.ID == "" {
		return ErrNoSession
	}

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return ErrBusy
	}
	r.busy = true
	r.mu.Unlock()

	source, err := factory(ctx)
	if err != nil {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
		return fmt.Errorf("capture device unavailable: %w", err)
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.session = session
	r.source = source
	r.buf.Reset()
	r.done = done
	r.mu.Unlock()

	go r.capture(source, done)
	return nil
}

func (r *Recorder) capture(source Source, done chan struct{}) {
	defer close(done)
	for {
		frame, err := source.ReadFrame()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.buf.Write(frame)
		r.mu.Unlock()
	}
}

// Stop ends capture, releases the device, and uploads the clip. It
// returns the assistant's reply message, or ErrNoAudio when nothing
// was captured (in which case nothing is sent).
func (r *Recorder) Stop(ctx context.Context) (*chat.Message, error) {
	session, pcm, err := r.drain()
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, ErrNoAudio
	}
	return r.upload(ctx, session, pcm)
}

// Abort ends capture and discards whatever was recorded. Safe to call
// at any time, including when nothing is recording.
func (r *Recorder) Abort() {
	_, _, err := r.drain()
	if err == nil {
		r.opts.Logger.Debug().Msg("recording discarded")
	}
}

// drain stops the capture goroutine, releases the device, and hands
// back the accumulated PCM. Idempotent: a second call finds no source.
func (r *Recorder) drain() (*chat.Session, []byte, error) {
	r.mu.Lock()
	source := r.source
	done := r.done
	session := r.session
	r.source = nil
	r.done = nil
	if source != nil {
		r.busy = false
	}
	r.mu.Unlock()

	if source == nil {
		return nil, nil, errors.New("not recording")
	}

	_ = source.Close()
	<-done

	r.mu.Lock()
	pcm := make([]byte, r.buf.Len())
	copy(pcm, r.buf.Bytes())
	r.buf.Reset()
	r.mu.Unlock()

	return session, pcm, nil
}

// clipFrame is the upload shape on the voice channel.
type clipFrame struct {
	Type      string  `json:"type"`
	AudioData string  `json:"audio_data"`
	Timestamp float64 `json:"timestamp"`
}

// replyFrame is the loose inbound shape on the voice channel.
type replyFrame struct {
	Type      string  `json:"type"`
	Error     string  `json:"error"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	Audio     string  `json:"audio_base64"`
}

func (r *Recorder) upload(ctx context.Context, session *chat.Session, pcm []byte) (*chat.Message, error) {
	if r.opts.Endpoint == nil {
		return nil, errors.New("recorder has no endpoint")
	}

	conn, err := r.opts.Dialer(ctx, r.opts.Endpoint(session.ID))
	if err != nil {
		return nil, fmt.Errorf("voice channel dial failed: %w", err)
	}
	defer conn.Close()

	clip := clipFrame{
		Type:      "audio",
		AudioData: base64.StdEncoding.EncodeToString(EncodeWAV(pcm, r.opts.SampleRate)),
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	payload, err := json.Marshal(clip)
	if err != nil {
		return nil, fmt.Errorf("clip encode failed: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("clip upload failed: %w", err)
	}

	frames := make(chan replyFrame, 4)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var f replyFrame
			if err := json.Unmarshal(data, &f); err != nil {
				r.opts.Logger.Warn().Err(err).Msg("dropping malformed voice frame")
				continue
			}
			select {
			case frames <- f:
			case <-quit:
				return
			}
		}
	}()

	deadline := time.After(r.opts.ResponseTimeout)
	for {
		select {
		case f := <-frames:
			switch {
			case f.Type == "pong":
			case f.Error != "":
				return nil, fmt.Errorf("voice reply failed: %s", f.Error)
			case f.Role == string(chat.RoleAssistant) && f.Content != "":
				return &chat.Message{
					Role:      chat.RoleAssistant,
					Content:   f.Content,
					Timestamp: time.UnixMilli(int64(f.Timestamp * 1000)),
					Audio:     f.Audio,
				}, nil
			default:
				// The candidate's own echo and anything else on the
				// channel is not the reply we are waiting for.
			}
		case err := <-readErr:
			return nil, fmt.Errorf("voice channel closed before reply: %w", err)
		case <-deadline:
			return nil, fmt.Errorf("no voice reply within %s", r.opts.ResponseTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
