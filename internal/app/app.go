// Package app wires the client together: token redemption, history
// hydration, the realtime channel, text submission, and the two voice
// flows. The presentation layer talks to this and nothing else.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/api"
	"github.com/jmawson/candidate-chat/internal/channel"
	"github.com/jmawson/candidate-chat/internal/config"
	"github.com/jmawson/candidate-chat/internal/model/chat"
	"github.com/jmawson/candidate-chat/internal/store"
	"github.com/jmawson/candidate-chat/internal/voice"
)

var ErrNotStarted = errors.New("session not established")

// App owns the client's long-lived pieces for one session.
type App struct {
	cfg    *config.Config
	client *api.Client
	store  *store.Store
	logger zerolog.Logger

	session  *chat.Session
	channel  *channel.Channel
	recorder *voice.Recorder
	mic      voice.SourceFactory
}

// New builds an unstarted app from configuration.
func New(cfg *config.Config, logger zerolog.Logger) *App {
	client := api.New(cfg.Server.BaseURL, logger)
	return &App{
		cfg:    cfg,
		client: client,
		store:  store.New(cfg.Channel.DedupWindow),
		logger: logger.With().Str("component", "app").Logger(),
		mic: voice.CommandSource(
			cfg.Voice.RecorderCommand,
			cfg.Voice.SampleRate,
			cfg.Voice.FrameSize,
		),
	}
}

// Start redeems the token, hydrates history, and opens the realtime
// channel. Token failures are terminal: the caller reports them and
// exits rather than retrying.
func (a *App) Start(ctx context.Context, token string) error {
	sessionID, err := a.client.ValidateToken(ctx, token)
	if err != nil {
		return err
	}
	a.session = &chat.Session{ID: sessionID, Token: token, ResolvedAt: time.Now()}
	a.logger.Info().Str("session_id", sessionID).Msg("session established")

	history, err := a.client.FetchHistory(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := a.store.Hydrate(history); err != nil {
		return err
	}

	a.channel = channel.New(channel.Options{
		URL:            a.client.ChannelURL(sessionID),
		PingInterval:   a.cfg.Channel.PingInterval,
		ReconnectDelay: a.cfg.Channel.ReconnectDelay,
		MaxReconnects:  a.cfg.Channel.MaxReconnects,
		Dialer:         channel.DefaultDialer(a.cfg.Channel.HandshakeTimeout),
		Logger:         a.logger,
	}, a.store)
	if err := a.channel.Open(ctx); err != nil {
		return fmt.Errorf("realtime channel: %w", err)
	}

	a.recorder = voice.NewRecorder(voice.RecorderOptions{
		Endpoint:        a.client.VoiceURL,
		SampleRate:      a.cfg.Voice.SampleRate,
		ResponseTimeout: a.cfg.Voice.ResponseTimeout,
		Dialer:          channel.DefaultDialer(a.cfg.Channel.HandshakeTimeout),
		Logger:          a.logger,
	})
	return nil
}

// Store exposes the transcript for rendering and subscriptions.
func (a *App) Store() *store.Store {
	return a.store
}

// Session returns the resolved session, nil before Start succeeds.
func (a *App) Session() *chat.Session {
	return a.session
}

// ChannelEvents exposes channel state transitions and notices. Nil
// before Start succeeds.
func (a *App) ChannelEvents() <-chan channel.Event {
	if a.channel == nil {
		return nil
	}
	return a.channel.Events()
}

// ChannelState reports the realtime connection state.
func (a *App) ChannelState() channel.State {
	if a.channel == nil {
		return channel.StateDisconnected
	}
	return a.channel.State()
}

// Send submits one typed message: optimistic local append, POST, then
// the assistant reply. On failure the optimistic copy is rolled back
// and the error returned for display.
func (a *App) Send(ctx context.Context, text string) error {
	if a.session == nil {
		return ErrNotStarted
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("message is empty")
	}

	local := a.store.AppendLocal(chat.RoleCandidate, text)
	reply, err := a.client.SendMessage(ctx, a.session.ID, text, chat.RoleCandidate, false)
	if err != nil {
		a.store.Rollback(local.ID)
		return err
	}

	// The channel normally delivers the same reply; whichever copy
	// arrives second is suppressed by the dedup rule.
	a.store.Append(chat.Message{
		Role:      chat.RoleAssistant,
		Content:   reply.Response,
		Timestamp: time.Now(),
		Audio:     reply.Audio,
		Map:       reply.Map,
		Media:     reply.Media,
	})
	return nil
}

// Recording reports whether a voice capture is in progress.
func (a *App) Recording() bool {
	return a.recorder != nil && a.recorder.Recording()
}

// StartRecording begins accumulating microphone audio for the
// record-then-upload flow.
func (a *App) StartRecording(ctx context.Context) error {
	if a.session == nil || a.recorder == nil {
		return ErrNotStarted
	}
	return a.recorder.Start(ctx, a.session, a.mic)
}

// StopRecording uploads the captured clip and appends both halves of
// the voice exchange. A capture with no audio reports ErrNoAudio and
// leaves the transcript untouched.
func (a *App) StopRecording(ctx context.Context) error {
	if a.recorder == nil {
		return ErrNotStarted
	}
	reply, err := a.recorder.Stop(ctx)
	if err != nil {
		return err
	}

	a.store.Append(chat.Message{
		Role:      chat.RoleCandidate,
		Content:   "(voice message)",
		Timestamp: time.Now(),
	})
	a.store.Append(*reply)
	return nil
}

// Transcribe runs the streaming transcription flow and returns the
// final transcript for the caller to edit or submit.
func (a *App) Transcribe(ctx context.Context, onPartial func(string)) (string, error) {
	if a.session == nil {
		return "", ErrNotStarted
	}

	source, err := a.mic(ctx)
	if err != nil {
		return "", fmt.Errorf("capture device unavailable: %w", err)
	}

	tr := voice.NewTranscriber(voice.TranscriberOptions{
		Endpoint:         a.client.TranscribeURL,
		SilenceThreshold: a.cfg.Voice.SilenceThreshold,
		SilenceFrames:    a.cfg.Voice.SilenceFrames,
		Dialer:           channel.DefaultDialer(a.cfg.Channel.HandshakeTimeout),
		Logger:           a.logger,
		OnPartial:        onPartial,
	})
	return tr.Run(ctx, a.session, source)
}

// Close releases the channel and any in-flight recording. Safe to
// call more than once.
func (a *App) Close() {
	if a.recorder != nil {
		a.recorder.Abort()
	}
	if a.channel != nil {
		a.channel.Close()
	}
}
