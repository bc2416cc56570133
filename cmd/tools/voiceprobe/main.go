// voiceprobe exercises the backend's two voice surfaces from the
// command line: stream a PCM file through the transcription channel,
// or upload it as one clip on the voice channel. Useful when
// debugging the protocol without the full client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/api"
	"github.com/jmawson/candidate-chat/internal/channel"
	"github.com/jmawson/candidate-chat/internal/config"
	"github.com/jmawson/candidate-chat/internal/model/chat"
	"github.com/jmawson/candidate-chat/internal/voice"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	mode := flag.String("mode", "", "probe mode: transcribe or clip")
	audioPath := flag.String("audio", "", "raw s16le mono PCM input file")
	token := flag.String("token", cfg.Server.Token, "access token")
	timeout := flag.Duration("timeout", 45*time.Second, "overall timeout")
	flag.Parse()

	if *mode != "transcribe" && *mode != "clip" {
		flag.Usage()
		log.Fatal("pass -mode=transcribe or -mode=clip")
	}
	if *audioPath == "" {
		log.Fatal("pass -audio with a raw PCM file")
	}
	if *token == "" {
		log.Fatal("pass -token or set CHAT_TOKEN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	client := api.New(cfg.Server.BaseURL, logger)

	sessionID, err := client.ValidateToken(ctx, *token)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	session := &chat.Session{ID: sessionID, Token: *token, ResolvedAt: time.Now()}
	log.Printf("session established: %s", sessionID)

	source, err := fileSource(*audioPath, cfg.Voice.FrameSize)
	if err != nil {
		log.Fatalf("audio: %v", err)
	}

	switch *mode {
	case "transcribe":
		runTranscribe(ctx, cfg, client, session, source, logger)
	case "clip":
		runClip(ctx, cfg, client, session, source, logger)
	}
}

func runTranscribe(ctx context.Context, cfg *config.Config, client *api.Client, session *chat.Session, source voice.Source, logger zerolog.Logger) {
	tr := voice.NewTranscriber(voice.TranscriberOptions{
		Endpoint:         client.TranscribeURL,
		SilenceThreshold: cfg.Voice.SilenceThreshold,
		SilenceFrames:    cfg.Voice.SilenceFrames,
		Dialer:           channel.DefaultDialer(cfg.Channel.HandshakeTimeout),
		Logger:           logger,
		OnPartial:        func(text string) { log.Printf("partial: %s", text) },
	})

	transcript, err := tr.Run(ctx, session, source)
	if err != nil {
		log.Fatalf("transcribe: %v", err)
	}
	fmt.Println(transcript)
}

func runClip(ctx context.Context, cfg *config.Config, client *api.Client, session *chat.Session, source voice.Source, logger zerolog.Logger) {
	rec := voice.NewRecorder(voice.RecorderOptions{
		Endpoint:        client.VoiceURL,
		SampleRate:      cfg.Voice.SampleRate,
		ResponseTimeout: cfg.Voice.ResponseTimeout,
		Dialer:          channel.DefaultDialer(cfg.Channel.HandshakeTimeout),
		Logger:          logger,
	})

	factory := func(context.Context) (voice.Source, error) { return source, nil }
	if err := rec.Start(ctx, session, factory); err != nil {
		log.Fatalf("start: %v", err)
	}
	// Give the capture loop time to drain the file before stopping.
	time.Sleep(200 * time.Millisecond)

	reply, err := rec.Stop(ctx)
	if err != nil {
		log.Fatalf("stop: %v", err)
	}
	fmt.Printf("%s: %s\n", reply.Role, reply.Content)
	if reply.HasAudio() {
		fmt.Printf("(synthesized audio: %d base64 bytes)\n", len(reply.Audio))
	}
}

// fileSource replays a raw PCM file frame by frame.
func fileSource(path string, frameSize int) (voice.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &pcmFile{f: f, frameSize: frameSize}, nil
}

type pcmFile struct {
	f         *os.File
	frameSize int
}

func (p *pcmFile) ReadFrame() ([]byte, error) {
	frame := make([]byte, p.frameSize)
	n, err := io.ReadFull(p.f, frame)
	if n > 0 {
		return frame[:n], nil
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return nil, io.EOF
}

func (p *pcmFile) Close() error {
	return p.f.Close()
}
