package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates everything the client reads from the environment.
type Config struct {
	Server  ServerConfig
	Channel ChannelConfig
	Voice   VoiceConfig
	Stub    StubConfig
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	channel, err := loadChannelConfig()
	if err != nil {
		return nil, err
	}

	voice, err := loadVoiceConfig()
	if err != nil {
		return nil, err
	}

	stub, err := loadStubConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Channel: channel, Voice: voice, Stub: stub}, nil
}

// ServerConfig locates the remote assistant backend.
type ServerConfig struct {
	BaseURL string
	Token   string
}

func loadServerConfig() (ServerConfig, error) {
	base := strings.TrimSpace(os.Getenv("CHAT_SERVER_URL"))
	if base == "" {
		base = "http://localhost:8000"
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return ServerConfig{}, fmt.Errorf("invalid CHAT_SERVER_URL value: %q", base)
	}

	return ServerConfig{
		BaseURL: strings.TrimSuffix(base, "/"),
		Token:   strings.TrimSpace(os.Getenv("CHAT_TOKEN")),
	}, nil
}

// ChannelConfig carries the realtime channel timing knobs. The
// defaults mirror the deployed service; they are configuration, not
// invariants.
type ChannelConfig struct {
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	MaxReconnects    int
	DedupWindow      time.Duration
	HandshakeTimeout time.Duration
}

func loadChannelConfig() (ChannelConfig, error) {
	ping, err := parseDurationEnv("CHAT_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return ChannelConfig{}, err
	}

	delay, err := parseDurationEnv("CHAT_RECONNECT_DELAY", 5*time.Second)
	if err != nil {
		return ChannelConfig{}, err
	}

	window, err := parseDurationEnv("CHAT_DEDUP_WINDOW", 500*time.Millisecond)
	if err != nil {
		return ChannelConfig{}, err
	}

	handshake, err := parseDurationEnv("CHAT_HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return ChannelConfig{}, err
	}

	attempts := 3
	if override, err := parseOptionalIntEnv("CHAT_MAX_RECONNECTS"); err != nil {
		return ChannelConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return ChannelConfig{}, fmt.Errorf("CHAT_MAX_RECONNECTS must not be negative, got %d", *override)
		}
		attempts = *override
	}

	return ChannelConfig{
		PingInterval:     ping,
		ReconnectDelay:   delay,
		MaxReconnects:    attempts,
		DedupWindow:      window,
		HandshakeTimeout: handshake,
	}, nil
}

// VoiceConfig carries microphone capture and voice-upload parameters.
type VoiceConfig struct {
	SampleRate       int
	FrameSize        int
	SilenceThreshold float64
	SilenceFrames    int
	ResponseTimeout  time.Duration
	RecorderCommand  string
}

func loadVoiceConfig() (VoiceConfig, error) {
	sampleRate := 16000
	if override, err := parseOptionalIntEnv("VOICE_SAMPLE_RATE"); err != nil {
		return VoiceConfig{}, err
	} else if override != nil {
		sampleRate = *override
	}

	frameSize := 3200 // 100ms of 16kHz mono s16le
	if override, err := parseOptionalIntEnv("VOICE_FRAME_SIZE"); err != nil {
		return VoiceConfig{}, err
	} else if override != nil {
		frameSize = *override
	}

	threshold := 500.0
	if override, err := parseOptionalFloatEnv("VOICE_SILENCE_THRESHOLD"); err != nil {
		return VoiceConfig{}, err
	} else if override != nil {
		threshold = *override
	}

	frames := 20
	if override, err := parseOptionalIntEnv("VOICE_SILENCE_FRAMES"); err != nil {
		return VoiceConfig{}, err
	} else if override != nil {
		frames = *override
	}

	timeout, err := parseDurationEnv("VOICE_RESPONSE_TIMEOUT", 10*time.Second)
	if err != nil {
		return VoiceConfig{}, err
	}

	return VoiceConfig{
		SampleRate:       sampleRate,
		FrameSize:        frameSize,
		SilenceThreshold: threshold,
		SilenceFrames:    frames,
		ResponseTimeout:  timeout,
		RecorderCommand:  strings.TrimSpace(os.Getenv("VOICE_RECORDER_CMD")),
	}, nil
}

// StubConfig describes the development stub server.
type StubConfig struct {
	Addr string
}

func loadStubConfig() (StubConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// Accept ":8000" or "127.0.0.1:8000" as-is.
		return StubConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return StubConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return StubConfig{Addr: ":" + port}, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
