package api

import (
	"net/url"
	"strings"
)

// The websocket endpoints share the HTTP base URL with the scheme
// swapped; the dialers in internal/channel and internal/voice take
// these fully-formed URLs.

// ChannelURL is the realtime chat channel for a session.
func (c *Client) ChannelURL(sessionID string) string {
	return httpToWS(c.base) + "/ws/" + url.PathEscape(sessionID)
}

// TranscribeURL is the streaming transcription channel for a session.
func (c *Client) TranscribeURL(sessionID string) string {
	return httpToWS(c.base) + "/transcribe/" + url.PathEscape(sessionID)
}

// VoiceURL is the record-then-upload voice channel for a session.
func (c *Client) VoiceURL(sessionID string) string {
	return httpToWS(c.base) + "/ws/voice/" + url.PathEscape(sessionID)
}

func httpToWS(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
