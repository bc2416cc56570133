// Package api implements the HTTP side of the assistant backend
// protocol: token redemption, history hydration, and message
// submission. The realtime side lives in internal/channel.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/model/chat"
)

var (
	// ErrSessionInvalid marks a terminal token/session failure: the
	// caller must not retry.
	ErrSessionInvalid = errors.New("session invalid or expired")
)

// Error is a decoded backend error body.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Detail)
}

// Client talks to the assistant backend over HTTP.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

// New creates a client for the given base URL ("http(s)://host[:port]").
func New(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		base:   strings.TrimSuffix(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// ValidateToken redeems an access token for a session identifier.
// Failure is terminal; the caller surfaces it and stops.
func (c *Client) ValidateToken(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: empty token", ErrSessionInvalid)
	}

	endpoint := c.base + "/validate-token/?token=" + url.QueryEscape(token)
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return "", fmt.Errorf("%w: %s", ErrSessionInvalid, apiErr.Detail)
		}
		return "", fmt.Errorf("validate token: %w", err)
	}
	if payload.SessionID == "" {
		return "", fmt.Errorf("%w: backend returned no session id", ErrSessionInvalid)
	}

	c.logger.Debug().Str("session_id", payload.SessionID).Msg("token validated")
	return payload.SessionID, nil
}

// historyRow is one stored turn as the backend returns it. A row may
// carry both the query and the assistant response; FetchHistory
// expands such rows into two messages.
type historyRow struct {
	Role      chat.Role             `json:"role"`
	Query     string                `json:"query"`
	Response  string                `json:"response"`
	Timestamp epochSeconds          `json:"timestamp"`
	Audio     string                `json:"audio_base64"`
	Map       *chat.MapAttachment   `json:"map_data"`
	Media     *chat.MediaAttachment `json:"media_data"`
}

// FetchHistory hydrates the stored transcript for a session.
func (c *Client) FetchHistory(ctx context.Context, sessionID string) ([]chat.Message, error) {
	var payload struct {
		Messages []historyRow `json:"messages"`
	}
	if err := c.getJSON(ctx, c.base+"/messages/"+url.PathEscape(sessionID), &payload); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	messages := make([]chat.Message, 0, len(payload.Messages)*2)
	for _, row := range payload.Messages {
		role := row.Role
		if !role.Valid() {
			role = chat.RoleCandidate
		}
		if row.Query != "" {
			messages = append(messages, chat.Message{
				Role:      role,
				Content:   row.Query,
				Timestamp: row.Timestamp.Time(),
			})
		}
		if row.Response != "" {
			messages = append(messages, chat.Message{
				Role:      chat.RoleAssistant,
				Content:   row.Response,
				Timestamp: row.Timestamp.Time(),
				Audio:     row.Audio,
				Map:       row.Map,
				Media:     row.Media,
			})
		}
	}

	c.logger.Debug().Str("session_id", sessionID).Int("messages", len(messages)).Msg("history hydrated")
	return messages, nil
}

// Reply is the backend's answer to a submitted message.
type Reply struct {
	Response string                `json:"response"`
	Audio    string                `json:"audio_base64"`
	Map      *chat.MapAttachment   `json:"map_data"`
	Media    *chat.MediaAttachment `json:"media_data"`
}

// SendMessage submits one user turn and returns the assistant reply.
// voiceMode asks the backend to attach synthesized speech.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string, role chat.Role, voiceMode bool) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty message")
	}

	body, err := json.Marshal(map[string]any{
		"query":      text,
		"role":       role,
		"voice_mode": voiceMode,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat/"+url.PathEscape(sessionID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var reply Reply
	if err := c.do(req, &reply); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &reply, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Status: resp.StatusCode, Detail: decodeDetail(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeDetail(data []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(data))
}

// epochSeconds decodes the wire's fractional seconds-since-epoch
// timestamps.
type epochSeconds float64

func (e *epochSeconds) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = epochSeconds(v)
	return nil
}

// Time converts to a local time.Time with millisecond precision.
func (e epochSeconds) Time() time.Time {
	if e == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(float64(e) * 1000))
}
