package stub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmawson/candidate-chat/internal/model/chat"
)

// Server exposes the stub protocol over HTTP and websockets.
type Server struct {
	svc      *Service
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]map[*wsClient]struct{}
}

// NewServer wraps a scripted service in the HTTP surface.
func NewServer(svc *Service, logger zerolog.Logger) *Server {
	return &Server{
		svc:    svc,
		logger: logger.With().Str("component", "stub").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		hubs: make(map[string]map[*wsClient]struct{}),
	}
}

// Router wires the stub routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/validate-token/", s.handleValidateToken)
	r.Get("/messages/{sessionID}", s.handleMessages)
	r.Post("/chat/{sessionID}", s.handleChat)
	r.Get("/ws/{sessionID}", s.handleChannel)
	r.Get("/transcribe/{sessionID}", s.handleTranscribe)
	r.Get("/ws/voice/{sessionID}", s.handleVoice)

	return r
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	sessionID, ok := s.svc.Resolve(token)
	if !ok {
		respondDetail(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

// turnRow is the stored-history wire shape; timestamps travel as
// fractional seconds since the epoch.
type turnRow struct {
	Role      chat.Role             `json:"role"`
	Query     string                `json:"query,omitempty"`
	Response  string                `json:"response,omitempty"`
	Timestamp float64               `json:"timestamp"`
	Audio     string                `json:"audio_base64,omitempty"`
	Map       *chat.MapAttachment   `json:"map_data,omitempty"`
	Media     *chat.MediaAttachment `json:"media_data,omitempty"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turns, err := s.svc.History(sessionID)
	if err != nil {
		respondDetail(w, http.StatusNotFound, "Session not found")
		return
	}

	rows := make([]turnRow, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role == "" {
			role = chat.RoleAssistant
		}
		rows = append(rows, turnRow{
			Role:      role,
			Query:     t.Query,
			Response:  t.Response,
			Timestamp: epoch(t.Timestamp),
			Audio:     t.Audio,
			Map:       t.Map,
			Media:     t.Media,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": rows})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		Query     string    `json:"query"`
		Role      chat.Role `json:"role"`
		VoiceMode bool      `json:"voice_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Query) == "" {
		respondDetail(w, http.StatusBadRequest, "query is required")
		return
	}
	role := payload.Role
	if !role.Valid() {
		role = chat.RoleCandidate
	}

	turn, err := s.svc.Respond(sessionID, payload.Query, role, payload.VoiceMode)
	if err != nil {
		respondDetail(w, http.StatusNotFound, "Session not found")
		return
	}

	// Connected channel observers see both halves of the exchange.
	s.broadcast(sessionID, wsFrame{
		Role:      role,
		Content:   turn.Query,
		Timestamp: epoch(turn.Timestamp),
	})
	s.broadcast(sessionID, wsFrame{
		Role:      chat.RoleAssistant,
		Content:   turn.Response,
		Timestamp: epoch(turn.Timestamp),
		Audio:     turn.Audio,
		Map:       turn.Map,
		Media:     turn.Media,
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"response":     turn.Response,
		"audio_base64": turn.Audio,
		"map_data":     turn.Map,
		"media_data":   turn.Media,
	})
}

// wsFrame is the outbound realtime shape shared by the chat and
// voice channels.
type wsFrame struct {
	Type      string                `json:"type,omitempty"`
	Role      chat.Role             `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	Timestamp float64               `json:"timestamp,omitempty"`
	Audio     string                `json:"audio_base64,omitempty"`
	Map       *chat.MapAttachment   `json:"map_data,omitempty"`
	Media     *chat.MediaAttachment `json:"media_data,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("channel upgrade failed")
		return
	}

	if _, err := s.svc.History(sessionID); err != nil {
		// An unknown session is refused with a policy close, which
		// tells the client not to retry.
		closing := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session")
		_ = conn.WriteMessage(websocket.CloseMessage, closing)
		_ = conn.Close()
		return
	}

	client := &wsClient{conn: conn}
	s.register(sessionID, client)
	defer func() {
		s.unregister(sessionID, client)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Type == "ping" {
			if err := client.writeJSON(wsFrame{Type: "pong", Timestamp: epoch(time.Now())}); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.svc.History(sessionID); err != nil {
		respondDetail(w, http.StatusNotFound, "Session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("transcribe upgrade failed")
		return
	}
	defer conn.Close()

	// Each audio frame refines the scripted transcript, imitating the
	// growing partials of a streaming recognizer.
	var received int
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		received += len(data)
		partial := fmt.Sprintf("voice note covering %d bytes of audio", received)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(partial)); err != nil {
			return
		}
	}
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.svc.History(sessionID); err != nil {
		respondDetail(w, http.StatusNotFound, "Session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("voice upgrade failed")
		return
	}
	defer conn.Close()
	client := &wsClient{conn: conn}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var clip struct {
			Type      string `json:"type"`
			AudioData string `json:"audio_data"`
		}
		if err := json.Unmarshal(data, &clip); err != nil || clip.Type != "audio" {
			_ = client.writeJSON(map[string]string{"error": "expected an audio frame"})
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(clip.AudioData); err != nil {
			_ = client.writeJSON(map[string]string{"error": "audio clip is not valid base64"})
			continue
		}

		turn, err := s.svc.Respond(sessionID, "(voice message)", chat.RoleCandidate, true)
		if err != nil {
			_ = client.writeJSON(map[string]string{"error": "Session not found"})
			return
		}

		echo := wsFrame{Role: chat.RoleCandidate, Content: turn.Query, Timestamp: epoch(turn.Timestamp)}
		reply := wsFrame{
			Role:      chat.RoleAssistant,
			Content:   turn.Response,
			Timestamp: epoch(turn.Timestamp),
			Audio:     turn.Audio,
		}
		if err := client.writeJSON(echo); err != nil {
			return
		}
		if err := client.writeJSON(reply); err != nil {
			return
		}

		// The main channel sees the exchange too, so an open transcript
		// stays in sync with the voice flow.
		s.broadcast(sessionID, echo)
		s.broadcast(sessionID, reply)
	}
}

func (s *Server) register(sessionID string, c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hubs[sessionID] == nil {
		s.hubs[sessionID] = make(map[*wsClient]struct{})
	}
	s.hubs[sessionID][c] = struct{}{}
}

func (s *Server) unregister(sessionID string, c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hubs[sessionID], c)
}

func (s *Server) broadcast(sessionID string, frame wsFrame) {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.hubs[sessionID]))
	for c := range s.hubs[sessionID] {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.writeJSON(frame); err != nil {
			s.logger.Debug().Err(err).Msg("broadcast write failed")
		}
	}
}

func epoch(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondDetail sends the backend's error body shape.
func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
