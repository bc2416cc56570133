// Package stub is a self-contained development backend speaking the
// same protocol as the production assistant service: token
// redemption, stored history, the chat endpoint, and the three
// websocket surfaces. Replies are scripted, which is enough to
// exercise the whole client offline and in integration tests.
package stub

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jmawson/candidate-chat/internal/model/chat"
	"github.com/jmawson/candidate-chat/internal/voice"
)

var ErrUnknownSession = errors.New("unknown session")

// Turn is one stored exchange: the candidate's query plus the
// assistant's scripted response.
type Turn struct {
	Role      chat.Role
	Query     string
	Response  string
	Timestamp time.Time
	Audio     string
	Map       *chat.MapAttachment
	Media     *chat.MediaAttachment
}

// Service holds the scripted state: token grants, per-session
// history, and the reply script.
type Service struct {
	mu      sync.Mutex
	tokens  map[string]string
	history map[string][]Turn
	now     func() time.Time
}

// NewService seeds the service with the given token→session grants.
// With no grants, the token "demo" resolves to "session-demo".
func NewService(tokens map[string]string) *Service {
	if len(tokens) == 0 {
		tokens = map[string]string{"demo": "session-demo"}
	}
	granted := make(map[string]string, len(tokens))
	for token, session := range tokens {
		granted[token] = session
	}
	return &Service{
		tokens:  granted,
		history: make(map[string][]Turn),
		now:     time.Now,
	}
}

// Resolve redeems a token. The first resolution of a session seeds
// its greeting turn.
func (s *Service) Resolve(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	if _, seeded := s.history[sessionID]; !seeded {
		s.history[sessionID] = []Turn{{
			Role:      chat.RoleAssistant,
			Response:  "Hi! I'm the hiring team's assistant. Ask me anything about the role, the office, or how we work.",
			Timestamp: s.now(),
		}}
	}
	return sessionID, true
}

// History returns the stored turns for a session.
func (s *Service) History(sessionID string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, ok := s.history[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Respond records the candidate's query, scripts a reply, and stores
// the exchange. voiceMode attaches a synthesized (silent) clip.
func (s *Service) Respond(sessionID, query string, role chat.Role, voiceMode bool) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.history[sessionID]; !ok {
		return Turn{}, ErrUnknownSession
	}

	turn := Turn{
		Role:      role,
		Query:     query,
		Timestamp: s.now(),
	}
	s.script(&turn)
	if voiceMode {
		turn.Audio = syntheticClip()
	}

	s.history[sessionID] = append(s.history[sessionID], turn)
	return turn, nil
}

// script fills the response and any attachment from keywords in the
// query.
func (s *Service) script(turn *Turn) {
	q := strings.ToLower(turn.Query)
	switch {
	case strings.Contains(q, "office") || strings.Contains(q, "address") || strings.Contains(q, "located"):
		turn.Response = "Our office is at 1 Market Street, and the map below shows exactly where to find us."
		turn.Map = &chat.MapAttachment{
			Kind:    chat.MapKindAddress,
			Address: "1 Market Street, San Francisco, CA 94105",
			City:    "San Francisco",
			MapURL:  "https://maps.example.com/?q=1+Market+Street",
			Coordinates: []chat.Coordinate{
				{Lat: 37.7936, Lng: -122.3953, Label: "Office"},
			},
		}
	case strings.Contains(q, "coffee") || strings.Contains(q, "lunch") || strings.Contains(q, "nearby"):
		turn.Response = "There are a few favorites within a short walk of the office."
		turn.Map = &chat.MapAttachment{
			Kind: chat.MapKindNearby,
			City: "San Francisco",
			Places: []chat.Place{
				{Name: "Blue Bottle Coffee", Address: "66 Mint Street", Rating: "4.5", TotalReviews: 1200, Category: "cafe"},
				{Name: "The Sentinel", Address: "37 New Montgomery Street", Rating: "4.4", TotalReviews: 800, Category: "sandwich shop"},
			},
		}
	case strings.Contains(q, "how far") || strings.Contains(q, "distance") || strings.Contains(q, "commute"):
		turn.Response = "From the station it's a ten minute walk."
		turn.Map = &chat.MapAttachment{
			Kind: chat.MapKindDistance,
			Route: &chat.Route{
				Origin:      "Montgomery St. Station",
				Destination: "1 Market Street",
				Distance:    "0.8 km",
				Duration:    "10 mins",
			},
		}
	case strings.Contains(q, "video") || strings.Contains(q, "culture") || strings.Contains(q, "team"):
		turn.Response = "Here's a short video the team recorded about how we work."
		turn.Media = &chat.MediaAttachment{
			Kind:  chat.MediaKindVideo,
			URL:   "https://media.example.com/team-intro.mp4",
			Title: "Meet the team",
		}
	default:
		turn.Response = "Thanks for asking! I've shared your question with the hiring team and can tell you this much: " +
			"we review every application within a week, and you'll always hear back from us."
	}
}

// syntheticClip is a short silent WAV, base64 encoded the way the
// production service ships synthesized speech.
func syntheticClip() string {
	pcm := make([]byte, 3200) // 100ms of 16kHz mono silence
	return base64.StdEncoding.EncodeToString(voice.EncodeWAV(pcm, 16000))
}
