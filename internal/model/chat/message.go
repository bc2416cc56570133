package chat

import "time"

// Role identifies the author of a message. The set is closed: frames
// carrying any other value are rejected at the boundary.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleHR        Role = "hr"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleCandidate, RoleHR, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation turn as held by the client store.
// ID is client-generated and unique within a session; the wire never
// carries it.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Audio     string           `json:"audioBase64,omitempty"`
	Map       *MapAttachment   `json:"mapData,omitempty"`
	Media     *MediaAttachment `json:"mediaData,omitempty"`
}

// HasAudio reports whether the message carries an embedded audio payload.
func (m Message) HasAudio() bool {
	return m.Audio != ""
}
