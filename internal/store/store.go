// Package store holds the client-side transcript: an ordered,
// append-only message list hydrated once from history and extended by
// live channel events and optimistic local sends.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmawson/candidate-chat/internal/model/chat"
)

var ErrAlreadyHydrated = errors.New("store already hydrated")

// DefaultDedupWindow is how close two equal-role, equal-content
// messages may sit before the later one is considered a duplicate.
const DefaultDedupWindow = 500 * time.Millisecond

// Store is safe for use from multiple goroutines; every mutation is
// serialized and followed by a non-blocking change notification.
type Store struct {
	mu          sync.Mutex
	dedupWindow time.Duration
	messages    []chat.Message
	hydrated    bool
	subs        []chan struct{}
}

// New creates an empty store. A non-positive window falls back to
// DefaultDedupWindow.
func New(dedupWindow time.Duration) *Store {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Store{dedupWindow: dedupWindow}
}

// Hydrate seeds the store from fetched history, stable-sorted by
// timestamp so equal timestamps keep their fetched order. It may run
// only once per store.
func (s *Store) Hydrate(messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hydrated {
		return ErrAlreadyHydrated
	}

	seeded := make([]chat.Message, len(messages))
	copy(seeded, messages)
	sort.SliceStable(seeded, func(i, j int) bool {
		return seeded[i].Timestamp.Before(seeded[j].Timestamp)
	})
	for i := range seeded {
		if seeded[i].ID == "" {
			seeded[i].ID = uuid.NewString()
		}
	}

	s.messages = seeded
	s.hydrated = true
	s.notifyLocked()
	return nil
}

// Append adds a live message unless it duplicates an existing one:
// same role, same content, timestamps within the dedup window. The
// returned bool reports whether the message was retained.
func (s *Store) Append(msg chat.Message) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.duplicateLocked(msg) {
		return chat.Message{}, false
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.messages = append(s.messages, msg)
	s.notifyLocked()
	return msg, true
}

// AppendLocal inserts an optimistic copy of the user's own message
// before the backend confirms it. The authoritative echo later
// arriving over the channel is suppressed by the dedup rule; on send
// failure the caller rolls the copy back by ID.
func (s *Store) AppendLocal(role chat.Role, content string) chat.Message {
	msg := chat.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.notifyLocked()
	s.mu.Unlock()

	return msg
}

// Rollback removes a message by ID and reports whether it was found.
func (s *Store) Rollback(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.notifyLocked()
			return true
		}
	}
	return false
}

// Messages returns a copy of the current transcript.
func (s *Store) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len reports the number of retained messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Subscribe returns a channel that receives a signal after every
// store change. The signal is coalescing: a slow consumer sees at
// least one notification for any burst of changes.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) duplicateLocked(msg chat.Message) bool {
	for i := range s.messages {
		existing := &s.messages[i]
		if existing.Role != msg.Role || existing.Content != msg.Content {
			continue
		}
		delta := msg.Timestamp.Sub(existing.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < s.dedupWindow {
			return true
		}
	}
	return false
}

func (s *Store) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
