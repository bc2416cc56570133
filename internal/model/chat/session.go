package chat

import "time"

// Session is the server-scoped conversation context obtained by
// redeeming an access token. It lives in memory for the duration of a
// client run and is never persisted.
type Session struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	ResolvedAt time.Time `json:"resolvedAt"`
}
