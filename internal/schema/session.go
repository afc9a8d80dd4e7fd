package schema

import (
	"encoding/json"

	"github.com/fintrack/fintrack/internal/money"
)

// Session is the per-installation sync state: who is signed in, where the
// server lives, and what the client last learned from it. It is loaded at
// the start of every sync cycle and saved when the cycle commits.
type Session struct {
	ServerURL string `json:"serverUrl"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Token     string `json:"token"`

	// Cursor is the server timestamp of the last fully successful cycle.
	// Zero means the client has never synced.
	Cursor int64 `json:"cursor"`

	// CachedBalance is the last balance the server reported.
	CachedBalance money.Amount `json:"cachedBalance"`

	Settings json.RawMessage `json:"settings,omitempty"`

	LastSyncAt  int64  `json:"lastSyncAt,omitempty"`
	LastOutcome string `json:"lastOutcome,omitempty"`
}

// SignedIn reports whether the session carries credentials.
func (s *Session) SignedIn() bool {
	return s.Token != "" && s.UserID != ""
}
