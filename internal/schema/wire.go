package schema

import (
	"encoding/json"
	"time"

	"github.com/fintrack/fintrack/internal/money"
)

// PullResponse is returned by GET /api/sync/pull.
type PullResponse struct {
	// Timestamp is the server clock when the pull was answered. It becomes
	// the client's next cursor.
	Timestamp    int64           `json:"timestamp"`
	Transactions []Transaction   `json:"transactions"`
	Deleted      []string        `json:"deleted"` // ids removed since the cursor
	Categories   []Category      `json:"categories"`
	UserSettings json.RawMessage `json:"userSettings"`
	Balance      money.Amount    `json:"balance"`
}

// PushRequest is the body of POST /api/sync/push.
type PushRequest struct {
	Transactions      []PushItem `json:"transactions"`
	LastSyncTimestamp int64      `json:"lastSyncTimestamp"`
}

// PushBatch is the server-side decoding of a push request. Items stay raw so
// a malformed record lands in the errors bucket instead of failing the batch.
type PushBatch struct {
	Transactions      []json.RawMessage `json:"transactions"`
	LastSyncTimestamp int64             `json:"lastSyncTimestamp"`
}

// Conflict reports an item the server refused because its copy changed
// after the client's cursor.
type Conflict struct {
	ClientRef  string      `json:"clientRef,omitempty"`
	ClientData PushItem    `json:"clientData"`
	ServerData Transaction `json:"serverData"`
}

// PushError reports an item that could not be applied.
type PushError struct {
	ClientRef string          `json:"clientRef,omitempty"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error"`
}

// PushResults groups per-item outcomes.
type PushResults struct {
	Success   []Transaction `json:"success"`
	Conflicts []Conflict    `json:"conflicts"`
	Errors    []PushError   `json:"errors"`
}

// PushResponse is returned by POST /api/sync/push.
type PushResponse struct {
	Timestamp int64        `json:"timestamp"`
	Balance   money.Amount `json:"balance"`
	Results   PushResults  `json:"results"`
}

// BalanceResponse is returned by GET /api/users/balance.
type BalanceResponse struct {
	Balance money.Amount `json:"balance"`
}

// DeleteResponse is returned by DELETE /api/transactions/{id}.
type DeleteResponse struct {
	Message string       `json:"message"`
	Balance money.Amount `json:"balance"`
}

// SettingsRequest is the body of PUT /api/sync/settings.
type SettingsRequest struct {
	Settings json.RawMessage `json:"settings"`
}

// Credentials is the body of the register and login endpoints.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ErrorResponse is the JSON body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewsArticle is one item of the financial news feed.
type NewsArticle struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewsResponse is returned by GET /api/news. Degraded is set when the
// articles come from a stale cache or the built-in samples.
type NewsResponse struct {
	Articles  []NewsArticle `json:"articles"`
	Degraded  bool          `json:"degraded"`
	FetchedAt time.Time     `json:"fetchedAt"`
}
