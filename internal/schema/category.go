package schema

import (
	"encoding/json"
	"fmt"

	"github.com/fintrack/fintrack/internal/money"
)

// CategoryType says which transaction types a category applies to.
type CategoryType string

const (
	CategoryIncome  CategoryType = "income"
	CategoryExpense CategoryType = "expense"
	CategoryBoth    CategoryType = "both"
)

// Category is a server-owned classification for transactions.
type Category struct {
	Code      string       `json:"code"`
	Name      string       `json:"name"`
	Type      CategoryType `json:"type"`
	Icon      string       `json:"icon,omitempty"`
	UpdatedAt int64        `json:"updatedAt"`
}

// Allows reports whether transactions of type t may use the category.
func (c *Category) Allows(t TxType) bool {
	switch c.Type {
	case CategoryBoth:
		return true
	case CategoryIncome:
		return t == Income
	case CategoryExpense:
		return t == Expense
	}
	return false
}

// EntityTransaction is the entity type recorded in delete tombstones.
const EntityTransaction = "transaction"

// DeleteQueueEntry is a tombstone waiting to be sent to the server.
type DeleteQueueEntry struct {
	Seq        int64  `json:"seq"`
	UserID     string `json:"userId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	EnqueuedAt int64  `json:"enqueuedAt"`
	// Reversal is the signed amount the server balance loses once the
	// deletion is applied.
	Reversal money.Amount `json:"reversal"`
}

// RecordKind names a family of opaque client records.
type RecordKind string

const (
	KindBudget       RecordKind = "budget"
	KindNotification RecordKind = "notification"
)

// Record is a client-owned entity stored as opaque JSON.
type Record struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Kind      RecordKind      `json:"kind"`
	Synced    bool            `json:"synced"`
	UpdatedAt int64           `json:"updatedAt"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the record payload into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s record %s: %w", r.Kind, r.ID, err)
	}
	return nil
}

// User is the server's view of an account.
type User struct {
	ID        string          `json:"id"`
	Email     string          `json:"email"`
	Name      string          `json:"name,omitempty"`
	Settings  json.RawMessage `json:"settings"`
	Balance   money.Amount    `json:"balance"`
	CreatedAt int64           `json:"createdAt"`
}

// EmptySettings is the settings value of a new account.
var EmptySettings = json.RawMessage(`{}`)

// ValidSettings reports whether blob is a JSON object.
func ValidSettings(blob json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(blob, &obj) == nil && obj != nil
}
