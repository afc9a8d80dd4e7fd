package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/google/uuid"
)

// ErrValidation marks an entity that failed field validation.
var ErrValidation = errors.New("validation failed")

// ProvisionalPrefix marks ids minted by a client before the server has
// assigned one.
const ProvisionalPrefix = "local-"

// MaxDescriptionLen bounds transaction descriptions.
const MaxDescriptionLen = 500

// TxType is the direction of a transaction.
type TxType string

const (
	Income  TxType = "income"
	Expense TxType = "expense"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	return t == Income || t == Expense
}

// Signed returns the contribution of amount to a balance for the given type.
func Signed(amount money.Amount, t TxType) money.Amount {
	if t == Expense {
		return amount.Neg()
	}
	return amount
}

// NewProvisionalID mints a client-side id.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was minted locally.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// NowMillis returns t as epoch milliseconds.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// Transaction is a single ledger entry.
type Transaction struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId,omitempty"`
	ClientRef   string       `json:"clientRef,omitempty"`
	Amount      money.Amount `json:"amount"`
	Type        TxType       `json:"type"`
	Category    string       `json:"category"`
	Description string       `json:"description,omitempty"`
	Date        time.Time    `json:"date"`
	CreatedAt   int64        `json:"createdAt,omitempty"`
	UpdatedAt   int64        `json:"updatedAt"`

	// Client-side bookkeeping; never sent over the wire.

	// Synced is false while the row holds local edits the server has not
	// acknowledged.
	Synced bool `json:"-"`
	// BaseUpdatedAt is the server modification time of the copy the local
	// edit started from.
	BaseUpdatedAt int64 `json:"-"`
	// Confirmed is the signed contribution the server balance already
	// includes for this id. Zero for rows the server has never seen.
	Confirmed money.Amount `json:"-"`
}

// Signed returns the transaction's contribution to a balance.
func (t *Transaction) Signed() money.Amount {
	return Signed(t.Amount, t.Type)
}

// IsProvisional reports whether the transaction still has a local id.
func (t *Transaction) IsProvisional() bool {
	return IsProvisional(t.ID)
}

// Validate checks the fields a transaction must carry.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	return validateFields(t.Amount, t.Type, t.Category, t.Description, t.Date)
}

// PushItem builds the wire representation of a local transaction.
// Provisional ids are sent as a client reference only.
func (t *Transaction) PushItem() PushItem {
	item := PushItem{
		Amount:        t.Amount,
		Type:          t.Type,
		Category:      t.Category,
		Description:   t.Description,
		Date:          t.Date,
		ClientRef:     t.ClientRef,
		BaseUpdatedAt: t.BaseUpdatedAt,
	}
	if t.IsProvisional() {
		item.ClientRef = t.ID
	} else {
		item.ID = t.ID
	}
	return item
}

// PushItem is one transaction in a push batch. ID is empty for records the
// server has never seen; ClientRef carries the client's provisional id.
// The server id travels as "_id"; "id" is accepted on decode.
type PushItem struct {
	ID          string       `json:"_id,omitempty"`
	ClientRef   string       `json:"clientRef,omitempty"`
	Amount      money.Amount `json:"amount"`
	Type        TxType       `json:"type"`
	Category    string       `json:"category"`
	Description string       `json:"description,omitempty"`
	Date        time.Time    `json:"date"`

	// BaseUpdatedAt is the server modification time the client's edit was
	// based on. Zero when unknown.
	BaseUpdatedAt int64 `json:"baseUpdatedAt,omitempty"`
}

// UnmarshalJSON decodes an item keyed by either "_id" or "id". When both
// are present "_id" wins.
func (p *PushItem) UnmarshalJSON(data []byte) error {
	type item PushItem
	aux := struct {
		*item
		AltID string `json:"id"`
	}{item: (*item)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = aux.AltID
	}
	return nil
}

// Validate checks the item's fields. An id is not required.
func (p *PushItem) Validate() error {
	return validateFields(p.Amount, p.Type, p.Category, p.Description, p.Date)
}

func validateFields(amount money.Amount, typ TxType, category, description string, date time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive (got %s)", ErrValidation, amount)
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: type must be income or expense (got %q)", ErrValidation, typ)
	}
	if strings.TrimSpace(category) == "" {
		return fmt.Errorf("%w: category is required", ErrValidation)
	}
	if len(description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description must be %d characters or less (got %d)", ErrValidation, MaxDescriptionLen, len(description))
	}
	if date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	return nil
}
