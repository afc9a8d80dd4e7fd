// Package money provides an exact decimal amount type for ledger values.
//
// Amounts never pass through float64. They are parsed from and rendered to
// decimal strings, and stored in SQLite as canonical TEXT with two
// fractional digits.
package money

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits an Amount may carry.
const Scale = 2

// Amount is a signed decimal money value.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{d: decimal.Zero}

// Parse parses a decimal string such as "150", "-30.5" or "1200.00".
// More than two fractional digits are rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Exponent() < -Scale && !d.Equal(d.Round(Scale)) {
		return Amount{}, fmt.Errorf("invalid amount %q: more than %d decimal places", s, Scale)
	}
	return Amount{d: d.Round(Scale)}, nil
}

// MustParse is Parse for constants and tests; it panics on bad input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromCents builds an Amount from an integer number of cents.
func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -Scale)}
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

// Abs returns |a|.
func (a Amount) Abs() Amount { return Amount{d: a.d.Abs()} }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal reports whether a and b represent the same value.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsNegative reports whether a < 0.
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// Percent returns a as a percentage of total, rounded to one decimal.
// A zero total yields zero.
func (a Amount) Percent(total Amount) float64 {
	if total.d.IsZero() {
		return 0
	}
	p, _ := a.d.Div(total.d).Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return p
}

// String renders the amount with exactly two fractional digits.
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

// Sum adds all amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON renders the amount as a JSON string so clients never see a
// binary float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a JSON string ("12.50") or a bare JSON number (12.5).
// Numbers are read through their literal text, never through float64.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("amount is required")
	}
	var text string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}
		text = n.String()
	}
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for TEXT columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*a = parsed
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*a = parsed
	case int64:
		*a = Amount{d: decimal.NewFromInt(v)}
	case nil:
		*a = Zero
	default:
		return fmt.Errorf("cannot scan %T into money.Amount", src)
	}
	return nil
}
