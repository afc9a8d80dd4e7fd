// Package importer moves transactions between JSONL files and the local
// replica.
//
// Each line of an import file is one transaction:
//
//	{"amount":"12.50","type":"expense","category":"food","description":"Lunch","date":"2026-03-01"}
//
// Imported rows are ordinary offline edits: they get provisional ids and
// reach the server on the next sync cycle. A bad line is reported and
// skipped; it never aborts the import.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
)

// maxLineBytes bounds a single JSONL line.
const maxLineBytes = 1 << 20

// Store is the slice of the replica the importer needs.
type Store interface {
	CreateLocal(ctx context.Context, t *schema.Transaction) error
	Categories(ctx context.Context) ([]schema.Category, error)
	TransactionsByOwner(ctx context.Context, userID string) ([]schema.Transaction, error)
}

// Line is the file format of one transaction.
type Line struct {
	ID          string        `json:"id,omitempty"`
	Amount      money.Amount  `json:"amount"`
	Type        schema.TxType `json:"type"`
	Category    string        `json:"category"`
	Description string        `json:"description,omitempty"`
	Date        string        `json:"date"`
}

// Options contains configuration for an import.
type Options struct {
	Path   string // input JSONL file
	Owner  string // user the rows belong to
	DryRun bool   // validate without writing
	Backup bool   // copy the input aside before importing
}

// LineError is a rejected input line.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Result contains statistics about an import.
type Result struct {
	Lines         int
	Imported      int
	Skipped       int // blank lines
	BackupCreated string
	Total         money.Amount // signed sum of the imported rows
	Errors        []LineError
}

// Import reads opts.Path and creates one local transaction per valid line.
func Import(ctx context.Context, store Store, opts Options) (*Result, error) {
	if opts.Owner == "" {
		return nil, errors.New("import needs a signed-in user")
	}
	file, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer file.Close()

	result := &Result{}
	if opts.Backup && !opts.DryRun {
		backup, err := backupFile(opts.Path)
		if err != nil {
			return nil, err
		}
		result.BackupCreated = backup
	}

	known, err := categorySet(ctx, store)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		lineNum++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			result.Skipped++
			continue
		}
		result.Lines++

		t, err := parseLine(raw, opts.Owner, known)
		if err == nil && !opts.DryRun {
			err = store.CreateLocal(ctx, t)
		}
		if err != nil {
			result.Errors = append(result.Errors, LineError{Line: lineNum, Err: err})
			continue
		}
		result.Imported++
		result.Total = result.Total.Add(t.Signed())
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read line %d: %w", lineNum+1, err)
	}
	return result, nil
}

// categorySet returns the known category codes, or nil when the replica has
// never synced categories and any code must be accepted.
func categorySet(ctx context.Context, store Store) (map[string]schema.Category, error) {
	cats, err := store.Categories(ctx)
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return nil, nil
	}
	known := make(map[string]schema.Category, len(cats))
	for _, c := range cats {
		known[c.Code] = c
	}
	return known, nil
}

func parseLine(raw, owner string, known map[string]schema.Category) (*schema.Transaction, error) {
	var l Line
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	date, err := ParseDate(l.Date)
	if err != nil {
		return nil, err
	}
	if known != nil {
		cat, ok := known[l.Category]
		if !ok {
			return nil, fmt.Errorf("%w: unknown category %q", schema.ErrValidation, l.Category)
		}
		if !cat.Allows(l.Type) {
			return nil, fmt.Errorf("%w: category %q does not accept %s", schema.ErrValidation, l.Category, l.Type)
		}
	}

	t := &schema.Transaction{
		UserID:      owner,
		Amount:      l.Amount,
		Type:        l.Type,
		Category:    l.Category,
		Description: l.Description,
		Date:        date,
	}
	// Ids from another installation are not ours to reuse; the row gets a
	// fresh provisional id.
	t.ID = schema.NewProvisionalID()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseDate accepts RFC 3339 timestamps and plain 2006-01-02 dates.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: date is required", schema.ErrValidation)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q is not RFC 3339 or YYYY-MM-DD", schema.ErrValidation, s)
}

func backupFile(path string) (string, error) {
	backupPath := path + ".backup." + time.Now().Format("20060102-150405")
	input, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupPath, nil
}

// Export writes every transaction of owner to w, one JSON line each, oldest
// first. It returns the number of lines written.
func Export(ctx context.Context, store Store, owner string, w io.Writer) (int, error) {
	txs, err := store.TransactionsByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	n := 0
	for i := len(txs) - 1; i >= 0; i-- {
		t := txs[i]
		line := Line{
			ID:          t.ID,
			Amount:      t.Amount,
			Type:        t.Type,
			Category:    t.Category,
			Description: t.Description,
			Date:        t.Date.UTC().Format(time.RFC3339),
		}
		if err := enc.Encode(line); err != nil {
			return n, fmt.Errorf("failed to write line %d: %w", n+1, err)
		}
		n++
	}
	return n, nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, store Store, owner, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := Export(ctx, store, owner, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}
