package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fintrack/fintrack/internal/schema"
)

// Categories returns all categories ordered by name.
func (s *Store) Categories(ctx context.Context) ([]schema.Category, error) {
	return queryCategories(ctx, s.db, `SELECT code, name, type, icon, updated_at FROM categories ORDER BY name`)
}

// CategoriesModifiedSince returns categories with updated_at strictly
// greater than cursor. Transactions use the same predicate.
func (s *Store) CategoriesModifiedSince(ctx context.Context, cursor int64) ([]schema.Category, error) {
	return categoriesModifiedSince(ctx, s.db, cursor)
}

// UpsertCategory creates or renames a category and stamps it modified.
func (s *Store) UpsertCategory(ctx context.Context, c schema.Category) error {
	switch c.Type {
	case schema.CategoryIncome, schema.CategoryExpense, schema.CategoryBoth:
	default:
		return fmt.Errorf("%w: invalid category type %q", schema.ErrValidation, c.Type)
	}
	if c.Code == "" || c.Name == "" {
		return fmt.Errorf("%w: category code and name are required", schema.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (code, name, type, icon, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			icon = excluded.icon,
			updated_at = excluded.updated_at`,
		c.Code, c.Name, string(c.Type), c.Icon, s.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert category %s: %w", c.Code, err)
	}
	return nil
}

func categoriesModifiedSince(ctx context.Context, q querier, cursor int64) ([]schema.Category, error) {
	return queryCategories(ctx, q,
		`SELECT code, name, type, icon, updated_at FROM categories WHERE updated_at > ? ORDER BY updated_at, code`, cursor)
}

func getCategory(ctx context.Context, q querier, code string) (*schema.Category, error) {
	var (
		c   schema.Category
		typ string
	)
	err := q.QueryRowContext(ctx,
		`SELECT code, name, type, icon, updated_at FROM categories WHERE code = ?`, code).
		Scan(&c.Code, &c.Name, &typ, &c.Icon, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category %s: %w", code, err)
	}
	c.Type = schema.CategoryType(typ)
	return &c, nil
}

func queryCategories(ctx context.Context, q querier, query string, args ...any) ([]schema.Category, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	out := []schema.Category{}
	for rows.Next() {
		var (
			c   schema.Category
			typ string
		)
		if err := rows.Scan(&c.Code, &c.Name, &typ, &c.Icon, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		c.Type = schema.CategoryType(typ)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}
	return out, nil
}
