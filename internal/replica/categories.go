package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fintrack/fintrack/internal/schema"
)

// ReplaceCategory stores a pulled category, overwriting the local copy.
func (db *DB) ReplaceCategory(ctx context.Context, c schema.Category) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO categories (code, name, type, icon, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			icon = excluded.icon,
			updated_at = excluded.updated_at`,
		c.Code, c.Name, string(c.Type), c.Icon, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store category %s: %w", c.Code, err)
	}
	return nil
}

// Categories lists the locally known categories by name.
func (db *DB) Categories(ctx context.Context) ([]schema.Category, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT code, name, type, icon, updated_at FROM categories ORDER BY name`)
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
	return out, rows.Err()
}

// Category returns one category by code.
func (db *DB) Category(ctx context.Context, code string) (*schema.Category, error) {
	var (
		c   schema.Category
		typ string
	)
	err := db.conn.QueryRowContext(ctx,
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
