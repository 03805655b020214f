package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/dshills/sessionvault/pkg/types"
)

// scanner is implemented by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// stamp returns t in epoch milliseconds, or now when t is zero
func stamp(t time.Time) int64 {
	if t.IsZero() {
		return nowMillis()
	}
	return types.ToMillis(t)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// conditions accumulates equality filters for a WHERE clause
type conditions struct {
	clauses []string
	args    []interface{}
}

// eq adds "column = ?" unless value is empty
func (c *conditions) eq(column, value string) {
	if value == "" {
		return
	}
	c.clauses = append(c.clauses, column+" = ?")
	c.args = append(c.args, value)
}

// add appends a raw clause with its arguments
func (c *conditions) add(clause string, args ...interface{}) {
	c.clauses = append(c.clauses, clause)
	c.args = append(c.args, args...)
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// limitClause appends a LIMIT when limit is positive
func (c *conditions) limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	c.args = append(c.args, limit)
	return " LIMIT ?"
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullStringPtr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullIntPtr(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
