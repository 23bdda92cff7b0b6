// Package procedure defines the executable query kinds a definition can hold:
// plain Query, PreparedStatement with :named parameters, and StatementSet
// templates filled from request criteria.
package procedure

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"vqlapi/internal/dialect"
)

var (
	ErrInvalidCriteria  = errors.New("invalid criteria")
	ErrMissingParameter = errors.New("missing parameter")
	ErrEmptySQL         = errors.New("sql is empty")
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Result is the outcome of executing a procedure, possibly over several
// parameter sets.
type Result struct {
	Columns      []string `json:"columns"`
	Rows         []Row    `json:"rows"`
	RowsAffected int64    `json:"rowsAffected"`
}

// Merge appends other into r. Columns are taken from the first result that has any.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	if len(r.Columns) == 0 {
		r.Columns = other.Columns
	}
	r.Rows = append(r.Rows, other.Rows...)
	r.RowsAffected += other.RowsAffected
}

// Statement is a single rendered SQL call.
type Statement struct {
	SQL  string
	Args []any
	// Prepared asks the executor to reuse a cached prepared statement.
	Prepared bool
}

// Executor runs rendered statements. database.Connection implements it.
type Executor interface {
	Dialect() dialect.Dialect
	Run(ctx context.Context, stmt Statement) (*Result, error)
}

// Procedure is anything a definition can name under SELECT, UPDATE, INSERT,
// DELETE or a custom key.
type Procedure interface {
	Execute(ctx context.Context, criteria ...Criterion) (*Result, error)
	SQL() string
}

var (
	rowLeaders  = []string{"SELECT", "WITH", "SHOW", "VALUES", "EXPLAIN", "TABLE"}
	returningRe = regexp.MustCompile(`(?i)\bRETURNING\b`)
)

// ReturnsRows reports whether sql produces a result set and must be run as a
// query rather than an exec.
func ReturnsRows(sql string) bool {
	s := strings.TrimLeft(sql, " \t\r\n(")
	fields := strings.Fields(s)
	if len(fields) > 0 {
		first := strings.ToUpper(fields[0])
		for _, kw := range rowLeaders {
			if first == kw {
				return true
			}
		}
	}
	return returningRe.MatchString(sql)
}
