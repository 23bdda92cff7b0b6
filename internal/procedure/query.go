package procedure

import (
	"context"
	"strings"
)

// Query runs its SQL verbatim. Criteria are ignored.
type Query struct {
	exec Executor
	sql  string
}

func NewQuery(exec Executor, sql string) (*Query, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmptySQL
	}
	return &Query{exec: exec, sql: sql}, nil
}

func (q *Query) SQL() string { return q.sql }

func (q *Query) Execute(ctx context.Context, _ ...Criterion) (*Result, error) {
	return q.exec.Run(ctx, Statement{SQL: q.sql})
}
