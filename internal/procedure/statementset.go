package procedure

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const (
	tokenCondition = "condition"
	tokenColumns   = "columns"
	tokenValues    = "values"
)

var tokenRe = regexp.MustCompile(`<<(condition|columns|values)>>`)

// StatementSet is a SQL template with <<condition>>, <<columns>> and
// <<values>> placeholders, rendered once per criterion.
//
// <<values>> renders as a placeholder list when the template also contains
// <<columns>> (INSERT style) and as "col" = $n assignments otherwise
// (UPDATE style).
type StatementSet struct {
	exec       Executor
	template   string
	insertLike bool
	needsVals  bool
}

func NewStatementSet(exec Executor, template string) (*StatementSet, error) {
	if strings.TrimSpace(template) == "" {
		return nil, ErrEmptySQL
	}
	return &StatementSet{
		exec:       exec,
		template:   template,
		insertLike: strings.Contains(template, "<<"+tokenColumns+">>"),
		needsVals: strings.Contains(template, "<<"+tokenColumns+">>") ||
			strings.Contains(template, "<<"+tokenValues+">>"),
	}, nil
}

func (s *StatementSet) SQL() string { return s.template }

// Render fills the template for one criterion.
func (s *StatementSet) Render(c Criterion) (string, []any, error) {
	if s.needsVals && len(c.Values) == 0 {
		return "", nil, fmt.Errorf("%w: values are required", ErrInvalidCriteria)
	}
	cols := c.Columns()
	for _, col := range cols {
		if !ValidColumn(col) {
			return "", nil, fmt.Errorf("%w: invalid column name %q", ErrInvalidCriteria, col)
		}
	}

	b := &binder{d: s.exec.Dialect()}
	var out strings.Builder
	last := 0
	for _, m := range tokenRe.FindAllStringSubmatchIndex(s.template, -1) {
		out.WriteString(s.template[last:m[0]])
		last = m[1]

		switch s.template[m[2]:m[3]] {
		case tokenCondition:
			cond, err := b.condition(c.Where)
			if err != nil {
				return "", nil, err
			}
			out.WriteString(cond)
		case tokenColumns:
			quoted := make([]string, len(cols))
			for i, col := range cols {
				quoted[i] = b.d.QuoteIdentifier(col)
			}
			out.WriteString(strings.Join(quoted, ", "))
		case tokenValues:
			parts := make([]string, len(cols))
			for i, col := range cols {
				if s.insertLike {
					parts[i] = b.bind(c.Values[col])
				} else {
					parts[i] = b.d.QuoteIdentifier(col) + " = " + b.bind(c.Values[col])
				}
			}
			out.WriteString(strings.Join(parts, ", "))
		}
	}
	out.WriteString(s.template[last:])
	return out.String(), b.args, nil
}

// Execute renders and runs the template once per criterion, or once with an
// empty criterion when none is given. Criteria that render to the same SQL
// share one prepared statement through the executor's cache.
func (s *StatementSet) Execute(ctx context.Context, criteria ...Criterion) (*Result, error) {
	if len(criteria) == 0 {
		criteria = []Criterion{{}}
	}

	stmts := make([]Statement, 0, len(criteria))
	for _, c := range criteria {
		sql, args, err := s.Render(c)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, Statement{SQL: sql, Args: args, Prepared: true})
	}

	out := &Result{Rows: []Row{}}
	for _, st := range stmts {
		res, err := s.exec.Run(ctx, st)
		if err != nil {
			return nil, err
		}
		out.Merge(res)
	}
	return out, nil
}
