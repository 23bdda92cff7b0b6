package procedure

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PreparedStatement is SQL with :name parameters, executed once per
// parameter set against a single cached prepared statement.
type PreparedStatement struct {
	exec   Executor
	raw    string
	sql    string
	params []string

	mu   sync.Mutex
	sets []map[string]any
}

func NewPreparedStatement(exec Executor, sql string) (*PreparedStatement, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmptySQL
	}
	rendered, params := bindNamed(sql, exec.Dialect().Placeholder)
	return &PreparedStatement{exec: exec, raw: sql, sql: rendered, params: params}, nil
}

// SQL returns the statement as written, with :name parameters.
func (p *PreparedStatement) SQL() string { return p.raw }

// Rendered returns the statement with dialect placeholders.
func (p *PreparedStatement) Rendered() string { return p.sql }

// Params lists parameter names in placeholder order. A name used twice
// appears twice.
func (p *PreparedStatement) Params() []string {
	return append([]string(nil), p.params...)
}

// AddParameterSet queues a set of named values for the next Execute.
func (p *PreparedStatement) AddParameterSet(set map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets = append(p.sets, set)
}

// ClearParameterSets drops queued parameter sets.
func (p *PreparedStatement) ClearParameterSets() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets = nil
}

// Execute runs the statement for every queued set followed by one set per
// criterion. Queued sets are consumed.
func (p *PreparedStatement) Execute(ctx context.Context, criteria ...Criterion) (*Result, error) {
	p.mu.Lock()
	sets := p.sets
	p.sets = nil
	p.mu.Unlock()

	for _, c := range criteria {
		sets = append(sets, c.Params())
	}
	if len(sets) == 0 {
		if len(p.params) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, p.params[0])
		}
		sets = []map[string]any{{}}
	}

	out := &Result{Rows: []Row{}}
	for _, set := range sets {
		args := make([]any, len(p.params))
		for i, name := range p.params {
			v, ok := set[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingParameter, name)
			}
			args[i] = v
		}
		res, err := p.exec.Run(ctx, Statement{SQL: p.sql, Args: args, Prepared: true})
		if err != nil {
			return nil, err
		}
		out.Merge(res)
	}
	return out, nil
}

// bindNamed replaces :name parameters outside quoted text with placeholders.
// "::" casts are left alone.
func bindNamed(sql string, placeholder func(int) string) (string, []string) {
	var (
		b      strings.Builder
		params []string
		quote  byte
	)
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if quote != 0 {
			b.WriteByte(ch)
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			quote = ch
			b.WriteByte(ch)
		case ch == ':' && i+1 < len(sql) && sql[i+1] == ':':
			b.WriteString("::")
			i++
		case ch == ':' && i+1 < len(sql) && isIdentStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isIdentPart(sql[j]) {
				j++
			}
			params = append(params, sql[i+1:j])
			b.WriteString(placeholder(len(params)))
			i = j - 1
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), params
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
