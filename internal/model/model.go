// Package model holds the synchronized, in-memory copy of a definition's
// SELECT result set. Every UPDATE, INSERT or DELETE issued through a Model
// is followed by a fresh SELECT so the copy never lags the database.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vqlapi/internal/procedure"
)

var (
	ErrNoSelect           = errors.New("model requires a SELECT procedure")
	ErrOperationUndefined = errors.New("operation not defined")
)

// Operation names the four reserved procedures of a definition.
type Operation string

const (
	OpSelect Operation = "SELECT"
	OpUpdate Operation = "UPDATE"
	OpInsert Operation = "INSERT"
	OpDelete Operation = "DELETE"
)

// Set groups the reserved procedures. Only Select is required.
type Set struct {
	Select procedure.Procedure
	Update procedure.Procedure
	Insert procedure.Procedure
	Delete procedure.Procedure
}

// Model is safe for concurrent use.
type Model struct {
	mu       sync.RWMutex
	set      Set
	criteria []procedure.Criterion

	columns  []string
	rows     []procedure.Row
	lastSync time.Time
	revision int
	// gen changes whenever the row slice is replaced or reordered.
	gen uint64
	now func() time.Time
}

// New builds an unsynchronized Model. criteria restrict the SELECT and are
// reused on every refresh.
func New(set Set, criteria ...procedure.Criterion) (*Model, error) {
	if set.Select == nil {
		return nil, ErrNoSelect
	}
	return &Model{
		set:      set,
		criteria: criteria,
		rows:     []procedure.Row{},
		now:      time.Now,
	}, nil
}

// Synchronize re-runs the SELECT and replaces the held rows.
func (m *Model) Synchronize(ctx context.Context) error {
	res, err := m.set.Select.Execute(ctx, m.criteria...)
	if err != nil {
		return fmt.Errorf("synchronize: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.columns = res.Columns
	m.rows = res.Rows
	if m.rows == nil {
		m.rows = []procedure.Row{}
	}
	m.lastSync = m.now().UTC()
	m.revision++
	m.gen++
	return nil
}

// Update runs the UPDATE procedure and refreshes the model.
func (m *Model) Update(ctx context.Context, criteria ...procedure.Criterion) (*procedure.Result, error) {
	return m.modify(ctx, OpUpdate, m.set.Update, criteria)
}

// Insert runs the INSERT procedure and refreshes the model.
func (m *Model) Insert(ctx context.Context, criteria ...procedure.Criterion) (*procedure.Result, error) {
	return m.modify(ctx, OpInsert, m.set.Insert, criteria)
}

// Delete runs the DELETE procedure and refreshes the model.
func (m *Model) Delete(ctx context.Context, criteria ...procedure.Criterion) (*procedure.Result, error) {
	return m.modify(ctx, OpDelete, m.set.Delete, criteria)
}

// Apply dispatches op to the matching method. SELECT only synchronizes.
func (m *Model) Apply(ctx context.Context, op Operation, criteria ...procedure.Criterion) (*procedure.Result, error) {
	switch op {
	case OpUpdate:
		return m.Update(ctx, criteria...)
	case OpInsert:
		return m.Insert(ctx, criteria...)
	case OpDelete:
		return m.Delete(ctx, criteria...)
	case OpSelect:
		if err := m.Synchronize(ctx); err != nil {
			return nil, err
		}
		return &procedure.Result{Columns: m.Columns(), Rows: m.Rows()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrOperationUndefined, op)
	}
}

func (m *Model) modify(ctx context.Context, op Operation, p procedure.Procedure, criteria []procedure.Criterion) (*procedure.Result, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrOperationUndefined, op)
	}
	res, err := p.Execute(ctx, criteria...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := m.Synchronize(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Model) Columns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.columns...)
}

// Rows returns a copy of the held rows.
func (m *Model) Rows() []procedure.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]procedure.Row, len(m.rows))
	for i, r := range m.rows {
		cp := make(procedure.Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// LastSync is the UTC time of the last successful Synchronize, zero before.
func (m *Model) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

// Revision counts successful synchronizations.
func (m *Model) Revision() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// Each calls fn with every held row in order. fn may modify the row in
// place and may call other Model methods; iteration stops at the first error.
func (m *Model) Each(fn func(i int, row procedure.Row) error) error {
	rows, _ := m.snapshot()
	for i, r := range rows {
		if err := fn(i, r); err != nil {
			return err
		}
	}
	return nil
}

// Filter keeps only the rows for which keep returns true. keep runs without
// the lock held; if the rows change meanwhile the filter is run again.
func (m *Model) Filter(keep func(row procedure.Row) bool) {
	for {
		rows, gen := m.snapshot()
		kept := make([]procedure.Row, 0, len(rows))
		for _, r := range rows {
			if keep(r) {
				kept = append(kept, r)
			}
		}

		m.mu.Lock()
		if m.gen == gen {
			m.rows = kept
			m.gen++
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

// snapshot returns the current row slice (rows are shared, not copied) and
// its generation.
func (m *Model) snapshot() ([]procedure.Row, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]procedure.Row(nil), m.rows...), m.gen
}

// RemoveColumn drops a column from the header and every row.
func (m *Model) RemoveColumn(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols := make([]string, 0, len(m.columns))
	for _, c := range m.columns {
		if c != name {
			cols = append(cols, c)
		}
	}
	m.columns = cols
	for _, r := range m.rows {
		delete(r, name)
	}
}

// Sort orders rows by column. Values of mixed or unknown types compare by
// their formatted text; nils sort first.
func (m *Model) Sort(column string, desc bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.SliceStable(m.rows, func(i, j int) bool {
		c := compare(m.rows[i][column], m.rows[j][column])
		if desc {
			return c > 0
		}
		return c < 0
	})
	m.gen++
}

type modelJSON struct {
	Columns  []string        `json:"columns"`
	Data     []procedure.Row `json:"data"`
	LastSync string          `json:"lastSync,omitempty"`
	Revision int             `json:"revision"`
}

func (m *Model) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := modelJSON{
		Columns:  m.columns,
		Data:     m.rows,
		Revision: m.revision,
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if !m.lastSync.IsZero() {
		out.LastSync = m.lastSync.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
