package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vqlapi/internal/dialect"
)

type recordingExecutor struct {
	d     dialect.Dialect
	calls []Statement
	res   func(st Statement) (*Result, error)
}

func newRecorder(d dialect.Dialect) *recordingExecutor {
	return &recordingExecutor{d: d}
}

func (r *recordingExecutor) Dialect() dialect.Dialect { return r.d }

func (r *recordingExecutor) Run(_ context.Context, st Statement) (*Result, error) {
	r.calls = append(r.calls, st)
	if r.res != nil {
		return r.res(st)
	}
	return &Result{RowsAffected: 1}, nil
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT * FROM t", true},
		{"  select 1", true},
		{"(SELECT 1) UNION (SELECT 2)", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"INSERT INTO t (a) VALUES (1) RETURNING id", true},
		{"UPDATE t SET a = 1", false},
		{"DELETE FROM t WHERE id = 1", false},
		{"INSERT INTO returning_log (a) VALUES (1)", false},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.want, ReturnsRows(tt.sql))
		})
	}
}

func TestCriterionUnmarshal(t *testing.T) {
	body := `{
		"where": [{"field1": ["=", "something"], "age": [">", 21]}, {"id": ["IN", [1, 2, 3]]}],
		"values": {"field1": "something else", "score": 1.5, "count": 7}
	}`
	var c Criterion
	require.NoError(t, json.Unmarshal([]byte(body), &c))

	require.Len(t, c.Where, 2)
	assert.Equal(t, Condition{Operator: "=", Operands: []any{"something"}}, c.Where[0]["field1"])
	assert.Equal(t, Condition{Operator: ">", Operands: []any{int64(21)}}, c.Where[0]["age"])
	assert.Equal(t, []any{[]any{int64(1), int64(2), int64(3)}}, c.Where[1]["id"].Operands)
	assert.Equal(t, 1.5, c.Values["score"])
	assert.Equal(t, int64(7), c.Values["count"])
	assert.Equal(t, []string{"count", "field1", "score"}, c.Columns())
}

func TestCriterionUnmarshalShorthand(t *testing.T) {
	var c Criterion
	require.NoError(t, json.Unmarshal([]byte(`{"where": {"name": "bob", "deleted_at": null}}`), &c))

	require.Len(t, c.Where, 1)
	assert.Equal(t, Eq("bob"), c.Where[0]["name"])
	assert.Equal(t, "IS NULL", c.Where[0]["deleted_at"].Operator)
}

func TestCriterionUnmarshalErrors(t *testing.T) {
	var c Criterion
	err := json.Unmarshal([]byte(`{"values": [1, 2]}`), &c)
	assert.ErrorIs(t, err, ErrInvalidCriteria)

	err = json.Unmarshal([]byte(`{"where": [{"a": [5]}]}`), &c)
	assert.ErrorIs(t, err, ErrInvalidCriteria)

	err = json.Unmarshal([]byte(`{"where": [{"a": []}]}`), &c)
	assert.ErrorIs(t, err, ErrInvalidCriteria)
}

func TestCriteriaUnmarshal(t *testing.T) {
	var one Criteria
	require.NoError(t, json.Unmarshal([]byte(`{"values": {"a": 1}}`), &one))
	assert.Len(t, one, 1)

	var many Criteria
	require.NoError(t, json.Unmarshal([]byte(`[{"values": {"a": 1}}, {"values": {"a": 2}}]`), &many))
	assert.Len(t, many, 2)

	var none Criteria
	require.NoError(t, json.Unmarshal([]byte(`null`), &none))
	assert.Nil(t, none)
}

func TestConditionMarshalRoundTrip(t *testing.T) {
	b, err := json.Marshal(Op("BETWEEN", 1, 5))
	require.NoError(t, err)
	assert.JSONEq(t, `["BETWEEN", 1, 5]`, string(b))
}

func TestCriterionParams(t *testing.T) {
	c := Criterion{
		Where:  []map[string]Condition{{"id": Eq(int64(4)), "name": Eq("old")}},
		Values: map[string]any{"name": "new"},
	}
	assert.Equal(t, map[string]any{"id": int64(4), "name": "new"}, c.Params())
}

func TestStatementSetRenderSelect(t *testing.T) {
	s, err := NewStatementSet(newRecorder(dialect.NewPostgresDialect()), "SELECT * FROM my_table WHERE <<condition>>")
	require.NoError(t, err)

	tests := []struct {
		name     string
		crit     Criterion
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "no condition",
			crit:    Criterion{},
			wantSQL: "SELECT * FROM my_table WHERE 1=1",
		},
		{
			name:     "and group sorted by field",
			crit:     Criterion{Where: []map[string]Condition{{"b": Eq(2), "a": Op("like", "x%")}}},
			wantSQL:  `SELECT * FROM my_table WHERE ("a" LIKE $1 AND "b" = $2)`,
			wantArgs: []any{"x%", 2},
		},
		{
			name: "or groups",
			crit: Criterion{Where: []map[string]Condition{
				{"a": Op("between", 1, 5)},
				{"b": Op("IN", []any{"x", "y"})},
				{"c": Op("is not null")},
			}},
			wantSQL:  `SELECT * FROM my_table WHERE (("a" BETWEEN $1 AND $2) OR ("b" IN ($3, $4)) OR ("c" IS NOT NULL))`,
			wantArgs: []any{1, 5, "x", "y"},
		},
		{
			name:     "not equal normalized",
			crit:     Criterion{Where: []map[string]Condition{{"t.a": Op("!=", 1)}}},
			wantSQL:  `SELECT * FROM my_table WHERE ("t"."a" <> $1)`,
			wantArgs: []any{1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := s.Render(tt.crit)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestStatementSetRenderInsertAndUpdate(t *testing.T) {
	rec := newRecorder(dialect.NewPostgresDialect())

	ins, err := NewStatementSet(rec, "INSERT INTO my_table (<<columns>>) VALUES (<<values>>)")
	require.NoError(t, err)
	sql, args, err := ins.Render(Criterion{Values: map[string]any{"name": "n", "age": 3}})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO my_table ("age", "name") VALUES ($1, $2)`, sql)
	assert.Equal(t, []any{3, "n"}, args)

	upd, err := NewStatementSet(rec, "UPDATE my_table SET <<values>> WHERE <<condition>>")
	require.NoError(t, err)
	sql, args, err = upd.Render(Criterion{
		Where:  []map[string]Condition{{"id": Eq(9)}},
		Values: map[string]any{"name": "n"},
	})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE my_table SET "name" = $1 WHERE ("id" = $2)`, sql)
	assert.Equal(t, []any{"n", 9}, args)
}

func TestStatementSetRenderMySQL(t *testing.T) {
	upd, err := NewStatementSet(newRecorder(dialect.NewMySQLDialect()), "UPDATE t SET <<values>> WHERE <<condition>>")
	require.NoError(t, err)
	sql, _, err := upd.Render(Criterion{
		Where:  []map[string]Condition{{"id": Eq(1)}},
		Values: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE t SET `a` = ? WHERE (`id` = ?)", sql)
}

func TestStatementSetRenderErrors(t *testing.T) {
	rec := newRecorder(dialect.NewPostgresDialect())
	ins, _ := NewStatementSet(rec, "INSERT INTO t (<<columns>>) VALUES (<<values>>)")

	_, _, err := ins.Render(Criterion{})
	assert.ErrorIs(t, err, ErrInvalidCriteria)

	_, _, err = ins.Render(Criterion{Values: map[string]any{"a; DROP TABLE t": 1}})
	assert.ErrorIs(t, err, ErrInvalidCriteria)

	sel, _ := NewStatementSet(rec, "SELECT * FROM t WHERE <<condition>>")
	_, _, err = sel.Render(Criterion{Where: []map[string]Condition{{"a": Op("~~", 1)}}})
	assert.ErrorIs(t, err, ErrInvalidCriteria)

	_, err = NewStatementSet(rec, "  ")
	assert.ErrorIs(t, err, ErrEmptySQL)
}

func TestStatementSetExecute(t *testing.T) {
	rec := newRecorder(dialect.NewPostgresDialect())
	del, _ := NewStatementSet(rec, "DELETE FROM t WHERE <<condition>>")

	res, err := del.Execute(context.Background(),
		Criterion{Where: []map[string]Condition{{"id": Eq(1)}}},
		Criterion{Where: []map[string]Condition{{"id": Eq(2)}}},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, rec.calls[0].SQL, rec.calls[1].SQL)
	assert.True(t, rec.calls[0].Prepared)
	assert.Equal(t, []any{2}, rec.calls[1].Args)

	rec.calls = nil
	_, err = del.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "DELETE FROM t WHERE 1=1", rec.calls[0].SQL)
}

func TestStatementSetExecuteStopsOnError(t *testing.T) {
	rec := newRecorder(dialect.NewPostgresDialect())
	rec.res = func(Statement) (*Result, error) { return nil, errors.New("db down") }
	sel, _ := NewStatementSet(rec, "SELECT * FROM t WHERE <<condition>>")

	_, err := sel.Execute(context.Background(), Criterion{}, Criterion{})
	assert.EqualError(t, err, "db down")
	assert.Len(t, rec.calls, 1)
}

func TestPreparedStatementBinding(t *testing.T) {
	rec := newRecorder(dialect.NewPostgresDialect())
	p, err := NewPreparedStatement(rec, "UPDATE t SET note = ':skip', ts = now()::date, a = :a WHERE id = :id OR parent = :id")
	require.NoError(t, err)

	assert.Equal(t, "UPDATE t SET note = ':skip', ts = now()::date, a = $1 WHERE id = $2 OR parent = $3", p.Rendered())
	assert.Equal(t, []string{"a", "id", "id"}, p.Params())
	assert.Contains(t, p.SQL(), ":id")
}

func TestPreparedStatementExecute(t *testing.T) {
	rec := newRecorder(dialect.NewMySQLDialect())
	p, err := NewPreparedStatement(rec, "UPDATE t SET a = :a WHERE id = :id")
	require.NoError(t, err)

	p.AddParameterSet(map[string]any{"a": 1, "id": 10})
	res, err := p.Execute(context.Background(), Criterion{
		Where:  []map[string]Condition{{"id": Eq(11)}},
		Values: map[string]any{"a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "UPDATE t SET a = ? WHERE id = ?", rec.calls[0].SQL)
	assert.Equal(t, []any{1, 10}, rec.calls[0].Args)
	assert.Equal(t, []any{2, 11}, rec.calls[1].Args)

	// queued sets are consumed
	_, err = p.Execute(context.Background())
	assert.ErrorIs(t, err, ErrMissingParameter)

	p.AddParameterSet(map[string]any{"a": 1})
	_, err = p.Execute(context.Background())
	assert.ErrorIs(t, err, ErrMissingParameter)

	p.AddParameterSet(map[string]any{"a": 1, "id": 1})
	p.ClearParameterSets()
	_, err = p.Execute(context.Background())
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestPreparedStatementWithoutParams(t *testing.T) {
	rec := newRecorder(dialect.NewPostgresDialect())
	p, err := NewPreparedStatement(rec, "REFRESH MATERIALIZED VIEW v")
	require.NoError(t, err)

	_, err = p.Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.calls, 1)
	assert.Empty(t, rec.calls[0].Args)
}

func TestQuery(t *testing.T) {
	rec := newRecorder(dialect.NewPostgresDialect())
	rec.res = func(Statement) (*Result, error) {
		return &Result{Columns: []string{"n"}, Rows: []Row{{"n": int64(1)}}}, nil
	}
	q, err := NewQuery(rec, "SELECT 1 AS n")
	require.NoError(t, err)

	res, err := q.Execute(context.Background(), Criterion{Values: map[string]any{"ignored": true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns)
	require.Len(t, rec.calls, 1)
	assert.False(t, rec.calls[0].Prepared)
	assert.Nil(t, rec.calls[0].Args)

	_, err = NewQuery(rec, "")
	assert.ErrorIs(t, err, ErrEmptySQL)
}

func TestResultMerge(t *testing.T) {
	r := &Result{}
	r.Merge(&Result{Columns: []string{"a"}, Rows: []Row{{"a": 1}}, RowsAffected: 1})
	r.Merge(&Result{Columns: []string{"b"}, Rows: []Row{{"a": 2}}, RowsAffected: 2})
	r.Merge(nil)

	assert.Equal(t, []string{"a"}, r.Columns)
	assert.Len(t, r.Rows, 2)
	assert.Equal(t, int64(3), r.RowsAffected)
}
