package procedure

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"vqlapi/internal/dialect"
)

var columnRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidColumn reports whether name may be interpolated as an identifier.
func ValidColumn(name string) bool {
	return columnRe.MatchString(name)
}

type arity int

const (
	arityNone arity = iota
	arityOne
	arityTwo
	arityList
)

var operators = map[string]arity{
	"=":           arityOne,
	"<>":          arityOne,
	"!=":          arityOne,
	"<":           arityOne,
	">":           arityOne,
	"<=":          arityOne,
	">=":          arityOne,
	"LIKE":        arityOne,
	"NOT LIKE":    arityOne,
	"IN":          arityList,
	"NOT IN":      arityList,
	"BETWEEN":     arityTwo,
	"NOT BETWEEN": arityTwo,
	"IS NULL":     arityNone,
	"IS NOT NULL": arityNone,
}

// Condition is one comparison on a field, written in JSON as
// ["=", value], ["BETWEEN", a, b], ["IN", [a, b]] or ["IS NULL"].
// A bare scalar is shorthand for equality and null for IS NULL.
type Condition struct {
	Operator string
	Operands []any
}

// Eq builds an equality condition.
func Eq(v any) Condition {
	return Condition{Operator: "=", Operands: []any{v}}
}

// Op builds a condition with an arbitrary operator.
func Op(op string, operands ...any) Condition {
	return Condition{Operator: op, Operands: operands}
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		v, err := decodeValue(data)
		if err != nil {
			return err
		}
		if v == nil {
			*c = Condition{Operator: "IS NULL"}
			return nil
		}
		*c = Eq(v)
		return nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: empty condition", ErrInvalidCriteria)
	}
	var op string
	if err := json.Unmarshal(parts[0], &op); err != nil {
		return fmt.Errorf("%w: operator must be a string", ErrInvalidCriteria)
	}
	operands := make([]any, 0, len(parts)-1)
	for _, p := range parts[1:] {
		v, err := decodeValue(p)
		if err != nil {
			return err
		}
		operands = append(operands, v)
	}
	*c = Condition{Operator: op, Operands: operands}
	return nil
}

func (c Condition) MarshalJSON() ([]byte, error) {
	out := append([]any{c.Operator}, c.Operands...)
	return json.Marshal(out)
}

// normalized returns the canonical operator and flattened operand list,
// checking arity.
func (c Condition) normalized() (string, []any, error) {
	op := strings.ToUpper(strings.Join(strings.Fields(c.Operator), " "))
	if op == "!=" {
		op = "<>"
	}
	ar, ok := operators[op]
	if !ok {
		return "", nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidCriteria, c.Operator)
	}
	operands := c.Operands
	switch ar {
	case arityNone:
		if len(operands) != 0 {
			return "", nil, fmt.Errorf("%w: %s takes no value", ErrInvalidCriteria, op)
		}
	case arityOne:
		if len(operands) != 1 {
			return "", nil, fmt.Errorf("%w: %s takes exactly one value", ErrInvalidCriteria, op)
		}
	case arityTwo:
		if len(operands) != 2 {
			return "", nil, fmt.Errorf("%w: %s takes two values", ErrInvalidCriteria, op)
		}
	case arityList:
		if len(operands) == 1 {
			if list, ok := operands[0].([]any); ok {
				operands = list
			}
		}
		if len(operands) == 0 {
			return "", nil, fmt.Errorf("%w: %s needs a non-empty list", ErrInvalidCriteria, op)
		}
	}
	return op, operands, nil
}

// Criterion selects rows (Where) and carries column values (Values) for one
// procedure execution. Where entries are OR-ed; the fields inside an entry
// are AND-ed.
type Criterion struct {
	Where  []map[string]Condition `json:"where,omitempty"`
	Values map[string]any         `json:"values,omitempty"`
}

func (c *Criterion) UnmarshalJSON(data []byte) error {
	var raw struct {
		Where  json.RawMessage `json:"where"`
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
	}
	*c = Criterion{}

	where := bytes.TrimSpace(raw.Where)
	switch {
	case len(where) == 0 || bytes.Equal(where, []byte("null")):
	case where[0] == '[':
		if err := json.Unmarshal(where, &c.Where); err != nil {
			return fmt.Errorf("%w: where: %v", ErrInvalidCriteria, err)
		}
	default:
		var single map[string]Condition
		if err := json.Unmarshal(where, &single); err != nil {
			return fmt.Errorf("%w: where: %v", ErrInvalidCriteria, err)
		}
		c.Where = []map[string]Condition{single}
	}

	values := bytes.TrimSpace(raw.Values)
	if len(values) > 0 && !bytes.Equal(values, []byte("null")) {
		v, err := decodeValue(values)
		if err != nil {
			return err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: values must be an object", ErrInvalidCriteria)
		}
		c.Values = m
	}
	return nil
}

// Columns returns the sorted keys of Values.
func (c Criterion) Columns() []string {
	cols := make([]string, 0, len(c.Values))
	for k := range c.Values {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Params flattens the criterion into a named parameter set: the first
// operand of every where field, overridden by Values.
func (c Criterion) Params() map[string]any {
	out := make(map[string]any)
	for _, group := range c.Where {
		for field, cond := range group {
			if len(cond.Operands) > 0 {
				out[field] = cond.Operands[0]
			}
		}
	}
	for k, v := range c.Values {
		out[k] = v
	}
	return out
}

// Criteria accepts either one criterion object or an array of them.
type Criteria []Criterion

func (cs *Criteria) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*cs = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var list []Criterion
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*cs = list
		return nil
	}
	var one Criterion
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*cs = Criteria{one}
	return nil
}

// binder hands out placeholders in order of appearance and collects args.
type binder struct {
	d    dialect.Dialect
	args []any
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

// condition renders Where. Empty criteria render "1=1".
func (b *binder) condition(where []map[string]Condition) (string, error) {
	groups := make([]string, 0, len(where))
	for _, group := range where {
		if len(group) == 0 {
			continue
		}
		fields := make([]string, 0, len(group))
		for f := range group {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			part, err := b.comparison(f, group[f])
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		groups = append(groups, "("+strings.Join(parts, " AND ")+")")
	}

	switch len(groups) {
	case 0:
		return "1=1", nil
	case 1:
		return groups[0], nil
	default:
		return "(" + strings.Join(groups, " OR ") + ")", nil
	}
}

func (b *binder) comparison(field string, c Condition) (string, error) {
	if !ValidColumn(field) {
		return "", fmt.Errorf("%w: invalid column name %q", ErrInvalidCriteria, field)
	}
	op, operands, err := c.normalized()
	if err != nil {
		return "", err
	}
	col := b.d.QuoteIdentifier(field)

	switch operators[op] {
	case arityNone:
		return col + " " + op, nil
	case arityTwo:
		return col + " " + op + " " + b.bind(operands[0]) + " AND " + b.bind(operands[1]), nil
	case arityList:
		ph := make([]string, len(operands))
		for i, v := range operands {
			ph[i] = b.bind(v)
		}
		return col + " " + op + " (" + strings.Join(ph, ", ") + ")", nil
	default:
		return col + " " + op + " " + b.bind(operands[0]), nil
	}
}

// decodeValue decodes one JSON value keeping integer precision.
func decodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
	}
	return Normalize(v), nil
}

// Normalize converts json.Number values (recursively) into int64 or float64
// so that database drivers accept them.
func Normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = Normalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = Normalize(t[k])
		}
		return t
	default:
		return v
	}
}
