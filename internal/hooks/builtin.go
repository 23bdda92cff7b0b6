// Package hooks provides processors that definitions can reference by name
// without custom Go code.
package hooks

import (
	"context"
	"fmt"
	"strings"

	"vqlapi/internal/definition"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
)

// Names of the built-in processors.
const (
	ReadOnly        = "readOnly"
	RequireCriteria = "requireCriteria"
	RedactSecrets   = "redactSecrets"
)

// secretMarkers are substrings of column names dropped by RedactSecrets.
var secretMarkers = []string{"password", "secret", "token"}

// Register adds the built-in processors to h.
func Register(h *definition.Hooks) {
	h.RegisterPre(ReadOnly, readOnly)
	h.RegisterPre(RequireCriteria, requireCriteria)
	h.RegisterPost(RedactSecrets, redactSecrets)
}

// readOnly removes the modifying procedures, so requests for them fail as
// undefined operations.
func readOnly(_ context.Context, qs *definition.QuerySet) error {
	qs.Update = nil
	qs.Insert = nil
	qs.Delete = nil
	return nil
}

// requireCriteria rejects UPDATE and DELETE criteria without a where clause.
// An empty condition renders as 1=1 and would touch every row.
func requireCriteria(_ context.Context, qs *definition.QuerySet) error {
	for _, op := range []model.Operation{model.OpUpdate, model.OpDelete} {
		for i, c := range qs.Criteria[op] {
			if !hasCondition(c.Where) {
				return fmt.Errorf("%w: %s criterion %d has no where clause", procedure.ErrInvalidCriteria, op, i)
			}
		}
	}
	return nil
}

// hasCondition reports whether any where group restricts at least one field.
// Empty groups are skipped when rendering, so {"where": {}} matches all rows.
func hasCondition(where []map[string]procedure.Condition) bool {
	for _, group := range where {
		if len(group) > 0 {
			return true
		}
	}
	return false
}

func redactSecrets(_ context.Context, m *model.Model) error {
	for _, col := range m.Columns() {
		lower := strings.ToLower(col)
		for _, marker := range secretMarkers {
			if strings.Contains(lower, marker) {
				m.RemoveColumn(col)
				break
			}
		}
	}
	return nil
}
