package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"vqlapi/internal/definition"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
)

// Request lists the procedures a client wants run. Keys select, update,
// insert and delete (any case) address the reserved operations; any other key
// names a custom query.
//
//	{
//	  "select": {"where": {"active": true}},
//	  "update": [{"where": {"id": 7}, "values": {"name": "bob"}}],
//	  "deactivate": {"values": {"id": 9}}
//	}
type Request struct {
	Operations map[model.Operation]procedure.Criteria
	Custom     map[string]procedure.Criteria
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", procedure.ErrInvalidCriteria, err)
	}
	*r = Request{}
	for key, body := range raw {
		var cs procedure.Criteria
		if err := json.Unmarshal(body, &cs); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if up := strings.ToUpper(key); definition.IsReserved(up) {
			if r.Operations == nil {
				r.Operations = make(map[model.Operation]procedure.Criteria)
			}
			r.Operations[model.Operation(up)] = cs
			continue
		}
		if r.Custom == nil {
			r.Custom = make(map[string]procedure.Criteria)
		}
		r.Custom[key] = cs
	}
	return nil
}

// Select returns the criteria restricting the SELECT, if any.
func (r Request) Select() procedure.Criteria {
	return r.Operations[model.OpSelect]
}

func (r Request) customNames() []string {
	names := make([]string, 0, len(r.Custom))
	for n := range r.Custom {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
