// Package definition describes a named query definition: its cache version,
// the connection it runs on, the procedures it exposes and the hooks wrapped
// around model generation.
//
// Definitions are written as YAML files, one per definition:
//
//	version: 1
//	connection: default
//	hooks:
//	  pre: auditChanges
//	  post: hideEmails
//	queries:
//	  SELECT: {sql: "SELECT * FROM accounts WHERE <<condition>>"}
//	  UPDATE: {sql: "UPDATE accounts SET <<values>> WHERE <<condition>>"}
//	  INSERT: {sql: "INSERT INTO accounts (<<columns>>) VALUES (<<values>>)"}
//	  DELETE: {sql: "DELETE FROM accounts WHERE <<condition>>"}
//	  deactivate:
//	    type: prepared
//	    sql: "UPDATE accounts SET active = false WHERE id = :id"
//
// A version of 0 disables client-side caching of results.
package definition

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"vqlapi/internal/database"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
)

var (
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrUnknownHook       = errors.New("unknown hook")
)

// Procedure kinds accepted in the "type" field.
const (
	KindStatementSet = "statement_set"
	KindPrepared     = "prepared"
	KindQuery        = "query"
)

// QuerySpec is one entry of the queries map.
type QuerySpec struct {
	Type string `yaml:"type"`
	SQL  string `yaml:"sql"`
}

// HookSpec names registered hooks.
type HookSpec struct {
	Pre  string `yaml:"pre"`
	Post string `yaml:"post"`
}

// File is the parsed, uncompiled form of a definition.
type File struct {
	Name       string               `yaml:"-"`
	Version    int                  `yaml:"version"`
	Connection string               `yaml:"connection"`
	Hooks      HookSpec             `yaml:"hooks"`
	Queries    map[string]QuerySpec `yaml:"queries"`
}

// Parse decodes and validates a definition file.
func Parse(name string, data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, name, err)
	}
	f.Name = name
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the version, query kinds and SQL, and that no two keys
// name the same reserved operation (e.g. "select" and "SELECT").
func (f *File) Validate() error {
	if f.Version < 0 {
		return fmt.Errorf("%w: %s: version must not be negative", ErrInvalidDefinition, f.Name)
	}
	if len(f.Queries) == 0 {
		return fmt.Errorf("%w: %s: no queries defined", ErrInvalidDefinition, f.Name)
	}
	for key, q := range f.Queries {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: %s: empty query name", ErrInvalidDefinition, f.Name)
		}
		switch q.Type {
		case "", KindStatementSet, KindPrepared, KindQuery:
		default:
			return fmt.Errorf("%w: %s: query %s: unknown type %q", ErrInvalidDefinition, f.Name, key, q.Type)
		}
		if strings.TrimSpace(q.SQL) == "" {
			return fmt.Errorf("%w: %s: query %s: sql is empty", ErrInvalidDefinition, f.Name, key)
		}
	}
	return f.checkReserved()
}

func (f *File) checkReserved() error {
	seen := make(map[string]string, 4)
	for key := range f.Queries {
		up := strings.ToUpper(key)
		if !IsReserved(up) {
			continue
		}
		if other, ok := seen[up]; ok {
			a, b := other, key
			if b < a {
				a, b = b, a
			}
			return fmt.Errorf("%w: %s: queries %s and %s both define %s", ErrInvalidDefinition, f.Name, a, b, up)
		}
		seen[up] = key
	}
	return nil
}

// Definition is a compiled File bound to a connection and hooks.
type Definition struct {
	Name    string
	Version int
	Conn    *database.Connection
	Queries map[string]procedure.Procedure
	Pre     PreProcessor
	Post    PostProcessor
}

// Reserved returns the reserved procedures as a model.Set.
func (d *Definition) Reserved() model.Set {
	return model.Set{
		Select: d.Queries[string(model.OpSelect)],
		Update: d.Queries[string(model.OpUpdate)],
		Insert: d.Queries[string(model.OpInsert)],
		Delete: d.Queries[string(model.OpDelete)],
	}
}

// Custom looks up a non-reserved query by name.
func (d *Definition) Custom(name string) (procedure.Procedure, bool) {
	if IsReserved(name) {
		return nil, false
	}
	p, ok := d.Queries[name]
	return p, ok
}

// Operations lists every query name in sorted order.
func (d *Definition) Operations() []string {
	names := make([]string, 0, len(d.Queries))
	for n := range d.Queries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsReserved reports whether name is one of SELECT, UPDATE, INSERT, DELETE.
func IsReserved(name string) bool {
	switch model.Operation(name) {
	case model.OpSelect, model.OpUpdate, model.OpInsert, model.OpDelete:
		return true
	}
	return false
}

// Compile resolves the connection and hooks of f and instantiates its
// procedures. Reserved keys are matched case-insensitively and stored upper-case.
func Compile(f *File, conns *database.Registry, hooks *Hooks) (*Definition, error) {
	if err := f.checkReserved(); err != nil {
		return nil, err
	}
	conn, err := conns.Get(f.Connection)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", f.Name, err)
	}

	d := &Definition{
		Name:    f.Name,
		Version: f.Version,
		Conn:    conn,
		Queries: make(map[string]procedure.Procedure, len(f.Queries)),
	}

	for key, q := range f.Queries {
		name := key
		if up := strings.ToUpper(key); IsReserved(up) {
			name = up
		}
		p, err := newProcedure(conn, q)
		if err != nil {
			return nil, fmt.Errorf("definition %s: query %s: %w", f.Name, key, err)
		}
		d.Queries[name] = p
	}

	if f.Hooks.Pre != "" {
		pre, ok := hooks.Pre(f.Hooks.Pre)
		if !ok {
			return nil, fmt.Errorf("definition %s: %w: pre %q", f.Name, ErrUnknownHook, f.Hooks.Pre)
		}
		d.Pre = pre
	}
	if f.Hooks.Post != "" {
		post, ok := hooks.Post(f.Hooks.Post)
		if !ok {
			return nil, fmt.Errorf("definition %s: %w: post %q", f.Name, ErrUnknownHook, f.Hooks.Post)
		}
		d.Post = post
	}
	return d, nil
}

func newProcedure(exec procedure.Executor, q QuerySpec) (procedure.Procedure, error) {
	switch q.Type {
	case KindPrepared:
		return procedure.NewPreparedStatement(exec, q.SQL)
	case KindQuery:
		return procedure.NewQuery(exec, q.SQL)
	default:
		return procedure.NewStatementSet(exec, q.SQL)
	}
}
