package dialect

import (
	"strconv"
	"strings"
)

// Dialect renders the database-specific parts of generated SQL.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	Placeholder(n int) string
}

type Postgres struct{}

func NewPostgresDialect() Dialect {
	return Postgres{}
}

func (Postgres) Name() string { return "postgres" }

// QuoteIdentifier quotes each dot-separated part, so "t.col" becomes "t"."col".
func (Postgres) QuoteIdentifier(name string) string {
	return quoteParts(name, `"`)
}

func (Postgres) Placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

type MySQL struct{}

func NewMySQLDialect() Dialect {
	return MySQL{}
}

func (MySQL) Name() string { return "mysql" }

func (MySQL) QuoteIdentifier(name string) string {
	return quoteParts(name, "`")
}

func (MySQL) Placeholder(int) string {
	return "?"
}

// ForDriver picks the dialect for a database/sql driver name.
func ForDriver(driver string) Dialect {
	switch strings.ToLower(driver) {
	case "mysql":
		return MySQL{}
	default:
		return Postgres{}
	}
}

func quoteParts(name, q string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}
