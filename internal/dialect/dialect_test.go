package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostgres(t *testing.T) {
	d := NewPostgresDialect()

	assert.Equal(t, "postgres", d.Name())
	assert.Equal(t, `"name"`, d.QuoteIdentifier("name"))
	assert.Equal(t, `"t"."name"`, d.QuoteIdentifier("t.name"))
	assert.Equal(t, `"we""ird"`, d.QuoteIdentifier(`we"ird`))
	assert.Equal(t, "$1", d.Placeholder(1))
	assert.Equal(t, "$12", d.Placeholder(12))
}

func TestMySQL(t *testing.T) {
	d := NewMySQLDialect()

	assert.Equal(t, "mysql", d.Name())
	assert.Equal(t, "`name`", d.QuoteIdentifier("name"))
	assert.Equal(t, "`t`.`name`", d.QuoteIdentifier("t.name"))
	assert.Equal(t, "?", d.Placeholder(3))
}

func TestForDriver(t *testing.T) {
	assert.Equal(t, "postgres", ForDriver("pgx").Name())
	assert.Equal(t, "postgres", ForDriver("postgres").Name())
	assert.Equal(t, "mysql", ForDriver("MySQL").Name())
	assert.Equal(t, "postgres", ForDriver("").Name())
}
