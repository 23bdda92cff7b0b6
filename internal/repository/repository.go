// Package repository contains read access to query definition files.
// Implementations live in subpackages (filesystem, objectstore).
package repository

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"vqlapi/internal/definition"
)

var (
	ErrNotFound    = errors.New("definition not found")
	ErrInvalidName = errors.New("invalid definition name")
)

// DefinitionRepository loads definition files by name.
type DefinitionRepository interface {
	// Get returns the parsed definition file called name.
	Get(ctx context.Context, name string) (*definition.File, error)

	// List returns every definition name in sorted order.
	List(ctx context.Context) ([]string, error)
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name is usable as a definition name. Names map to
// file or object keys, so path separators and dots are rejected.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Extensions lists accepted definition file suffixes in lookup order.
var Extensions = []string{".yaml", ".yml"}

// TrimExtension strips a definition suffix, reporting whether one was present.
func TrimExtension(file string) (string, bool) {
	for _, ext := range Extensions {
		if strings.HasSuffix(file, ext) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return file, false
}
