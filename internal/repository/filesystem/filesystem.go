package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"vqlapi/internal/definition"
	"vqlapi/internal/repository"
)

// DefinitionFS reads <dir>/<name>.yaml (or .yml) on every call, so edited
// definitions take effect without a restart.
type DefinitionFS struct {
	dir string
}

func NewDefinitionFS(dir string) *DefinitionFS {
	return &DefinitionFS{dir: dir}
}

var _ repository.DefinitionRepository = (*DefinitionFS)(nil)

func (r *DefinitionFS) Get(_ context.Context, name string) (*definition.File, error) {
	if !repository.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidName, name)
	}
	for _, ext := range repository.Extensions {
		data, err := os.ReadFile(filepath.Join(r.dir, name+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read definition %s: %w", name, err)
		}
		return definition.Parse(name, data)
	}
	return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, name)
}

func (r *DefinitionFS) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	seen := make(map[string]bool)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := repository.TrimExtension(e.Name())
		if !ok || !repository.ValidName(name) || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
