package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"vqlapi/internal/definition"
	"vqlapi/internal/repository"
	"vqlapi/internal/storage"
)

// maxDefinitionSize bounds how much of an object is read as a definition.
const maxDefinitionSize = 1 << 20

// DefinitionStore reads definition files from an object storage bucket under
// a key prefix, e.g. "queries/accounts.yaml".
type DefinitionStore struct {
	store  storage.Storage
	prefix string
}

func NewDefinitionStore(store storage.Storage, prefix string) *DefinitionStore {
	return &DefinitionStore{store: store, prefix: prefix}
}

var _ repository.DefinitionRepository = (*DefinitionStore)(nil)

func (r *DefinitionStore) Get(ctx context.Context, name string) (*definition.File, error) {
	if !repository.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidName, name)
	}
	for _, ext := range repository.Extensions {
		rc, _, err := r.store.Get(ctx, r.prefix+name+ext)
		if errors.Is(err, storage.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get definition %s: %w", name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxDefinitionSize))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read definition %s: %w", name, err)
		}
		return definition.Parse(name, data)
	}
	return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, name)
}

func (r *DefinitionStore) List(ctx context.Context) ([]string, error) {
	objs, err := r.store.List(ctx, r.prefix)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	seen := make(map[string]bool)
	names := make([]string, 0, len(objs))
	for _, o := range objs {
		rel := strings.TrimPrefix(o.Key, r.prefix)
		if rel != path.Base(rel) {
			continue
		}
		name, ok := repository.TrimExtension(rel)
		if !ok || !repository.ValidName(name) || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
