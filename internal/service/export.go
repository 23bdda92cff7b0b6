package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vqlapi/internal/definition"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
	"vqlapi/internal/storage"
)

// Export runs the definition's hooks like Execute does, so a pre-processor
// that halts also blocks the export.
func (s *queryService) Export(ctx context.Context, name string, criteria procedure.Criteria, format model.Format) (out *ExportResult, err error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.Export",
		trace.WithAttributes(
			attribute.String("query.definition", name),
			attribute.String("export.format", string(format)),
		))
	defer func() { endSpan(span, err) }()

	if s.store == nil {
		return nil, ErrExportUnavailable
	}

	def, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}

	qs := querySetOf(def)
	qs.Criteria = map[model.Operation]procedure.Criteria{model.OpSelect: criteria}
	if def.Pre != nil {
		if err := def.Pre(ctx, qs); err != nil {
			return nil, fmt.Errorf("pre-processor: %w", err)
		}
	}

	set := s.observeSet(def.Name, qs.Set())
	m, err := model.New(set, qs.Criteria[model.OpSelect]...)
	if errors.Is(err, model.ErrNoSelect) {
		return nil, fmt.Errorf("%w: %s", ErrOperationUndefined, model.OpSelect)
	}
	if err != nil {
		return nil, err
	}
	if err := m.Synchronize(ctx); err != nil {
		return nil, err
	}
	if def.Post != nil {
		if err := def.Post(ctx, m); err != nil {
			return nil, fmt.Errorf("post-processor: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := m.Export(&buf, format); err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	id := ulid.MustNew(ulid.Timestamp(s.now()), ulid.DefaultEntropy())
	key := path.Join("exports", def.Name, id.String()+format.Extension())
	info, err := s.store.Put(ctx, key, &buf, storage.PutObjectOptions{
		Size:        int64(buf.Len()),
		ContentType: format.ContentType(),
		Metadata: map[string]string{
			"definition": def.Name,
			"version":    strconv.Itoa(def.Version),
			"revision":   strconv.Itoa(m.Revision()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload export: %w", err)
	}

	url, err := s.store.PresignGet(ctx, info.Key, s.expiry)
	if err != nil {
		return nil, fmt.Errorf("presign export: %w", err)
	}
	span.SetAttributes(attribute.String("export.key", info.Key))

	return &ExportResult{Key: info.Key, URL: url, Format: format, Rows: m.Len()}, nil
}

// ErrHalt marks an export blocked by the pre-processor.
var ErrHalt = definition.ErrHalt
