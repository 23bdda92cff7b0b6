package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vqlapi/internal/database"
	"vqlapi/internal/definition"
	"vqlapi/internal/logging"
	"vqlapi/internal/metrics"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
	"vqlapi/internal/repository"
	"vqlapi/internal/storage"
)

var (
	ErrDefinitionNotFound = errors.New("query definition not found")
	ErrOperationUndefined = model.ErrOperationUndefined
	ErrExportUnavailable  = errors.New("export storage is not configured")
)

// DefinitionSummary describes a definition without compiling it.
type DefinitionSummary struct {
	Name       string   `json:"name"`
	Version    int      `json:"version"`
	Connection string   `json:"connection"`
	Operations []string `json:"operations"`
}

// Response is the outcome of Execute.
type Response struct {
	Definition string
	Version    int

	// Model is set when the definition has a SELECT and processing was not halted.
	Model *model.Model

	// Results holds the result of every procedure run outside the Model,
	// keyed by operation or custom query name.
	Results map[string]*procedure.Result

	// Halted is set when the pre-processor returned definition.ErrHalt;
	// Output is what it left in QuerySet.Output.
	Halted bool
	Output any
}

// Payload is the value serialized to the client. A nil payload means no body.
func (r *Response) Payload() any {
	switch {
	case r.Halted:
		return r.Output
	case r.Model != nil:
		return r.Model
	case len(r.Results) == 1:
		for _, res := range r.Results {
			return res.Rows
		}
	}
	out := make(map[string][]procedure.Row, len(r.Results))
	for name, res := range r.Results {
		out[name] = res.Rows
	}
	return out
}

// ExportResult locates an exported model snapshot.
type ExportResult struct {
	Key    string       `json:"key"`
	URL    string       `json:"url"`
	Format model.Format `json:"format"`
	Rows   int          `json:"rows"`
}

// QueryService defines the use cases for running query definitions.
type QueryService interface {
	// Execute loads the named definition and runs the procedures named in req.
	// When the definition has a SELECT, every requested UPDATE, INSERT and
	// DELETE goes through a Model, which is refreshed after each.
	Execute(ctx context.Context, name string, req Request) (*Response, error)

	// List summarizes every available definition.
	List(ctx context.Context) ([]DefinitionSummary, error)

	// Export writes a synchronized Model snapshot to object storage and
	// returns its key with a presigned download URL.
	Export(ctx context.Context, name string, criteria procedure.Criteria, format model.Format) (*ExportResult, error)
}

// Options carries the optional collaborators of a QueryService.
type Options struct {
	// Store receives exports. Nil disables Export.
	Store storage.Storage
	// ExportExpiry is the lifetime of presigned export URLs.
	ExportExpiry time.Duration
	Metrics      *metrics.QueryMetrics
	Logger       *logging.Logger
}

type queryService struct {
	repo   repository.DefinitionRepository
	conns  *database.Registry
	hooks  *definition.Hooks
	store  storage.Storage
	expiry time.Duration

	tracer  trace.Tracer
	metrics *metrics.QueryMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewQueryService constructs a new QueryService.
func NewQueryService(repo repository.DefinitionRepository, conns *database.Registry, hooks *definition.Hooks, opts Options) QueryService {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.ExportExpiry <= 0 {
		opts.ExportExpiry = 15 * time.Minute
	}
	return &queryService{
		repo:    repo,
		conns:   conns,
		hooks:   hooks,
		store:   opts.Store,
		expiry:  opts.ExportExpiry,
		tracer:  otel.Tracer("vqlapi/internal/service"),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// dmlOrder is the order in which requested modifications are applied.
var dmlOrder = []model.Operation{model.OpUpdate, model.OpInsert, model.OpDelete}

func (s *queryService) Execute(ctx context.Context, name string, req Request) (resp *Response, err error) {
	ctx, span := s.tracer.Start(ctx, "QueryService.Execute",
		trace.WithAttributes(attribute.String("query.definition", name)))
	defer func() { endSpan(span, err) }()

	def, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("query.version", def.Version))

	qs := querySetOf(def)
	qs.Criteria = make(map[model.Operation]procedure.Criteria, len(req.Operations))
	for op, cs := range req.Operations {
		qs.Criteria[op] = cs
	}
	resp = &Response{Definition: def.Name, Version: def.Version}

	if def.Pre != nil {
		if err := def.Pre(ctx, qs); err != nil {
			if errors.Is(err, definition.ErrHalt) {
				resp.Halted = true
				resp.Output = qs.Output
				return resp, nil
			}
			return nil, fmt.Errorf("pre-processor: %w", err)
		}
	}

	req.Operations = qs.Criteria
	set := s.observeSet(def.Name, qs.Set())
	if err := checkRequested(def, set, req); err != nil {
		return nil, err
	}

	if set.Select == nil {
		resp.Results, err = s.runDirect(ctx, def, set, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	m, err := model.New(set, req.Select()...)
	if err != nil {
		return nil, err
	}
	resp.Model = m
	resp.Results = make(map[string]*procedure.Result)

	synced := false
	for _, op := range dmlOrder {
		criteria, ok := req.Operations[op]
		if !ok || len(criteria) == 0 {
			continue
		}
		res, err := m.Apply(ctx, op, criteria...)
		if err != nil {
			return nil, err
		}
		resp.Results[string(op)] = res
		synced = true
	}

	custom, err := s.runCustom(ctx, def, req)
	if err != nil {
		return nil, err
	}
	for n, res := range custom {
		resp.Results[n] = res
	}

	if !synced || len(custom) > 0 {
		if err := m.Synchronize(ctx); err != nil {
			return nil, err
		}
	}

	if def.Post != nil {
		if err := def.Post(ctx, m); err != nil {
			return nil, fmt.Errorf("post-processor: %w", err)
		}
	}
	return resp, nil
}

// runDirect handles definitions without a SELECT: there is no Model, so each
// requested procedure's own result is returned.
func (s *queryService) runDirect(ctx context.Context, def *definition.Definition, set model.Set, req Request) (map[string]*procedure.Result, error) {
	results := make(map[string]*procedure.Result)
	procs := map[model.Operation]procedure.Procedure{
		model.OpUpdate: set.Update,
		model.OpInsert: set.Insert,
		model.OpDelete: set.Delete,
	}
	for _, op := range dmlOrder {
		criteria, ok := req.Operations[op]
		if !ok || len(criteria) == 0 {
			continue
		}
		res, err := procs[op].Execute(ctx, criteria...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		results[string(op)] = res
	}

	custom, err := s.runCustom(ctx, def, req)
	if err != nil {
		return nil, err
	}
	for n, res := range custom {
		results[n] = res
	}
	return results, nil
}

func (s *queryService) runCustom(ctx context.Context, def *definition.Definition, req Request) (map[string]*procedure.Result, error) {
	results := make(map[string]*procedure.Result, len(req.Custom))
	for _, n := range req.customNames() {
		p, _ := def.Custom(n)
		res, err := s.observe(def.Name, n, p).Execute(ctx, req.Custom[n]...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		results[n] = res
	}
	return results, nil
}

func (s *queryService) List(ctx context.Context) ([]DefinitionSummary, error) {
	names, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DefinitionSummary, 0, len(names))
	for _, n := range names {
		f, err := s.repo.Get(ctx, n)
		if errors.Is(err, definition.ErrInvalidDefinition) {
			s.logger.Error("definition_skipped", err, logging.Fields{"definition": n})
			continue
		}
		if err != nil {
			return nil, err
		}
		conn := f.Connection
		if conn == "" {
			conn = database.DefaultConnection
		}
		out = append(out, DefinitionSummary{
			Name:       f.Name,
			Version:    f.Version,
			Connection: conn,
			Operations: operationsOf(f),
		})
	}
	return out, nil
}

// load fetches and compiles a definition.
func (s *queryService) load(ctx context.Context, name string) (*definition.Definition, error) {
	f, err := s.repo.Get(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
		}
		return nil, err
	}
	return definition.Compile(f, s.conns, s.hooks)
}

func querySetOf(def *definition.Definition) *definition.QuerySet {
	set := def.Reserved()
	return &definition.QuerySet{
		Definition: def.Name,
		Select:     set.Select,
		Update:     set.Update,
		Insert:     set.Insert,
		Delete:     set.Delete,
		Conn:       def.Conn,
	}
}

// checkRequested rejects requests naming procedures the definition (after
// pre-processing) does not provide.
func checkRequested(def *definition.Definition, set model.Set, req Request) error {
	provided := map[model.Operation]bool{
		model.OpSelect: set.Select != nil,
		model.OpUpdate: set.Update != nil,
		model.OpInsert: set.Insert != nil,
		model.OpDelete: set.Delete != nil,
	}
	for op := range req.Operations {
		if !provided[op] {
			return fmt.Errorf("%w: %s", ErrOperationUndefined, op)
		}
	}
	for n := range req.Custom {
		if _, ok := def.Custom(n); !ok {
			return fmt.Errorf("%w: %s", ErrOperationUndefined, n)
		}
	}
	return nil
}

func operationsOf(f *definition.File) []string {
	ops := make([]string, 0, len(f.Queries))
	for k := range f.Queries {
		if up := strings.ToUpper(k); definition.IsReserved(up) {
			k = up
		}
		ops = append(ops, k)
	}
	sort.Strings(ops)
	return ops
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
