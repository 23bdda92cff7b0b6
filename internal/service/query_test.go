package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vqlapi/internal/database"
	"vqlapi/internal/definition"
	"vqlapi/internal/dialect"
	"vqlapi/internal/logging"
	"vqlapi/internal/metrics"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
	"vqlapi/internal/repository"
	repoMocks "vqlapi/internal/repository/mocks"
	"vqlapi/internal/storage"
	storeMocks "vqlapi/internal/storage/mocks"
)

const (
	selectAll   = `SELECT id, name FROM accounts WHERE 1=1`
	updateByID  = `UPDATE accounts SET "name" = $1 WHERE ("id" = $2)`
	countAll    = `SELECT count(*) AS n FROM accounts`
	selectByAct = `SELECT id, name FROM accounts WHERE ("active" = $1)`
)

func accountsFile() *definition.File {
	return &definition.File{
		Name:    "accounts",
		Version: 3,
		Queries: map[string]definition.QuerySpec{
			"select": {SQL: "SELECT id, name FROM accounts WHERE <<condition>>"},
			"UPDATE": {SQL: "UPDATE accounts SET <<values>> WHERE <<condition>>"},
			"count":  {Type: definition.KindQuery, SQL: countAll},
		},
	}
}

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name"}).
		AddRow(int64(1), "alice").
		AddRow(int64(2), "bob")
}

type fixture struct {
	repo  *repoMocks.MockDefinitionRepository
	store *storeMocks.MockStorage
	hooks *definition.Hooks
	db    sqlmock.Sqlmock
	conns *database.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := database.NewConnection(db, dialect.NewPostgresDialect(), 16)
	require.NoError(t, err)
	conns := database.NewRegistry()
	conns.Register(database.DefaultConnection, conn)

	return &fixture{
		repo:  new(repoMocks.MockDefinitionRepository),
		store: new(storeMocks.MockStorage),
		hooks: definition.NewHooks(),
		db:    mock,
		conns: conns,
	}
}

func (f *fixture) service(opts Options) QueryService {
	if opts.Logger == nil {
		opts.Logger = logging.New(io.Discard, nil)
	}
	return NewQueryService(f.repo, f.conns, f.hooks, opts)
}

func decodeRequest(t *testing.T, body string) Request {
	t.Helper()
	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return req
}

func TestRequest_UnmarshalJSON(t *testing.T) {
	req := decodeRequest(t, `{
		"Select": {"where": {"active": true}},
		"update": [{"where": {"id": 1}, "values": {"name": "x"}}, {"where": {"id": 2}, "values": {"name": "y"}}],
		"count": {}
	}`)

	require.Len(t, req.Select(), 1)
	assert.Equal(t, procedure.Eq(true), req.Select()[0].Where[0]["active"])
	assert.Len(t, req.Operations[model.OpUpdate], 2)
	assert.Contains(t, req.Custom, "count")
	assert.Equal(t, []string{"count"}, req.customNames())

	var bad Request
	err := json.Unmarshal([]byte(`{"update": 5}`), &bad)
	assert.ErrorIs(t, err, procedure.ErrInvalidCriteria)

	err = json.Unmarshal([]byte(`[1]`), &bad)
	assert.ErrorIs(t, err, procedure.ErrInvalidCriteria)
}

func TestQueryService_Execute_UpdateRefreshesModel(t *testing.T) {
	f := newFixture(t)
	f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)

	f.db.ExpectPrepare(updateByID).ExpectExec().
		WithArgs("bob", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.db.ExpectPrepare(selectAll).ExpectQuery().WillReturnRows(accountRows())

	reg := prometheus.NewRegistry()
	m, err := metrics.NewQueryMetrics(reg)
	require.NoError(t, err)

	svc := f.service(Options{Metrics: m})
	resp, err := svc.Execute(context.Background(), "accounts",
		decodeRequest(t, `{"update": {"where": {"id": 2}, "values": {"name": "bob"}}}`))
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Version)
	require.NotNil(t, resp.Model)
	assert.Equal(t, 2, resp.Model.Len())
	assert.Equal(t, 1, resp.Model.Revision())
	assert.Equal(t, int64(1), resp.Results["UPDATE"].RowsAffected)
	assert.Same(t, resp.Model, resp.Payload())

	n, err := testutil.GatherAndCount(reg, "vql_query_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestQueryService_Execute_SelectWithCriteriaAndPostHook(t *testing.T) {
	f := newFixture(t)
	file := accountsFile()
	file.Hooks.Post = "hideNames"
	f.repo.On("Get", mock.Anything, "accounts").Return(file, nil)
	f.hooks.RegisterPost("hideNames", func(ctx context.Context, m *model.Model) error {
		m.RemoveColumn("name")
		return nil
	})

	f.db.ExpectPrepare(selectByAct).ExpectQuery().
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "alice"))

	resp, err := f.service(Options{}).Execute(context.Background(), "accounts",
		decodeRequest(t, `{"select": {"where": {"active": true}}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"id"}, resp.Model.Columns())
	assert.Equal(t, []procedure.Row{{"id": int64(1)}}, resp.Model.Rows())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestQueryService_Execute_CustomQueryResynchronizes(t *testing.T) {
	f := newFixture(t)
	f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)

	f.db.ExpectPrepare(updateByID).ExpectExec().
		WithArgs("x", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sel := f.db.ExpectPrepare(selectAll)
	sel.ExpectQuery().WillReturnRows(accountRows())
	f.db.ExpectQuery(countAll).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(2)))
	sel.ExpectQuery().WillReturnRows(accountRows())

	resp, err := f.service(Options{}).Execute(context.Background(), "accounts",
		decodeRequest(t, `{"update": {"where": {"id": 1}, "values": {"name": "x"}}, "count": {}}`))
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Model.Revision())
	assert.Equal(t, []procedure.Row{{"n": int64(2)}}, resp.Results["count"].Rows)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestQueryService_Execute_WithoutSelect(t *testing.T) {
	f := newFixture(t)
	f.repo.On("Get", mock.Anything, "stats").Return(&definition.File{
		Name: "stats",
		Queries: map[string]definition.QuerySpec{
			"count": {Type: definition.KindQuery, SQL: countAll},
		},
	}, nil)

	f.db.ExpectQuery(countAll).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(7)))

	resp, err := f.service(Options{}).Execute(context.Background(), "stats", decodeRequest(t, `{"count": {}}`))
	require.NoError(t, err)

	assert.Nil(t, resp.Model)
	assert.Equal(t, []procedure.Row{{"n": int64(7)}}, resp.Payload())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestQueryService_Execute_PreHook(t *testing.T) {
	ctx := context.Background()

	t.Run("halt returns output", func(t *testing.T) {
		f := newFixture(t)
		file := accountsFile()
		file.Hooks.Pre = "deny"
		f.repo.On("Get", mock.Anything, "accounts").Return(file, nil)
		f.hooks.RegisterPre("deny", func(ctx context.Context, qs *definition.QuerySet) error {
			qs.Output = map[string]string{"reason": "read only"}
			return fmt.Errorf("denied: %w", definition.ErrHalt)
		})

		resp, err := f.service(Options{}).Execute(ctx, "accounts", Request{})
		require.NoError(t, err)
		assert.True(t, resp.Halted)
		assert.Nil(t, resp.Model)
		assert.Equal(t, map[string]string{"reason": "read only"}, resp.Payload())
		assert.NoError(t, f.db.ExpectationsWereMet())
	})

	t.Run("cleared operation becomes undefined", func(t *testing.T) {
		f := newFixture(t)
		file := accountsFile()
		file.Hooks.Pre = "noUpdates"
		f.repo.On("Get", mock.Anything, "accounts").Return(file, nil)
		f.hooks.RegisterPre("noUpdates", func(ctx context.Context, qs *definition.QuerySet) error {
			qs.Update = nil
			return nil
		})

		_, err := f.service(Options{}).Execute(ctx, "accounts",
			decodeRequest(t, `{"update": {"values": {"name": "x"}}}`))
		assert.ErrorIs(t, err, ErrOperationUndefined)
	})

	t.Run("error", func(t *testing.T) {
		f := newFixture(t)
		file := accountsFile()
		file.Hooks.Pre = "broken"
		f.repo.On("Get", mock.Anything, "accounts").Return(file, nil)
		f.hooks.RegisterPre("broken", func(ctx context.Context, qs *definition.QuerySet) error {
			return errors.New("audit table missing")
		})

		_, err := f.service(Options{}).Execute(ctx, "accounts", Request{})
		assert.EqualError(t, err, "pre-processor: audit table missing")
	})
}

func TestQueryService_Execute_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(f *fixture)
		req     string
		wantErr error
		wantMsg string
	}{
		{
			name: "definition not found",
			setup: func(f *fixture) {
				f.repo.On("Get", mock.Anything, "accounts").
					Return(nil, fmt.Errorf("%w: accounts", repository.ErrNotFound))
			},
			req:     `{}`,
			wantErr: ErrDefinitionNotFound,
		},
		{
			name: "undefined reserved operation",
			setup: func(f *fixture) {
				f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)
			},
			req:     `{"delete": {"where": {"id": 1}}}`,
			wantErr: ErrOperationUndefined,
		},
		{
			name: "undefined custom query",
			setup: func(f *fixture) {
				f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)
			},
			req:     `{"purge": {}}`,
			wantErr: ErrOperationUndefined,
		},
		{
			name: "unknown connection",
			setup: func(f *fixture) {
				file := accountsFile()
				file.Connection = "reporting"
				f.repo.On("Get", mock.Anything, "accounts").Return(file, nil)
			},
			req:     `{}`,
			wantErr: database.ErrUnknownConnection,
		},
		{
			name: "update failure",
			setup: func(f *fixture) {
				f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)
				f.db.ExpectPrepare(updateByID).ExpectExec().
					WillReturnError(errors.New("deadlock"))
			},
			req:     `{"update": {"where": {"id": 2}, "values": {"name": "bob"}}}`,
			wantMsg: "UPDATE: deadlock",
		},
		{
			name: "invalid criteria",
			setup: func(f *fixture) {
				f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)
			},
			req:     `{"update": {"where": {"id;drop": 2}, "values": {"name": "bob"}}}`,
			wantErr: procedure.ErrInvalidCriteria,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			_, err := f.service(Options{}).Execute(ctx, "accounts", decodeRequest(t, tt.req))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.ErrorContains(t, err, tt.wantMsg)
			}
		})
	}
}

func TestQueryService_List(t *testing.T) {
	f := newFixture(t)
	f.repo.On("List", mock.Anything).Return([]string{"accounts", "broken", "stats"}, nil)
	f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)
	f.repo.On("Get", mock.Anything, "broken").
		Return(nil, fmt.Errorf("%w: broken: no queries defined", definition.ErrInvalidDefinition))
	f.repo.On("Get", mock.Anything, "stats").Return(&definition.File{
		Name:       "stats",
		Version:    1,
		Connection: "reporting",
		Queries:    map[string]definition.QuerySpec{"count": {SQL: countAll}},
	}, nil)

	got, err := f.service(Options{}).List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []DefinitionSummary{
		{Name: "accounts", Version: 3, Connection: "default", Operations: []string{"SELECT", "UPDATE", "count"}},
		{Name: "stats", Version: 1, Connection: "reporting", Operations: []string{"count"}},
	}, got)

	f2 := newFixture(t)
	f2.repo.On("List", mock.Anything).Return(nil, errors.New("disk gone"))
	_, err = f2.service(Options{}).List(context.Background())
	assert.EqualError(t, err, "disk gone")
}

func TestQueryService_Export(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads csv and presigns", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)
		f.db.ExpectPrepare(selectAll).ExpectQuery().WillReturnRows(accountRows())

		var uploaded string
		isExportKey := mock.MatchedBy(func(key string) bool {
			return strings.HasPrefix(key, "exports/accounts/") && strings.HasSuffix(key, ".csv")
		})
		f.store.On("Put", mock.Anything, isExportKey, mock.Anything, mock.MatchedBy(func(o storage.PutObjectOptions) bool {
			return o.ContentType == "text/csv" && o.Metadata["version"] == "3"
		})).Return(func(_ context.Context, key string, r io.Reader, o storage.PutObjectOptions) storage.ObjectInfo {
			b, _ := io.ReadAll(r)
			uploaded = string(b)
			return storage.ObjectInfo{Key: key, Size: o.Size}
		}, nil)
		f.store.On("PresignGet", mock.Anything, isExportKey, 10*time.Minute).
			Return("http://minio.local/exports/accounts/x.csv", nil)

		svc := f.service(Options{Store: f.store, ExportExpiry: 10 * time.Minute})
		res, err := svc.Export(ctx, "accounts", nil, model.FormatCSV)
		require.NoError(t, err)

		assert.Equal(t, "id,name\n1,alice\n2,bob\n", uploaded)
		assert.Equal(t, "http://minio.local/exports/accounts/x.csv", res.URL)
		assert.Equal(t, 2, res.Rows)
		assert.Equal(t, model.FormatCSV, res.Format)
		f.store.AssertExpectations(t)
		assert.NoError(t, f.db.ExpectationsWereMet())
	})

	t.Run("storage not configured", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service(Options{}).Export(ctx, "accounts", nil, model.FormatJSON)
		assert.ErrorIs(t, err, ErrExportUnavailable)
		f.repo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})

	t.Run("no select", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("Get", mock.Anything, "stats").Return(&definition.File{
			Name:    "stats",
			Queries: map[string]definition.QuerySpec{"count": {SQL: countAll}},
		}, nil)
		_, err := f.service(Options{Store: f.store}).Export(ctx, "stats", nil, model.FormatJSON)
		assert.ErrorIs(t, err, ErrOperationUndefined)
	})

	t.Run("halted by pre-processor", func(t *testing.T) {
		f := newFixture(t)
		file := accountsFile()
		file.Hooks.Pre = "deny"
		f.repo.On("Get", mock.Anything, "accounts").Return(file, nil)
		f.hooks.RegisterPre("deny", func(ctx context.Context, qs *definition.QuerySet) error {
			return definition.ErrHalt
		})
		_, err := f.service(Options{Store: f.store}).Export(ctx, "accounts", nil, model.FormatJSON)
		assert.ErrorIs(t, err, ErrHalt)
	})

	t.Run("pre-processor rewrites select criteria", func(t *testing.T) {
		f := newFixture(t)
		file := accountsFile()
		file.Hooks.Pre = "activeOnly"
		f.repo.On("Get", mock.Anything, "accounts").Return(file, nil)

		var seen procedure.Criteria
		f.hooks.RegisterPre("activeOnly", func(ctx context.Context, qs *definition.QuerySet) error {
			seen = qs.Criteria[model.OpSelect]
			qs.Criteria[model.OpSelect] = procedure.Criteria{
				{Where: []map[string]procedure.Condition{{"active": procedure.Eq(true)}}},
			}
			return nil
		})

		f.db.ExpectPrepare(selectByAct).ExpectQuery().
			WithArgs(true).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "alice"))
		f.store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(func(_ context.Context, key string, _ io.Reader, _ storage.PutObjectOptions) storage.ObjectInfo {
				return storage.ObjectInfo{Key: key}
			}, nil)
		f.store.On("PresignGet", mock.Anything, mock.Anything, mock.Anything).Return("http://minio.local/x", nil)

		requested := procedure.Criteria{{Where: []map[string]procedure.Condition{{"id": procedure.Eq(int64(2))}}}}
		res, err := f.service(Options{Store: f.store}).Export(ctx, "accounts", requested, model.FormatJSON)
		require.NoError(t, err)

		assert.Equal(t, requested, seen)
		assert.Equal(t, 1, res.Rows)
		assert.NoError(t, f.db.ExpectationsWereMet())
	})

	t.Run("upload failure", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("Get", mock.Anything, "accounts").Return(accountsFile(), nil)
		f.db.ExpectPrepare(selectAll).ExpectQuery().WillReturnRows(accountRows())
		f.store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(storage.ObjectInfo{}, errors.New("bucket missing"))

		_, err := f.service(Options{Store: f.store}).Export(ctx, "accounts", nil, model.FormatJSON)
		assert.EqualError(t, err, "upload export: bucket missing")
		f.store.AssertNotCalled(t, "PresignGet", mock.Anything, mock.Anything, mock.Anything)
	})
}
