package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"vqlapi/internal/dialect"
	"vqlapi/internal/procedure"
)

// DefaultConnection is the registry name used when a definition does not
// name a connection.
const DefaultConnection = "default"

var ErrUnknownConnection = errors.New("unknown connection")

const defaultStmtCacheSize = 128

// Connection is a database handle with its dialect and a per-connection LRU
// of prepared statements. It implements procedure.Executor.
type Connection struct {
	db      *sql.DB
	dialect dialect.Dialect

	mu    sync.Mutex
	stmts *lru.Cache[string, *cachedStmt]
}

// cachedStmt counts the callers using a statement. An evicted statement is
// closed once the last of them releases it.
type cachedStmt struct {
	stmt    *sql.Stmt
	refs    int
	evicted bool
}

var _ procedure.Executor = (*Connection)(nil)

// NewConnection wraps db. cacheSize <= 0 uses the default size.
func NewConnection(db *sql.DB, d dialect.Dialect, cacheSize int) (*Connection, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if d == nil {
		d = dialect.NewPostgresDialect()
	}
	if cacheSize <= 0 {
		cacheSize = defaultStmtCacheSize
	}
	// Called with Connection.mu held, from Add and Purge.
	cache, err := lru.NewWithEvict(cacheSize, func(_ string, e *cachedStmt) {
		e.evicted = true
		if e.refs == 0 {
			_ = e.stmt.Close()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("statement cache: %w", err)
	}
	return &Connection{db: db, dialect: d, stmts: cache}, nil
}

func (c *Connection) DB() *sql.DB { return c.db }

func (c *Connection) Dialect() dialect.Dialect { return c.dialect }

// Ping verifies the connection is alive.
func (c *Connection) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Prepared returns the cached prepared statement for query, preparing it on
// first use. The statement stays open until release is called, even if it is
// evicted meanwhile. Call release when done; repeated calls are ignored.
func (c *Connection) Prepared(ctx context.Context, query string) (stmt *sql.Stmt, release func(), err error) {
	c.mu.Lock()
	if e, ok := c.stmts.Get(query); ok {
		e.refs++
		c.mu.Unlock()
		return e.stmt, c.releaser(e), nil
	}
	c.mu.Unlock()

	prepared, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.stmts.Get(query); ok {
		// Prepared concurrently by another caller.
		_ = prepared.Close()
		e.refs++
		return e.stmt, c.releaser(e), nil
	}
	e := &cachedStmt{stmt: prepared, refs: 1}
	c.stmts.Add(query, e)
	return e.stmt, c.releaser(e), nil
}

func (c *Connection) releaser(e *cachedStmt) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e.refs--
			if e.refs == 0 && e.evicted {
				_ = e.stmt.Close()
			}
		})
	}
}

// CachedStatements reports how many prepared statements are held.
func (c *Connection) CachedStatements() int {
	return c.stmts.Len()
}

// Run executes st, as a query when the SQL returns rows and as an exec
// otherwise.
func (c *Connection) Run(ctx context.Context, st procedure.Statement) (*procedure.Result, error) {
	rowsWanted := procedure.ReturnsRows(st.SQL)

	if st.Prepared {
		stmt, release, err := c.Prepared(ctx, st.SQL)
		if err != nil {
			return nil, fmt.Errorf("prepare: %w", err)
		}
		defer release()
		if rowsWanted {
			rows, err := stmt.QueryContext(ctx, st.Args...)
			if err != nil {
				return nil, err
			}
			return scanRows(rows)
		}
		res, err := stmt.ExecContext(ctx, st.Args...)
		if err != nil {
			return nil, err
		}
		return execResult(res)
	}

	if rowsWanted {
		rows, err := c.db.QueryContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return nil, err
		}
		return scanRows(rows)
	}
	res, err := c.db.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, err
	}
	return execResult(res)
}

// Close closes cached statements and then the database handle. Statements
// still held by callers are closed when released.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.stmts.Purge()
	c.mu.Unlock()
	return c.db.Close()
}

// OneShot runs a single statement without touching the prepared statement
// cache.
func OneShot(ctx context.Context, c *Connection, query string, args ...any) (*procedure.Result, error) {
	return c.Run(ctx, procedure.Statement{SQL: query, Args: args})
}

func scanRows(rows *sql.Rows) (*procedure.Result, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &procedure.Result{Columns: cols, Rows: make([]procedure.Row, 0)}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(procedure.Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = vals[i]
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func execResult(res sql.Result) (*procedure.Result, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return &procedure.Result{Rows: make([]procedure.Row, 0), RowsAffected: n}, nil
}

// Registry holds named connections. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register adds or replaces the connection under name.
func (r *Registry) Register(name string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[name] = c
}

// Get returns the named connection; an empty name means DefaultConnection.
func (r *Registry) Get(name string) (*Connection, error) {
	if name == "" {
		name = DefaultConnection
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, name)
	}
	return c, nil
}

// Names lists registered connection names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for n := range r.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every connection and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.conns = make(map[string]*Connection)
	return errors.Join(errs...)
}
