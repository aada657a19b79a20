// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package sqlite is a bridge backend running requests against an SQLite
// database through the pure Go modernc.org/sqlite driver.
//
// All requests share one database session and run one at a time. A
// request may hold a script of several statements separated by
// semicolons; every statement produces its own response, a result cursor
// for queries and an update count otherwise.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bluele/gcache"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/adapter/internal/adapterbase"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	AdapterName = "SQLite"

	// OptionKeyStmtCacheSize is the number of prepared statements kept
	// open per backend.
	OptionKeyStmtCacheSize = "bridge.sqlite.stmt_cache_size"

	DefaultURI           = ":memory:"
	DefaultStmtCacheSize = 32
)

type config struct {
	logger        *slog.Logger
	stmtCacheSize int
}

// Option configures Open.
type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithStmtCacheSize bounds the prepared statement cache.
func WithStmtCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.stmtCacheSize = n
		}
	}
}

// Backend implements bridge.Backend and bridge.Transactor.
type Backend struct {
	adapterbase.BackendBase

	db   *sql.DB
	conn *sql.Conn

	// sessionMu serializes the requests and transaction control on conn
	sessionMu  sync.Mutex
	stmts      gcache.Cache
	autocommit bool
}

var (
	_ bridge.Backend    = (*Backend)(nil)
	_ bridge.Transactor = (*Backend)(nil)
)

// Open connects to the database at uri, DefaultURI when empty. An in
// memory database lives as long as the backend.
func Open(ctx context.Context, uri string, opts ...Option) (*Backend, error) {
	cfg := config{stmtCacheSize: DefaultStmtCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if uri == "" {
		uri = DefaultURI
	}

	b := &Backend{
		BackendBase: adapterbase.NewBackendBase(AdapterName, cfg.logger),
		autocommit:  true,
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, b.ErrorHelper.Errorf(bridge.StatusInvalidArgument, "could not open %s: %s", uri, err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		err = errors.Join(err, db.Close())
		return nil, b.ErrorHelper.Errorf(bridge.StatusIO, "could not connect to %s: %s", uri, err)
	}
	b.db, b.conn = db, conn

	b.stmts = gcache.New(cfg.stmtCacheSize).LRU().
		LoaderFunc(func(key interface{}) (interface{}, error) {
			return b.conn.PrepareContext(context.Background(), key.(string))
		}).
		EvictedFunc(func(_, stmt interface{}) {
			_ = stmt.(*sql.Stmt).Close()
		}).
		PurgeVisitorFunc(func(_, stmt interface{}) {
			_ = stmt.(*sql.Stmt).Close()
		}).Build()
	return b, nil
}

// Factory opens a backend from string options, for use by the
// database/sql driver.
func Factory(ctx context.Context, opts map[string]string, logger *slog.Logger) (bridge.Backend, error) {
	options := []Option{WithLogger(logger)}
	if v, ok := opts[OptionKeyStmtCacheSize]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, bridge.Error{
				Msg:  fmt.Sprintf("[%s] invalid value %s for option %s", AdapterName, v, OptionKeyStmtCacheSize),
				Code: bridge.StatusInvalidArgument,
			}
		}
		options = append(options, WithStmtCacheSize(n))
	}
	return Open(ctx, opts[bridge.OptionKeyURI], options...)
}

// DoRequest validates req and runs it in the background.
func (b *Backend) DoRequest(_ context.Context, req *bridge.Request, recv bridge.Receiver) error {
	if len(adapterbase.SplitStatements(req.SQL())) == 0 {
		return b.ErrorHelper.Errorf(bridge.StatusInvalidArgument, "no statement found in query")
	}
	if len(req.OutputArgs()) > 0 {
		return b.ErrorHelper.Errorf(bridge.StatusNotImplemented, "output parameters are not supported")
	}
	return b.Runner.Go(req, recv, b.execute)
}

func (b *Backend) execute(ctx context.Context, req *bridge.Request, recv bridge.Receiver) error {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()

	stmts := adapterbase.SplitStatements(req.SQL())
	var args []any
	if len(stmts) == 1 {
		// arguments bind to single statement requests only
		args = bindArgs(req)
	}

	for _, text := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if adapterbase.IsQuery(text) {
			err = b.query(ctx, req, recv, text, args)
		} else {
			err = b.exec(ctx, req, recv, text, args)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func bindArgs(req *bridge.Request) []any {
	ordered := req.OrderedArgs()
	args := make([]any, 0, len(ordered))
	for _, a := range ordered {
		if _, err := strconv.Atoi(a.Name); err == nil {
			args = append(args, a.Value)
		} else {
			args = append(args, sql.Named(a.Name, a.Value))
		}
	}
	return args
}

func (b *Backend) prepared(text string) (*sql.Stmt, error) {
	stmt, err := b.stmts.Get(text)
	if err != nil {
		return nil, err
	}
	return stmt.(*sql.Stmt), nil
}

func (b *Backend) exec(ctx context.Context, req *bridge.Request, recv bridge.Receiver, text string, args []any) error {
	stmt, err := b.prepared(text)
	if err != nil {
		return b.wrap(ctx, err)
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return b.wrap(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return b.wrap(ctx, err)
	}
	return recv.OnUpdateCount(req, n)
}

func (b *Backend) query(ctx context.Context, req *bridge.Request, recv bridge.Receiver, text string, args []any) error {
	stmt, err := b.prepared(text)
	if err != nil {
		return b.wrap(ctx, err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return b.wrap(ctx, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return b.wrap(ctx, err)
	}
	columns := make([]bridge.Column, len(types))
	for i, ct := range types {
		columns[i] = bridge.Column{Name: ct.Name(), TypeName: ct.DatabaseTypeName()}
	}

	cursor := bridge.NewStreamCursor(columns)
	if err := recv.OnResult(req, cursor); err != nil {
		return err
	}

	var count int64
	for rows.Next() {
		if req.MaxRows() > 0 && count >= req.MaxRows() {
			b.Logger.Debug("result truncated", "trace_id", req.TraceID(), "max_rows", req.MaxRows())
			break
		}
		row := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rows.Scan(dest...); err != nil {
			_ = cursor.PushError(b.wrap(ctx, err))
			return nil
		}
		if err := cursor.PushRow(row); err != nil {
			// the consumer closed the cursor, stop reading
			if errors.Is(err, bridge.ErrCursorClosed) {
				return nil
			}
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		err = b.wrap(ctx, err)
		_ = cursor.PushError(err)
		if ctx.Err() != nil {
			return err
		}
		return nil
	}
	_ = cursor.PushFinish()
	return nil
}

// wrap converts a driver error into a bridge.Error carrying the SQLite
// result code as vendor code.
func (b *Backend) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var bridgeErr bridge.Error
	if errors.As(err, &bridgeErr) {
		return err
	}

	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return b.ErrorHelper.Errorf(bridge.StatusInternal, "%s", err)
	}
	wrapped := b.ErrorHelper.Errorf(statusFromCode(sqliteErr.Code()), "%s", sqliteErr.Error()).(bridge.Error)
	wrapped.VendorCode = int32(sqliteErr.Code())
	return wrapped
}

func statusFromCode(code int) bridge.Status {
	switch code & 0xff {
	case sqlite3.SQLITE_ERROR:
		return bridge.StatusInvalidArgument
	case sqlite3.SQLITE_CONSTRAINT:
		return bridge.StatusIntegrity
	case sqlite3.SQLITE_INTERRUPT:
		return bridge.StatusCancelled
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL:
		return bridge.StatusIO
	case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH:
		return bridge.StatusUnauthorized
	case sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_RANGE, sqlite3.SQLITE_TOOBIG:
		return bridge.StatusInvalidData
	case sqlite3.SQLITE_NOTFOUND:
		return bridge.StatusNotFound
	}
	return bridge.StatusInternal
}

// SetAutocommit opens a transaction when autocommit is disabled and
// commits it when autocommit is enabled again.
func (b *Backend) SetAutocommit(ctx context.Context, enabled bool) error {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if enabled == b.autocommit {
		return nil
	}
	stmt := "BEGIN"
	if enabled {
		stmt = "COMMIT"
	}
	if _, err := b.conn.ExecContext(ctx, stmt); err != nil {
		return b.wrap(ctx, err)
	}
	b.autocommit = enabled
	return nil
}

func (b *Backend) Commit(ctx context.Context) error {
	return b.endTransaction(ctx, "COMMIT")
}

func (b *Backend) Rollback(ctx context.Context) error {
	return b.endTransaction(ctx, "ROLLBACK")
}

func (b *Backend) endTransaction(ctx context.Context, stmt string) error {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if b.autocommit {
		return b.ErrorHelper.Errorf(bridge.StatusInvalidState, "%s with autocommit enabled", stmt)
	}
	if _, err := b.conn.ExecContext(ctx, stmt); err != nil {
		return b.wrap(ctx, err)
	}
	if _, err := b.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return b.wrap(ctx, err)
	}
	return nil
}

// Close stops the running requests, then releases the statements and the
// database.
func (b *Backend) Close() error {
	if err := b.BackendBase.Close(); err != nil {
		return err
	}
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	b.stmts.Purge()
	return errors.Join(b.conn.Close(), b.db.Close())
}
