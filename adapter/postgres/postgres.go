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

// Package postgres is a bridge backend for PostgreSQL built on pgx.
//
// The backend owns one session. Cancelling a request sends a protocol
// cancel request to the server and leaves the session open, so a
// statement can be reused after a timeout.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/adapter/internal/adapterbase"
)

const (
	AdapterName = "PostgreSQL"

	// cancelDeadlineDelay bounds how long a cancelled query may keep the
	// session busy before the network connection is interrupted.
	cancelDeadlineDelay = 10 * time.Second
)

// Backend implements bridge.Backend and bridge.Transactor.
type Backend struct {
	adapterbase.BackendBase

	conn *pgx.Conn

	sessionMu  sync.Mutex
	autocommit bool
}

var (
	_ bridge.Backend    = (*Backend)(nil)
	_ bridge.Transactor = (*Backend)(nil)
)

// Open connects using a pgx connection string, either a URL or a list of
// key=value settings.
func Open(ctx context.Context, uri string, logger *slog.Logger) (*Backend, error) {
	b := &Backend{
		BackendBase: adapterbase.NewBackendBase(AdapterName, logger),
		autocommit:  true,
	}

	cfg, err := pgx.ParseConfig(uri)
	if err != nil {
		return nil, b.ErrorHelper.Errorf(bridge.StatusInvalidArgument, "invalid connection string: %s", err)
	}
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.CancelRequestContextWatcherHandler{
			Conn:          pgConn,
			DeadlineDelay: cancelDeadlineDelay,
		}
	}

	b.conn, err = pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, b.wrap(ctx, err)
	}
	return b, nil
}

// Factory opens a backend from string options, for use by the
// database/sql driver. Username and password override the ones in the
// connection string.
func Factory(ctx context.Context, opts map[string]string, logger *slog.Logger) (bridge.Backend, error) {
	uri := opts[bridge.OptionKeyURI]
	if user, ok := opts[bridge.OptionKeyUsername]; ok {
		uri += " user=" + quoteSetting(user)
	}
	if pass, ok := opts[bridge.OptionKeyPassword]; ok {
		uri += " password=" + quoteSetting(pass)
	}
	return Open(ctx, uri, logger)
}

func quoteSetting(v string) string {
	out := []byte{'\''}
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, v[i])
	}
	return string(append(out, '\''))
}

func (b *Backend) DoRequest(_ context.Context, req *bridge.Request, recv bridge.Receiver) error {
	if len(adapterbase.SplitStatements(req.SQL())) == 0 {
		return b.ErrorHelper.Errorf(bridge.StatusInvalidArgument, "no statement found in query")
	}
	if len(req.OutputArgs()) > 0 {
		return b.ErrorHelper.Errorf(bridge.StatusNotImplemented, "output parameters are not supported")
	}
	if _, err := b.bindArgs(req); err != nil {
		return err
	}
	return b.Runner.Go(req, recv, b.execute)
}

// bindArgs returns the positional values in ordinal order, or the named
// values as pgx.NamedArgs for @name placeholders. Mixing both is
// rejected.
func (b *Backend) bindArgs(req *bridge.Request) ([]any, error) {
	var (
		positional []any
		named      pgx.NamedArgs
	)
	for _, a := range req.OrderedArgs() {
		if _, err := strconv.Atoi(a.Name); err == nil {
			positional = append(positional, a.Value)
			continue
		}
		if named == nil {
			named = pgx.NamedArgs{}
		}
		named[a.Name] = a.Value
	}
	switch {
	case named != nil && positional != nil:
		return nil, b.ErrorHelper.Errorf(bridge.StatusInvalidArgument, "cannot mix positional and named arguments")
	case named != nil:
		return []any{named}, nil
	}
	return positional, nil
}

func (b *Backend) execute(ctx context.Context, req *bridge.Request, recv bridge.Receiver) error {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()

	stmts := adapterbase.SplitStatements(req.SQL())
	var args []any
	if len(stmts) == 1 {
		args, _ = b.bindArgs(req)
	}

	for _, text := range stmts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.run(ctx, req, recv, text, args); err != nil {
			return err
		}
	}
	return nil
}

// run executes one statement. Statements without a row description report
// their command tag's row count instead of a cursor.
func (b *Backend) run(ctx context.Context, req *bridge.Request, recv bridge.Receiver, text string, args []any) error {
	rows, err := b.conn.Query(ctx, text, args...)
	if err != nil {
		return b.wrap(ctx, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	if len(fields) == 0 {
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			return b.wrap(ctx, err)
		}
		return recv.OnUpdateCount(req, rows.CommandTag().RowsAffected())
	}

	typeMap := b.conn.TypeMap()
	columns := make([]bridge.Column, len(fields))
	for i, fd := range fields {
		columns[i] = bridge.Column{Name: fd.Name, TypeName: strconv.FormatUint(uint64(fd.DataTypeOID), 10)}
		if typ, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			columns[i].TypeName = typ.Name
		}
	}

	cursor := bridge.NewStreamCursor(columns)
	if err := recv.OnResult(req, cursor); err != nil {
		return err
	}

	var count int64
	for rows.Next() {
		if req.MaxRows() > 0 && count >= req.MaxRows() {
			b.Logger.Debug("result truncated", "trace_id", req.TraceID(), "max_rows", req.MaxRows())
			rows.Close()
			break
		}
		values, err := rows.Values()
		if err != nil {
			_ = cursor.PushError(b.wrap(ctx, err))
			return nil
		}
		if err := cursor.PushRow(values); err != nil {
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
	if _, err := b.conn.Exec(ctx, stmt); err != nil {
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
	if _, err := b.conn.Exec(ctx, stmt); err != nil {
		return b.wrap(ctx, err)
	}
	if _, err := b.conn.Exec(ctx, "BEGIN"); err != nil {
		return b.wrap(ctx, err)
	}
	return nil
}

func (b *Backend) Close() error {
	if err := b.BackendBase.Close(); err != nil {
		return err
	}
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.wrap(ctx, b.conn.Close(ctx))
}
