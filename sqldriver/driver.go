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

package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/arrowcursor"
)

// BackendFactory opens a backend from the options of a connection
// string.
type BackendFactory func(ctx context.Context, opts map[string]string, logger *slog.Logger) (bridge.Backend, error)

func parseConnectStr(str string) (ret map[string]string, err error) {
	ret = make(map[string]string)
	for _, kv := range strings.Split(str, ";") {
		if strings.TrimSpace(kv) == "" {
			continue
		}
		parsed := strings.SplitN(kv, "=", 2)
		if len(parsed) != 2 {
			return nil, bridge.Error{
				Msg:  "invalid format for connection string",
				Code: bridge.StatusInvalidArgument,
			}
		}

		ret[strings.TrimSpace(parsed[0])] = strings.TrimSpace(parsed[1])
	}
	return
}

// splitOptions separates the statement options, applied to every
// statement of a connection, from the ones handed to the backend.
func splitOptions(opts map[string]string) (backend, statement map[string]string) {
	backend, statement = make(map[string]string), make(map[string]string)
	for k, v := range opts {
		if strings.HasPrefix(k, "bridge.statement.") {
			statement[k] = v
		} else {
			backend[k] = v
		}
	}
	return
}

type connector struct {
	drv        Driver
	opts       map[string]string
	stmtOpts   map[string]string
	autocommit bool
}

// Connect opens a new backend session and wraps it in a
// bridge.Connection.
//
// The provided context.Context is for dialing purposes only and is not
// stored.
func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	backend, err := c.drv.Factory(ctx, c.opts, c.drv.logger())
	if err != nil {
		return nil, err
	}

	cnxn, err := bridge.NewConnection(backend, c.drv.Scheduler, bridge.WithLogger(c.drv.logger()))
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	if !c.autocommit {
		if err := cnxn.SetAutocommit(ctx, false); err != nil {
			return nil, errors.Join(err, cnxn.Close())
		}
	}
	return &conn{cnxn: cnxn, stmtOpts: c.stmtOpts}, nil
}

// Driver returns the underlying Driver of the connector,
// mainly to maintain compatibility with the Driver method on sql.DB
func (c *connector) Driver() driver.Driver { return c.drv }

// Driver adapts a bridge backend to database/sql. The scheduler runs the
// query timeouts of every connection and must be started by the caller.
type Driver struct {
	Factory   BackendFactory
	Scheduler bridge.Scheduler
	Logger    *slog.Logger
}

func (d Driver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Open returns a new connection to the database. The name
// should be semi-colon separated key-value pairs of the form:
// key=value;key2=value2;.....
//
// Keys prefixed with bridge.statement. set the defaults of every
// statement; bridge.connection.autocommit sets the initial autocommit
// mode. The other keys are passed to the backend factory.
func (d Driver) Open(name string) (driver.Conn, error) {
	connector, err := d.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector expects the same format as driver.Open
func (d Driver) OpenConnector(name string) (driver.Connector, error) {
	if d.Factory == nil || d.Scheduler == nil {
		return nil, bridge.Error{
			Msg:  "driver needs a backend factory and a scheduler",
			Code: bridge.StatusInvalidState,
		}
	}

	opts, err := parseConnectStr(name)
	if err != nil {
		return nil, err
	}
	backendOpts, stmtOpts := splitOptions(opts)

	autocommit := true
	if v, ok := backendOpts[bridge.OptionKeyAutoCommit]; ok {
		switch v {
		case bridge.OptionValueEnabled:
		case bridge.OptionValueDisabled:
			autocommit = false
		default:
			return nil, bridge.Error{
				Msg:  "invalid value '" + v + "' for " + bridge.OptionKeyAutoCommit,
				Code: bridge.StatusInvalidArgument,
			}
		}
		delete(backendOpts, bridge.OptionKeyAutoCommit)
	}

	return &connector{drv: d, opts: backendOpts, stmtOpts: stmtOpts, autocommit: autocommit}, nil
}

type ctxOptsKey struct{}

// SetOptionsInCtx attaches statement options to ctx. They apply to the
// statements executed with that context, after the connection defaults.
func SetOptionsInCtx(ctx context.Context, opts map[string]string) context.Context {
	return context.WithValue(ctx, ctxOptsKey{}, opts)
}

func GetOptionsFromCtx(ctx context.Context) map[string]string {
	v, ok := ctx.Value(ctxOptsKey{}).(map[string]string)
	if !ok {
		return nil
	}
	return v
}

// conn is a connection to a database. It is not used concurrently by
// multiple goroutines. It is assumed to be stateful.
type conn struct {
	cnxn     *bridge.Connection
	stmtOpts map[string]string
}

var (
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
)

// Close closes the bridge connection and its backend.
func (c *conn) Close() error {
	return c.cnxn.Close()
}

// CheckNamedValue accepts named arguments and otherwise applies the
// default conversions.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) (err error) {
	nv.Value, err = driver.DefaultParameterConverter.ConvertValue(nv.Value)
	return err
}

// newStatement opens a statement configured with the connection and
// context options and binds args.
func (c *conn) newStatement(ctx context.Context, args []driver.NamedValue) (*bridge.Statement, error) {
	st, err := c.cnxn.NewStatement()
	if err != nil {
		return nil, err
	}

	for _, opts := range []map[string]string{c.stmtOpts, GetOptionsFromCtx(ctx)} {
		for k, v := range opts {
			if err := st.SetOption(k, v); err != nil {
				return nil, errors.Join(err, st.Close())
			}
		}
	}

	for _, arg := range args {
		name := arg.Name
		if name == "" {
			// arg.Ordinal is 1-based
			name = bridge.PositionalName(arg.Ordinal)
		}
		if err := st.Bind(name, arg.Value); err != nil {
			return nil, errors.Join(err, st.Close())
		}
	}
	return st, nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	st, err := c.newStatement(ctx, args)
	if err != nil {
		return nil, err
	}

	cursor, err := st.ExecuteQuery(ctx, query)
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	return &rows{cursor: cursor, stmt: st}, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	st, err := c.newStatement(ctx, args)
	if err != nil {
		return nil, err
	}

	affected, err := st.ExecuteUpdate(ctx, query)
	if err = errors.Join(err, st.Close()); err != nil {
		return nil, err
	}
	return driver.RowsAffected(affected), nil
}

// Begin exists to fulfill the Conn interface, but will return an error.
// Instead, the ConnBeginTx interface is implemented instead.
//
// Deprecated
func (c *conn) Begin() (driver.Tx, error) {
	return nil, bridge.Error{Code: bridge.StatusNotImplemented}
}

// BeginTx disables autocommit until the transaction ends. Only the
// default isolation level is supported.
func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if sql.IsolationLevel(opts.Isolation) != sql.LevelDefault {
		return nil, bridge.Error{
			Msg:  "isolation level " + sql.IsolationLevel(opts.Isolation).String() + " is not supported",
			Code: bridge.StatusNotImplemented,
		}
	}
	if opts.ReadOnly {
		return nil, bridge.Error{
			Msg:  "read only transactions are not supported",
			Code: bridge.StatusNotImplemented,
		}
	}
	if !c.cnxn.Autocommit() {
		return nil, bridge.Error{
			Msg:  "a transaction is already in progress",
			Code: bridge.StatusInvalidState,
		}
	}

	if err := c.cnxn.SetAutocommit(ctx, false); err != nil {
		return nil, err
	}
	return tx{ctx: ctx, cnxn: c.cnxn}, nil
}

// Prepare returns a prepared statement, bound to this connection.
func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext returns a statement that runs query on this connection.
// The query is sent to the backend on every execution.
func (c *conn) PrepareContext(_ context.Context, query string) (driver.Stmt, error) {
	if strings.TrimSpace(query) == "" {
		return nil, bridge.Error{Msg: "query must not be empty", Code: bridge.StatusInvalidArgument}
	}
	return &stmt{conn: c, query: query}, nil
}

type tx struct {
	ctx  context.Context
	cnxn *bridge.Connection
}

func (t tx) Commit() error {
	if err := t.cnxn.Commit(t.ctx); err != nil {
		return err
	}
	return t.cnxn.SetAutocommit(t.ctx, true)
}

func (t tx) Rollback() error {
	if err := t.cnxn.Rollback(t.ctx); err != nil {
		return err
	}
	return t.cnxn.SetAutocommit(t.ctx, true)
}

type stmt struct {
	conn  *conn
	query string
}

var (
	_ driver.StmtQueryContext = (*stmt)(nil)
	_ driver.StmtExecContext  = (*stmt)(nil)
)

func (s *stmt) Close() error { return nil }

// NumInput returns -1 since placeholders are interpreted by the backend.
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, driver.ErrSkip
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return nil, driver.ErrSkip
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

type rows struct {
	cursor bridge.Cursor
	stmt   *bridge.Statement
}

func (r *rows) Columns() (out []string) {
	cols := r.cursor.Columns()
	out = make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return
}

func (r *rows) Close() error {
	err := r.cursor.Close()
	if r.stmt != nil {
		err = errors.Join(err, r.stmt.Close())
		r.stmt = nil
	}
	return err
}

func (r *rows) Next(dest []driver.Value) error {
	if !r.cursor.Next() {
		if err := r.cursor.Err(); err != nil {
			return err
		}
		return io.EOF
	}

	for i := range dest {
		v, err := r.cursor.Value(i)
		if err != nil {
			return err
		}
		dest[i] = v
	}
	return nil
}

func (r *rows) ColumnTypeDatabaseTypeName(index int) string {
	return r.cursor.Columns()[index].TypeName
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// ColumnTypeScanType reports the Go type matching the Arrow type the
// column's database type maps to. Columns without a type name scan into
// any.
func (r *rows) ColumnTypeScanType(index int) reflect.Type {
	col := r.cursor.Columns()[index]
	if col.TypeName == "" {
		return anyType
	}

	switch arrowcursor.DataTypeOf(col.TypeName).ID() {
	case arrow.BOOL:
		return reflect.TypeOf(false)
	case arrow.INT64:
		return reflect.TypeOf(int64(0))
	case arrow.FLOAT64:
		return reflect.TypeOf(float64(0))
	case arrow.BINARY:
		return reflect.TypeOf([]byte{})
	case arrow.STRING:
		return reflect.TypeOf(string(""))
	case arrow.DATE32, arrow.TIMESTAMP:
		return reflect.TypeOf(time.Time{})
	}
	return anyType
}
