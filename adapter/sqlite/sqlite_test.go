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

package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/adapter/sqlite"
	"github.com/zycgit/dbvisitor-sub003/scheduler"
)

type SQLiteTests struct {
	suite.Suite

	ctx     context.Context
	sched   *scheduler.Scheduler
	backend *sqlite.Backend
	cnxn    *bridge.Connection
	stmt    *bridge.Statement
}

func (s *SQLiteTests) SetupTest() {
	s.ctx = context.Background()
	s.sched = scheduler.New()
	s.Require().NoError(s.sched.Start())

	var err error
	s.backend, err = sqlite.Open(s.ctx, "", sqlite.WithStmtCacheSize(4))
	s.Require().NoError(err)
	s.cnxn, err = bridge.NewConnection(s.backend, s.sched)
	s.Require().NoError(err)
	s.stmt, err = s.cnxn.NewStatement()
	s.Require().NoError(err)

	_, err = s.stmt.ExecuteUpdate(s.ctx, "CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	s.Require().NoError(err)
}

func (s *SQLiteTests) TearDownTest() {
	if !s.stmt.Closed() {
		s.NoError(s.stmt.Close())
	}
	s.NoError(s.cnxn.Close())
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.NoError(s.sched.Stop(ctx))
}

func (s *SQLiteTests) readAll(cursor bridge.Cursor) [][]any {
	var rows [][]any
	for cursor.Next() {
		row := make([]any, len(cursor.Columns()))
		for i := range row {
			v, err := cursor.Value(i)
			s.Require().NoError(err)
			row[i] = v
		}
		rows = append(rows, row)
	}
	s.Require().NoError(cursor.Err())
	s.Require().NoError(cursor.Close())
	return rows
}

func (s *SQLiteTests) TestScript() {
	isResult, err := s.stmt.Execute(s.ctx,
		"INSERT INTO people (name) VALUES ('ada'), ('grace'); SELECT id, name FROM people ORDER BY id")
	s.Require().NoError(err)
	s.False(isResult)

	n, err := s.stmt.UpdateCount()
	s.Require().NoError(err)
	s.EqualValues(2, n)

	more, err := s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.True(more)

	cursor, err := s.stmt.ResultCursor()
	s.Require().NoError(err)
	cols := cursor.Columns()
	s.Require().Len(cols, 2)
	s.Equal("id", cols[0].Name)
	s.Equal("INTEGER", cols[0].TypeName)
	s.Equal([][]any{{int64(1), "ada"}, {int64(2), "grace"}}, s.readAll(cursor))

	more, err = s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.False(more)
	s.Equal(bridge.PhaseIdle, s.stmt.Phase())
}

func (s *SQLiteTests) TestBoundArgs() {
	s.Require().NoError(s.stmt.Bind(bridge.PositionalName(1), "ada"))
	n, err := s.stmt.ExecuteUpdate(s.ctx, "INSERT INTO people (name) VALUES (?)")
	s.Require().NoError(err)
	s.EqualValues(1, n)

	s.stmt.ClearArgs()
	s.Require().NoError(s.stmt.Bind("who", "ada"))
	cursor, err := s.stmt.ExecuteQuery(s.ctx, "SELECT count(*) FROM people WHERE name = :who")
	s.Require().NoError(err)
	s.Equal([][]any{{int64(1)}}, s.readAll(cursor))
}

func (s *SQLiteTests) TestOutParametersUnsupported() {
	s.Require().NoError(s.stmt.RegisterOutParameter("x", "INTEGER"))
	_, err := s.stmt.Execute(s.ctx, "SELECT 1")
	var bridgeErr bridge.Error
	s.Require().ErrorAs(err, &bridgeErr)
	s.Equal(bridge.StatusNotImplemented, bridgeErr.Code)
	s.Contains(bridgeErr.Msg, "[SQLite]")
}

func (s *SQLiteTests) TestMaxRows() {
	_, err := s.stmt.ExecuteUpdate(s.ctx, "INSERT INTO people (name) VALUES ('a'), ('b'), ('c')")
	s.Require().NoError(err)

	s.Require().NoError(s.stmt.SetMaxRows(2))
	cursor, err := s.stmt.ExecuteQuery(s.ctx, "SELECT name FROM people ORDER BY id")
	s.Require().NoError(err)
	s.Equal([][]any{{"a"}, {"b"}}, s.readAll(cursor))
}

func (s *SQLiteTests) TestErrors() {
	_, err := s.stmt.ExecuteQuery(s.ctx, "SELECT * FROM missing")
	var bridgeErr bridge.Error
	s.Require().ErrorAs(err, &bridgeErr)
	s.Equal(bridge.StatusInvalidArgument, bridgeErr.Code)
	s.Contains(bridgeErr.Msg, "no such table")

	_, err = s.stmt.ExecuteUpdate(s.ctx, "INSERT INTO people (id, name) VALUES (1, 'a'), (1, 'b')")
	s.Require().ErrorAs(err, &bridgeErr)
	s.Equal(bridge.StatusIntegrity, bridgeErr.Code)
	s.NotZero(bridgeErr.VendorCode)

	_, err = s.stmt.Execute(s.ctx, " ; ")
	s.Require().ErrorAs(err, &bridgeErr)
	s.Equal(bridge.StatusInvalidArgument, bridgeErr.Code)
}

func (s *SQLiteTests) TestTransactions() {
	s.Require().NoError(s.cnxn.SetAutocommit(s.ctx, false))
	_, err := s.stmt.ExecuteUpdate(s.ctx, "INSERT INTO people (name) VALUES ('gone')")
	s.Require().NoError(err)
	s.Require().NoError(s.cnxn.Rollback(s.ctx))

	_, err = s.stmt.ExecuteUpdate(s.ctx, "INSERT INTO people (name) VALUES ('kept')")
	s.Require().NoError(err)
	s.Require().NoError(s.cnxn.Commit(s.ctx))
	s.Require().NoError(s.cnxn.SetAutocommit(s.ctx, true))

	cursor, err := s.stmt.ExecuteQuery(s.ctx, "SELECT name FROM people")
	s.Require().NoError(err)
	s.Equal([][]any{{"kept"}}, s.readAll(cursor))

	var bridgeErr bridge.Error
	s.Require().ErrorAs(s.cnxn.Commit(s.ctx), &bridgeErr)
	s.Equal(bridge.StatusInvalidState, bridgeErr.Code)
}

const endless = "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT count(*) FROM c"

func (s *SQLiteTests) TestCancel() {
	done := make(chan error, 1)
	go func() {
		_, err := s.stmt.Execute(s.ctx, endless)
		done <- err
	}()
	s.Eventually(func() bool { return s.stmt.Phase() == bridge.PhaseWaiting }, 5*time.Second, time.Millisecond)
	s.Require().NoError(s.stmt.Cancel(s.ctx))

	select {
	case err := <-done:
		s.ErrorIs(err, bridge.ErrCancelled)
	case <-time.After(5 * time.Second):
		s.FailNow("execute did not return after cancel")
	}
	s.Eventually(func() bool { return s.backend.Runner.Running() == 0 }, 5*time.Second, time.Millisecond)

	// the session is usable again
	n, err := s.stmt.ExecuteUpdate(s.ctx, "INSERT INTO people (name) VALUES ('after')")
	s.Require().NoError(err)
	s.EqualValues(1, n)
}

func (s *SQLiteTests) TestTimeout() {
	s.Require().NoError(s.stmt.SetQueryTimeout(1))
	_, err := s.stmt.Execute(s.ctx, endless)
	s.ErrorIs(err, bridge.ErrTimeout)
	s.Empty(s.cnxn.PendingTimers())
}

func (s *SQLiteTests) TestCloseOnCompletion() {
	s.stmt.SetCloseOnCompletion(true)
	cursor, err := s.stmt.ExecuteQuery(s.ctx, "SELECT 1")
	s.Require().NoError(err)
	s.readAll(cursor)
	s.Eventually(s.stmt.Closed, time.Second, time.Millisecond)
}

func TestSQLite(t *testing.T) {
	suite.Run(t, new(SQLiteTests))
}

func TestFactory(t *testing.T) {
	backend, err := sqlite.Factory(context.Background(), map[string]string{
		bridge.OptionKeyURI:           "file:factory?mode=memory",
		sqlite.OptionKeyStmtCacheSize: "8",
	}, nil)
	require.NoError(t, err)
	assert.NoError(t, backend.Close())
	assert.Error(t, backend.Close())

	_, err = sqlite.Factory(context.Background(), map[string]string{
		sqlite.OptionKeyStmtCacheSize: "zero",
	}, nil)
	var bridgeErr bridge.Error
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, bridge.StatusInvalidArgument, bridgeErr.Code)
}
