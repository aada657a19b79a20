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

// Package validation is a backend-agnostic test suite intended to aid in
// adapter development for bridge backends. It provides a series of
// utilities and defined tests that can be used to validate a backend
// follows the correct and expected behavior when driven through a
// bridge.Connection.
package validation

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/scheduler"
)

type BackendQuirks interface {
	// Called in SetupTest to open a fresh backend
	SetupBackend(*testing.T) bridge.Backend
	// Called in TearDownTest once the connection was closed
	TearDownBackend(*testing.T, bridge.Backend)
	// Return the SQL to reference the bind parameter for a given index
	BindParameter(index int) string
	// Whether SetAutocommit, Commit and Rollback are supported
	SupportsTransactions() bool
	// Whether a request may hold several statements separated by semicolons
	SupportsMultipleStatements() bool
	// Return a DDL statement creating a table with an integer column id
	// and a text column name
	CreateSampleTable(tableName string) string
	// Return a query that keeps running until it is cancelled
	SlowQuery() string
}

// CheckedClose closes c and fails the test on error.
func CheckedClose(t *testing.T, c io.Closer) {
	assert.NoError(t, c.Close())
}

// harness owns the scheduler, backend and connection of one test.
type harness struct {
	ctx     context.Context
	sched   *scheduler.Scheduler
	backend bridge.Backend
	Cnxn    *bridge.Connection
}

func (h *harness) setup(t *testing.T, quirks BackendQuirks) {
	h.ctx = context.Background()
	h.sched = scheduler.New()
	require.NoError(t, h.sched.Start())

	h.backend = quirks.SetupBackend(t)
	var err error
	h.Cnxn, err = bridge.NewConnection(h.backend, h.sched)
	require.NoError(t, err)
}

func (h *harness) teardown(t *testing.T, quirks BackendQuirks) {
	if h.Cnxn != nil {
		// closing twice is reported by the connection tests
		_ = h.Cnxn.Close()
	}
	quirks.TearDownBackend(t, h.backend)

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, h.sched.Stop(ctx))
}

type ConnectionTests struct {
	suite.Suite
	harness

	Quirks BackendQuirks
}

func (c *ConnectionTests) SetupTest()    { c.setup(c.T(), c.Quirks) }
func (c *ConnectionTests) TearDownTest() { c.teardown(c.T(), c.Quirks) }

func (c *ConnectionTests) TestCloseConnTwice() {
	c.NoError(c.Cnxn.Close())
	err := c.Cnxn.Close()
	var bridgeErr bridge.Error
	c.ErrorAs(err, &bridgeErr)
	c.Equal(bridge.StatusInvalidState, bridgeErr.Code)

	_, err = c.Cnxn.NewStatement()
	c.ErrorAs(err, &bridgeErr)
	c.Equal(bridge.StatusInvalidState, bridgeErr.Code)
}

func (c *ConnectionTests) TestAutocommitDefault() {
	// even if not supported, backends should act as if autocommit
	// is enabled, and return INVALID_STATE if the client tries to
	// commit or rollback
	c.True(c.Cnxn.Autocommit())

	var bridgeErr bridge.Error
	c.ErrorAs(c.Cnxn.Commit(c.ctx), &bridgeErr)
	c.Equal(bridge.StatusInvalidState, bridgeErr.Code)
	c.ErrorAs(c.Cnxn.Rollback(c.ctx), &bridgeErr)
	c.Equal(bridge.StatusInvalidState, bridgeErr.Code)
}

func (c *ConnectionTests) TestAutocommitToggle() {
	if !c.Quirks.SupportsTransactions() {
		c.T().SkipNow()
	}

	c.Require().NoError(c.Cnxn.SetAutocommit(c.ctx, false))
	c.False(c.Cnxn.Autocommit())
	c.NoError(c.Cnxn.Commit(c.ctx))
	c.NoError(c.Cnxn.Rollback(c.ctx))
	c.Require().NoError(c.Cnxn.SetAutocommit(c.ctx, true))
	c.True(c.Cnxn.Autocommit())
}

func (c *ConnectionTests) TestConcurrentStatements() {
	stmt1, err := c.Cnxn.NewStatement()
	c.Require().NoError(err)
	defer CheckedClose(c.T(), stmt1)
	stmt2, err := c.Cnxn.NewStatement()
	c.Require().NoError(err)
	defer CheckedClose(c.T(), stmt2)

	rdr1, err := stmt1.ExecuteQuery(c.ctx, "SELECT 1")
	c.Require().NoError(err)
	rdr2, err := stmt2.ExecuteQuery(c.ctx, "SELECT 2")
	c.Require().NoError(err)
	c.Len(readAll(c.T(), rdr1), 1)
	c.Len(readAll(c.T(), rdr2), 1)
}

type StatementTests struct {
	suite.Suite
	harness

	Quirks BackendQuirks
	Stmt   *bridge.Statement
}

func (s *StatementTests) SetupTest() {
	s.setup(s.T(), s.Quirks)
	var err error
	s.Stmt, err = s.Cnxn.NewStatement()
	s.Require().NoError(err)
}

func (s *StatementTests) TearDownTest() {
	if !s.Stmt.Closed() {
		s.NoError(s.Stmt.Close())
	}
	s.teardown(s.T(), s.Quirks)
}

func (s *StatementTests) createSample(name string, rows int) {
	_, err := s.Stmt.ExecuteUpdate(s.ctx, s.Quirks.CreateSampleTable(name))
	s.Require().NoError(err)
	for i := 1; i <= rows; i++ {
		s.Stmt.ClearArgs()
		s.Require().NoError(s.Stmt.Bind(bridge.PositionalName(1), int64(i)))
		s.Require().NoError(s.Stmt.Bind(bridge.PositionalName(2), fmt.Sprintf("row %d", i)))
		n, err := s.Stmt.ExecuteUpdate(s.ctx, fmt.Sprintf("INSERT INTO %s (id, name) VALUES (%s, %s)",
			name, s.Quirks.BindParameter(0), s.Quirks.BindParameter(1)))
		s.Require().NoError(err)
		s.EqualValues(1, n)
	}
	s.Stmt.ClearArgs()
}

func (s *StatementTests) TestCloseTwice() {
	s.Require().NoError(s.Stmt.Close())
	var bridgeErr bridge.Error
	s.ErrorAs(s.Stmt.Close(), &bridgeErr)
	s.Equal(bridge.StatusInvalidState, bridgeErr.Code)

	_, err := s.Stmt.Execute(s.ctx, "SELECT 1")
	s.ErrorAs(err, &bridgeErr)
	s.Equal(bridge.StatusInvalidState, bridgeErr.Code)
}

func (s *StatementTests) TestQueryAndUpdate() {
	s.createSample("bulk", 3)

	rdr, err := s.Stmt.ExecuteQuery(s.ctx, "SELECT id, name FROM bulk ORDER BY id")
	s.Require().NoError(err)
	s.Equal([]string{"id", "name"}, columnNames(rdr))
	rows := readAll(s.T(), rdr)
	s.Require().Len(rows, 3)
	s.Equal("row 2", rows[1][1])

	n, err := s.Stmt.ExecuteUpdate(s.ctx, "DELETE FROM bulk WHERE id > 1")
	s.Require().NoError(err)
	s.EqualValues(2, n)

	_, err = s.Stmt.ExecuteUpdate(s.ctx, "SELECT id FROM bulk")
	s.Error(err, "ExecuteUpdate rejects queries")
}

func (s *StatementTests) TestMultipleStatements() {
	if !s.Quirks.SupportsMultipleStatements() {
		s.T().SkipNow()
	}

	isResult, err := s.Stmt.Execute(s.ctx, "SELECT 1; SELECT 2")
	s.Require().NoError(err)
	s.True(isResult)

	var values []any
	for {
		rdr, err := s.Stmt.ResultCursor()
		s.Require().NoError(err)
		rows := readAll(s.T(), rdr)
		s.Require().Len(rows, 1)
		values = append(values, rows[0][0])

		more, err := s.Stmt.NextResult(s.ctx)
		s.Require().NoError(err)
		if !more {
			break
		}
	}
	s.Len(values, 2)
	s.Equal(bridge.PhaseIdle, s.Stmt.Phase())
}

func (s *StatementTests) TestMaxRows() {
	s.createSample("limited", 5)
	s.Require().NoError(s.Stmt.SetMaxRows(2))

	rdr, err := s.Stmt.ExecuteQuery(s.ctx, "SELECT id FROM limited ORDER BY id")
	s.Require().NoError(err)
	s.Len(readAll(s.T(), rdr), 2)
}

func (s *StatementTests) TestQueryTimeout() {
	s.Require().NoError(s.Stmt.SetQueryTimeout(1))
	start := time.Now()
	_, err := s.Stmt.Execute(s.ctx, s.Quirks.SlowQuery())
	s.ErrorIs(err, bridge.ErrTimeout)
	s.Less(time.Since(start), 10*time.Second)
	s.Empty(s.Cnxn.PendingTimers())
	// the timeout error stays queued until it is consumed
	s.Equal(bridge.PhaseDraining, s.Stmt.Phase())
	more, err := s.Stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.False(more)
	s.Equal(bridge.PhaseIdle, s.Stmt.Phase())
}

func (s *StatementTests) TestCancel() {
	var bridgeErr bridge.Error
	s.ErrorAs(s.Stmt.Cancel(s.ctx), &bridgeErr, "nothing to cancel")
	s.ErrorIs(bridgeErr, bridge.ErrNothingToCancel)

	done := make(chan error, 1)
	go func() {
		_, err := s.Stmt.Execute(s.ctx, s.Quirks.SlowQuery())
		done <- err
	}()
	s.Eventually(func() bool { return s.Stmt.Phase() == bridge.PhaseWaiting }, 5*time.Second, time.Millisecond)
	s.Require().NoError(s.Stmt.Cancel(s.ctx))

	select {
	case err := <-done:
		s.ErrorIs(err, bridge.ErrCancelled)
	case <-time.After(10 * time.Second):
		s.FailNow("statement was not cancelled")
	}
}

func (s *StatementTests) TestContextCancel() {
	ctx, cancel := context.WithTimeout(s.ctx, 200*time.Millisecond)
	defer cancel()
	_, err := s.Stmt.Execute(ctx, s.Quirks.SlowQuery())
	s.ErrorIs(err, context.DeadlineExceeded)
}

func columnNames(c bridge.Cursor) []string {
	cols := c.Columns()
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = col.Name
	}
	return out
}

func readAll(t *testing.T, c bridge.Cursor) [][]any {
	defer CheckedClose(t, c)
	var rows [][]any
	for c.Next() {
		row := make([]any, len(c.Columns()))
		for i := range row {
			v, err := c.Value(i)
			if !assert.NoError(t, err) {
				return rows
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	assert.NoError(t, c.Err())
	return rows
}
