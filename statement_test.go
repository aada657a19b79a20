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

package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	bridge "github.com/zycgit/dbvisitor-sub003"
	"github.com/zycgit/dbvisitor-sub003/scheduler"
)

type StatementTests struct {
	suite.Suite

	ctx     context.Context
	backend *mockBackend
	sched   *manualScheduler
	cnxn    *bridge.Connection
	stmt    *bridge.Statement

	// submitted receives every request handed to the backend
	submitted chan *bridge.Request
}

func TestStatement(t *testing.T) {
	suite.Run(t, new(StatementTests))
}

func (s *StatementTests) SetupTest() {
	s.ctx = context.Background()
	s.backend = new(mockBackend)
	s.sched = new(manualScheduler)
	s.submitted = make(chan *bridge.Request, 8)

	var err error
	s.cnxn, err = bridge.NewConnection(s.backend, s.sched)
	s.Require().NoError(err)
	s.stmt, err = s.cnxn.NewStatement()
	s.Require().NoError(err)
}

func (s *StatementTests) TearDownTest() {
	if !s.stmt.Closed() {
		s.NoError(s.stmt.Close())
	}
	s.backend.On("Close").Return(nil).Maybe()
	s.NoError(s.cnxn.Close())
}

// respond scripts DoRequest to run fn on its own goroutine, the way a
// real backend answers asynchronously.
func (s *StatementTests) respond(fn func(req *bridge.Request, recv bridge.Receiver)) *mock.Call {
	return s.backend.On("DoRequest", mock.Anything, mock.Anything).
		Return(nil).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(*bridge.Request)
			recv := s.backend.receiver()
			s.submitted <- req
			if fn != nil {
				go fn(req, recv)
			}
		})
}

func (s *StatementTests) awaitSubmit() *bridge.Request {
	select {
	case req := <-s.submitted:
		return req
	case <-time.After(5 * time.Second):
		s.FailNow("request was never submitted")
	}
	return nil
}

func (s *StatementTests) TestUpdateCount() {
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnUpdateCount(req, 3)
		_ = recv.OnFinish(req)
	}).Once()

	s.Require().NoError(s.stmt.SetQueryTimeout(5))
	isResult, err := s.stmt.Execute(s.ctx, "update t set x = 1")
	s.Require().NoError(err)
	s.False(isResult)
	n, err := s.stmt.UpdateCount()
	s.Require().NoError(err)
	s.EqualValues(3, n)

	more, err := s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.False(more)
	s.Equal(bridge.PhaseIdle, s.stmt.Phase())
	// the terminal hook runs right after the state change
	s.Eventually(func() bool { return len(s.cnxn.PendingTimers()) == 0 }, 5*time.Second, time.Millisecond,
		"finishing stops the timeout")
	s.True(s.sched.last().Cancelled())
	s.backend.AssertNotCalled(s.T(), "CancelQuery", mock.Anything, mock.Anything)
}

func (s *StatementTests) TestExecuteQuery() {
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		cursor := bridge.NewStreamCursor(testColumns)
		_ = recv.OnResult(req, cursor)
		_ = cursor.PushRow([]any{1, "a"})
		_ = cursor.PushRow([]any{2, "b"})
		_ = cursor.PushFinish()
		_ = recv.OnFinish(req)
	}).Once()

	cursor, err := s.stmt.ExecuteQuery(s.ctx, "select id, name from t")
	s.Require().NoError(err)
	s.Equal(testColumns, cursor.Columns())

	var names []any
	for cursor.Next() {
		v, err := cursor.Value(1)
		s.Require().NoError(err)
		names = append(names, v)
	}
	s.NoError(cursor.Err())
	s.Equal([]any{"a", "b"}, names)

	n, err := s.stmt.UpdateCount()
	s.NoError(err)
	s.EqualValues(-1, n)

	// OnFinish may still be in flight, wait for it before closing
	s.Require().Eventually(func() bool {
		return s.stmt.Container().State() == bridge.StateFinished
	}, 5*time.Second, time.Millisecond)
	s.Require().NoError(cursor.Close())
	s.Equal(bridge.PhaseIdle, s.stmt.Phase())
}

func (s *StatementTests) TestExecuteUpdateRejectsCursor() {
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnResult(req, bridge.EmptyCursor(testColumns...))
		_ = recv.OnFinish(req)
	}).Once()

	n, err := s.stmt.ExecuteUpdate(s.ctx, "select 1")
	s.Error(err)
	s.EqualValues(-1, n)
}

func (s *StatementTests) TestBackendError() {
	backendErr := bridge.Error{Msg: "no such table: t", Code: bridge.StatusNotFound}
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnError(req, backendErr)
		_ = recv.OnFinish(req)
	}).Once()

	_, err := s.stmt.Execute(s.ctx, "select * from t")
	s.ErrorIs(err, backendErr)
	_, err = s.stmt.ResultCursor()
	s.ErrorIs(err, backendErr)
}

func (s *StatementTests) TestDoRequestFailure() {
	cause := errors.New("connection refused")
	s.backend.On("DoRequest", mock.Anything, mock.Anything).Return(cause).Once()

	s.Require().NoError(s.stmt.SetQueryTimeout(5))
	_, err := s.stmt.Execute(s.ctx, "select 1")
	s.ErrorIs(err, cause)
	s.Empty(s.cnxn.PendingTimers())
	s.Equal(bridge.StateFinished, s.stmt.Container().State())

	// the statement is usable again
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnUpdateCount(req, 1)
		_ = recv.OnFinish(req)
	}).Once()
	n, err := s.stmt.ExecuteUpdate(s.ctx, "update t set x = 1")
	s.Require().NoError(err)
	s.EqualValues(1, n)
}

// A request that never answers is cancelled exactly once when its timer
// fires, and a reply arriving afterwards is dropped.
func (s *StatementTests) TestTimeoutFromTimer() {
	s.respond(nil).Once()
	s.backend.On("CancelQuery", mock.Anything, mock.Anything).Return(nil).Once()
	s.Require().NoError(s.stmt.SetQueryTimeout(30))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.stmt.Execute(s.ctx, "select pg_sleep(60)")
		errCh <- err
	}()
	req := s.awaitSubmit()
	s.Require().Eventually(func() bool {
		return s.stmt.Phase() == bridge.PhaseWaiting
	}, 5*time.Second, time.Millisecond)
	s.Equal(30*time.Second, s.sched.last().delay)
	s.sched.last().Fire()

	select {
	case err := <-errCh:
		s.ErrorIs(err, bridge.ErrTimeout)
	case <-time.After(5 * time.Second):
		s.FailNow("Execute did not return after the timeout fired")
	}

	late := bridge.NewStreamCursor(testColumns)
	s.Require().NoError(s.stmt.Container().OnResult(req, late))
	s.True(late.Closed())
	_, err := s.stmt.ResultCursor()
	s.ErrorIs(err, bridge.ErrTimeout)

	s.ErrorIs(s.stmt.Cancel(s.ctx), bridge.ErrNothingToCancel)
	s.backend.AssertNumberOfCalls(s.T(), "CancelQuery", 1)
}

// The wait is also bounded on its own, so a timeout is reported even if
// the scheduler never runs the action.
func (s *StatementTests) TestTimeoutFromWait() {
	s.respond(nil).Once()
	s.backend.On("CancelQuery", mock.Anything, mock.Anything).Return(nil).Once()
	s.Require().NoError(s.stmt.SetOption(bridge.OptionKeyQueryTimeout, "0.2"))

	start := time.Now()
	_, err := s.stmt.Execute(s.ctx, "select 1")
	s.ErrorIs(err, bridge.ErrTimeout)
	s.GreaterOrEqual(time.Since(start), time.Second)

	// the timer firing late is a no-op
	s.sched.last().Fire()
	s.backend.AssertNumberOfCalls(s.T(), "CancelQuery", 1)
}

func (s *StatementTests) TestCancel() {
	s.ErrorIs(s.stmt.Cancel(s.ctx), bridge.ErrNothingToCancel)

	s.respond(nil).Once()
	s.backend.On("CancelQuery", mock.Anything, mock.Anything).Return(nil).Once()
	s.Require().NoError(s.stmt.SetQueryTimeout(30))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.stmt.Execute(s.ctx, "select 1")
		errCh <- err
	}()
	req := s.awaitSubmit()
	s.Require().Eventually(func() bool {
		return s.stmt.Phase() == bridge.PhaseWaiting
	}, 5*time.Second, time.Millisecond)

	s.Require().NoError(s.stmt.Cancel(s.ctx))
	s.ErrorIs(<-errCh, bridge.ErrCancelled)
	s.True(s.sched.last().Cancelled(), "cancel stops the timer")
	s.ErrorIs(s.stmt.Cancel(s.ctx), bridge.ErrNothingToCancel)

	s.Require().NoError(s.stmt.Container().OnUpdateCount(req, 1))
	n, err := s.stmt.UpdateCount()
	s.ErrorIs(err, bridge.ErrCancelled)
	s.EqualValues(-1, n)
	s.backend.AssertNumberOfCalls(s.T(), "CancelQuery", 1)
	s.backend.AssertCalled(s.T(), "CancelQuery", mock.Anything, req)
}

func (s *StatementTests) TestCancelAfterFirstResponse() {
	gate := make(chan struct{})
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnUpdateCount(req, 1)
		<-gate
		_ = recv.OnFinish(req)
	}).Once()

	_, err := s.stmt.Execute(s.ctx, "update t set x = 1")
	s.Require().NoError(err)
	s.ErrorIs(s.stmt.Cancel(s.ctx), bridge.ErrNothingToCancel)
	close(gate)
	s.backend.AssertNotCalled(s.T(), "CancelQuery", mock.Anything, mock.Anything)
}

func (s *StatementTests) TestContextCancelled() {
	s.respond(nil).Once()
	s.backend.On("CancelQuery", mock.Anything, mock.Anything).Return(nil).Once()

	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		s.awaitSubmit()
		cancel()
	}()
	_, err := s.stmt.Execute(ctx, "select 1")
	s.ErrorIs(err, bridge.ErrCancelled)
	s.ErrorIs(err, context.Canceled)
	s.backend.AssertNumberOfCalls(s.T(), "CancelQuery", 1)
}

func (s *StatementTests) TestQueryPending() {
	gate := make(chan struct{})
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnUpdateCount(req, 1)
		<-gate
		_ = recv.OnFinish(req)
	}).Once()

	_, err := s.stmt.Execute(s.ctx, "update t set x = 1")
	s.Require().NoError(err)
	_, err = s.stmt.Execute(s.ctx, "update t set x = 2")
	s.ErrorIs(err, bridge.ErrQueryPending)
	close(gate)
}

// Execute returns as soon as the first response arrives; later responses
// are reached with NextResult.
func (s *StatementTests) TestMultipleResults() {
	gate := make(chan struct{})
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnUpdateCount(req, 1)
		<-gate
		_ = recv.OnResult(req, bridge.EmptyCursor(testColumns...))
		_ = recv.OnUpdateCount(req, 2)
		_ = recv.OnFinish(req)
	}).Once()

	isResult, err := s.stmt.Execute(s.ctx, "update t set x = 1; select * from t; delete from t")
	s.Require().NoError(err)
	s.False(isResult)
	s.Equal(bridge.PhaseDraining, s.stmt.Phase())
	close(gate)

	more, err := s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.Require().True(more)
	cursor, err := s.stmt.ResultCursor()
	s.Require().NoError(err)
	s.Equal(testColumns, cursor.Columns())

	more, err = s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.Require().True(more)
	n, err := s.stmt.UpdateCount()
	s.Require().NoError(err)
	s.EqualValues(2, n)

	more, err = s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.False(more)
}

func (s *StatementTests) TestArgsAndOutParameters() {
	var seen *bridge.Request
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		seen = req
		_ = recv.OnOutParameter(req, "total", "INTEGER", int64(7))
		_ = recv.OnFinish(req)
	}).Once()

	s.Require().NoError(s.stmt.Bind(bridge.PositionalName(1), "x"))
	s.Require().NoError(s.stmt.RegisterOutParameter("total", "INTEGER"))
	s.Require().NoError(s.stmt.Bind("total", int64(0)))
	s.Error(s.stmt.Bind("", 1))

	n, err := s.stmt.ExecuteUpdate(s.ctx, "call count_rows(?, ?)")
	s.Require().NoError(err)
	s.EqualValues(-1, n)

	s.Require().NotNil(seen)
	arg, ok := seen.Arg("total")
	s.Require().True(ok)
	s.Equal(bridge.ArgModeInOut, arg.Mode)
	s.Len(seen.Args(), 2)

	out := s.stmt.OutParameters()
	s.Require().True(out.Next())
	v, err := out.Value(0)
	s.Require().NoError(err)
	s.Equal(int64(7), v)

	s.stmt.ClearArgs()
	s.Require().Eventually(func() bool {
		return s.stmt.Container().State() != bridge.StateReceiving
	}, 5*time.Second, time.Millisecond)
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		seen = req
		_ = recv.OnFinish(req)
	}).Once()
	_, err = s.stmt.Execute(s.ctx, "select 1")
	s.Require().NoError(err)
	s.Empty(seen.Args())
}

func (s *StatementTests) TestRequestSettings() {
	var seen *bridge.Request
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		seen = req
		_ = recv.OnFinish(req)
	}).Once()

	s.Require().NoError(s.stmt.SetMaxRows(10))
	s.Require().NoError(s.stmt.SetFetchSize(4))
	_, err := s.stmt.Execute(s.ctx, "select 1")
	s.Require().NoError(err)
	s.EqualValues(10, seen.MaxRows())
	s.Equal(4, seen.FetchSize())
	s.Equal(0, seen.Timeout())
	s.Empty(s.sched.timers, "no timeout, no timer")
}

func (s *StatementTests) TestHooks() {
	var order []string
	s.stmt.SetHooks(bridge.StatementHooks{
		ConfigRequest: func(cfg *bridge.RequestConfig) error {
			order = append(order, "config")
			cfg.MaxRows = 99
			return nil
		},
		BeforeExecute: func(ctx context.Context, req *bridge.Request) error {
			order = append(order, "before")
			return nil
		},
		AfterExecute: func(ctx context.Context, req *bridge.Request, err error) {
			order = append(order, "after")
		},
	})
	var seen *bridge.Request
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		seen = req
		_ = recv.OnFinish(req)
	}).Once()

	_, err := s.stmt.Execute(s.ctx, "select 1")
	s.Require().NoError(err)
	s.Equal([]string{"config", "before", "after"}, order)
	s.EqualValues(99, seen.MaxRows())

	rejected := errors.New("read only")
	s.stmt.SetHooks(bridge.StatementHooks{
		BeforeExecute: func(ctx context.Context, req *bridge.Request) error { return rejected },
	})
	_, err = s.stmt.Execute(s.ctx, "delete from t")
	s.ErrorIs(err, rejected)
	s.backend.AssertNumberOfCalls(s.T(), "DoRequest", 1)
}

func (s *StatementTests) TestOptions() {
	for key, val := range map[string]string{
		bridge.OptionKeyMaxRows:           "25",
		bridge.OptionKeyFetchSize:         "100",
		bridge.OptionKeyQueryTimeout:      "2.5",
		bridge.OptionKeyCloseOnCompletion: bridge.OptionValueEnabled,
	} {
		s.Require().NoError(s.stmt.SetOption(key, val), key)
	}
	for key, want := range map[string]string{
		bridge.OptionKeyMaxRows:           "25",
		bridge.OptionKeyFetchSize:         "100",
		bridge.OptionKeyQueryTimeout:      "3",
		bridge.OptionKeyCloseOnCompletion: bridge.OptionValueEnabled,
	} {
		got, err := s.stmt.GetOption(key)
		s.Require().NoError(err)
		s.Equal(want, got, key)
	}

	for key, val := range map[string]string{
		bridge.OptionKeyMaxRows:           "-1",
		bridge.OptionKeyFetchSize:         "many",
		bridge.OptionKeyQueryTimeout:      "NaN",
		bridge.OptionKeyCloseOnCompletion: "maybe",
	} {
		var bridgeErr bridge.Error
		s.Require().ErrorAs(s.stmt.SetOption(key, val), &bridgeErr, key)
		s.Equal(bridge.StatusInvalidArgument, bridgeErr.Code, key)
	}
	s.Error(s.stmt.SetOption(bridge.OptionKeyQueryTimeout, "-1"))

	var bridgeErr bridge.Error
	s.Require().ErrorAs(s.stmt.SetOption("unknown", "1"), &bridgeErr)
	s.Equal(bridge.StatusNotImplemented, bridgeErr.Code)
	s.Equal("Not Implemented: Unknown statement option 'unknown'", bridgeErr.Error())
	_, err := s.stmt.GetOption("unknown")
	s.Error(err)
}

func (s *StatementTests) TestCloseOnCompletion() {
	s.respond(func(req *bridge.Request, recv bridge.Receiver) {
		_ = recv.OnUpdateCount(req, 1)
		_ = recv.OnFinish(req)
	}).Once()
	s.stmt.SetCloseOnCompletion(true)

	_, err := s.stmt.Execute(s.ctx, "update t set x = 1")
	s.Require().NoError(err)
	s.False(s.stmt.Closed())
	s.Require().Eventually(func() bool {
		return s.stmt.Container().State() == bridge.StateFinished
	}, 5*time.Second, time.Millisecond)

	more, err := s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.False(more)
	s.True(s.stmt.Closed())

	_, err = s.stmt.Execute(s.ctx, "select 1")
	s.Error(err)
}

func (s *StatementTests) TestCloseOnCompletionWithoutResponses() {
	// the backend finishes before DoRequest returns, so the statement
	// drains and closes while Execute is still running
	s.backend.On("DoRequest", mock.Anything, mock.Anything).Return(nil).
		Run(func(args mock.Arguments) {
			_ = s.backend.receiver().OnFinish(args.Get(1).(*bridge.Request))
		}).Once()
	s.stmt.SetCloseOnCompletion(true)

	isResult, err := s.stmt.Execute(s.ctx, "create table t (x)")
	s.Require().NoError(err)
	s.False(isResult)
	s.True(s.stmt.Closed())
}

func (s *StatementTests) TestDoRequestFailureAfterOnError() {
	cause := errors.New("broken pipe")
	s.backend.On("DoRequest", mock.Anything, mock.Anything).Return(cause).
		Run(func(args mock.Arguments) {
			_ = s.backend.receiver().OnError(args.Get(1).(*bridge.Request), cause)
		}).Once()

	_, err := s.stmt.Execute(s.ctx, "select 1")
	s.ErrorIs(err, cause)

	resp, err := s.stmt.CurrentResponse()
	s.Require().NoError(err)
	s.True(resp.IsError())
	more, err := s.stmt.NextResult(s.ctx)
	s.Require().NoError(err)
	s.False(more, "only the backend's error is queued")
	s.Equal(bridge.StateReady, s.stmt.Container().State())
}

// A context cancelled while the first response arrives either cancels the
// query or returns that response, never both.
func (s *StatementTests) TestContextCancelledWithResponse() {
	s.backend.On("CancelQuery", mock.Anything, mock.Anything).Return(nil).Maybe()

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(s.ctx)
		s.respond(func(req *bridge.Request, recv bridge.Receiver) {
			cancel()
			_ = recv.OnUpdateCount(req, 1)
			_ = recv.OnFinish(req)
		}).Once()

		_, err := s.stmt.Execute(ctx, "update t set x = 1")
		s.awaitSubmit()
		if err == nil {
			n, err := s.stmt.UpdateCount()
			s.Require().NoError(err)
			s.EqualValues(1, n)
			more, err := s.stmt.NextResult(s.ctx)
			s.Require().NoError(err)
			s.False(more, "no cancellation queued behind a delivered response")
		} else {
			s.Require().ErrorIs(err, bridge.ErrCancelled)
			more, err := s.stmt.NextResult(s.ctx)
			s.Require().NoError(err)
			s.False(more)
		}
		s.Require().Equal(bridge.StateReady, s.stmt.Container().State())
		cancel()
	}
}

func (s *StatementTests) TestClosePending() {
	s.respond(nil).Once()
	s.backend.On("CancelQuery", mock.Anything, mock.Anything).Return(nil).Once()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.stmt.Execute(s.ctx, "select 1")
		errCh <- err
	}()
	s.awaitSubmit()
	s.Require().Eventually(func() bool {
		return s.stmt.Phase() == bridge.PhaseWaiting
	}, 5*time.Second, time.Millisecond)

	s.Require().NoError(s.stmt.Close())
	s.Error(<-errCh)
	s.Error(s.stmt.Close())
	s.backend.AssertNumberOfCalls(s.T(), "CancelQuery", 1)
}

func TestStatementWithScheduler(t *testing.T) {
	sched := scheduler.New()
	require.NoError(t, sched.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, sched.Stop(ctx))
	}()

	backend := new(mockBackend)
	backend.On("DoRequest", mock.Anything, mock.Anything).Return(nil).Once()
	backend.On("CancelQuery", mock.Anything, mock.Anything).Return(nil).Once()
	backend.On("Close").Return(nil).Once()

	cnxn, err := bridge.NewConnection(backend, sched)
	require.NoError(t, err)
	stmt, err := cnxn.NewStatement()
	require.NoError(t, err)
	require.NoError(t, stmt.SetQueryTimeout(1))

	_, err = stmt.Execute(context.Background(), "select 1")
	assert.ErrorIs(t, err, bridge.ErrTimeout)
	backend.AssertNumberOfCalls(t, "CancelQuery", 1)
	assert.Empty(t, cnxn.PendingTimers())

	require.NoError(t, stmt.Close())
	require.NoError(t, cnxn.Close())
	backend.AssertExpectations(t)
}
