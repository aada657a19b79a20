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

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/maps"
)

const (
	StatementMessageOptionUnknown = "Unknown statement option"
	StatementMessageClosed        = "statement is closed"
)

// Phase is the position of a Statement in its execute sequence.
type Phase uint8

const (
	PhaseIdle       Phase = iota // Idle
	PhaseSubmitting              // Submitting
	PhaseWaiting                 // Waiting
	PhaseDraining                // Draining
)

// StatementHooks are optional callbacks run around every execution.
type StatementHooks struct {
	// ConfigRequest may adjust the settings of the request about to be
	// built. Returning an error aborts the execution before submission.
	ConfigRequest func(cfg *RequestConfig) error
	// BeforeExecute runs after the request was prepared and before it is
	// handed to the backend.
	BeforeExecute func(ctx context.Context, req *Request) error
	// AfterExecute runs once Execute is about to return.
	AfterExecute func(ctx context.Context, req *Request, err error)
}

// execution is the bookkeeping for one submitted request.
type execution struct {
	req *Request
	// terminated guards the single timeout or cancellation of the request
	terminated sync.Once
	// completed is set when draining this request closed the statement
	completed atomic.Bool
}

// Statement runs queries on a Connection one at a time. It owns a
// Container that collects the backend's responses.
//
// Execute, the read methods and NextResult must not be called
// concurrently. Cancel may be called from another goroutine while Execute
// is blocked.
type Statement struct {
	cnxn      *Connection
	container *Container
	logger    *slog.Logger
	tracer    trace.Tracer

	// execMu serializes Execute and the result reading methods
	execMu sync.Mutex

	mu                sync.Mutex
	maxRows           int64
	fetchSize         int
	timeout           int
	closeOnCompletion bool
	args              map[string]Arg
	hooks             StatementHooks
	phase             Phase
	exec              *execution
	closed            bool
}

func newStatement(cnxn *Connection) *Statement {
	logger := cnxn.Logger()
	st := &Statement{
		cnxn:      cnxn,
		container: NewContainer(logger),
		logger:    logger,
		tracer:    cnxn.tracer,
		args:      make(map[string]Arg),
	}
	st.container.SetTerminalHook(func(req *Request) {
		cnxn.StopTimer(req.TraceID())
	})
	st.container.SetDrainedHook(st.onDrained)
	return st
}

// Container exposes the statement's response container.
func (st *Statement) Container() *Container { return st.container }

// SetHooks replaces the execution hooks.
func (st *Statement) SetHooks(hooks StatementHooks) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.hooks = hooks
}

func (st *Statement) SetMaxRows(n int64) error {
	if n < 0 {
		return invalidArgument("max rows must be non-negative, got %d", n)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.maxRows = n
	return nil
}

func (st *Statement) SetFetchSize(n int) error {
	if n < 0 {
		return invalidArgument("fetch size must be non-negative, got %d", n)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.fetchSize = n
	return nil
}

// SetQueryTimeout sets the timeout in seconds, 0 to wait forever.
func (st *Statement) SetQueryTimeout(seconds int) error {
	if seconds < 0 {
		return invalidArgument("query timeout must be non-negative, got %d", seconds)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.timeout = seconds
	return nil
}

// SetCloseOnCompletion makes the statement close itself once the results
// of an execution are fully consumed.
func (st *Statement) SetCloseOnCompletion(enabled bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closeOnCompletion = enabled
}

func (st *Statement) SetOption(key, val string) error {
	switch strings.ToLower(key) {
	case OptionKeyMaxRows:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return invalidArgument("invalid value %s for option %s: %s", val, key, err)
		}
		return st.SetMaxRows(n)
	case OptionKeyFetchSize:
		n, err := strconv.Atoi(val)
		if err != nil {
			return invalidArgument("invalid value %s for option %s: %s", val, key, err)
		}
		return st.SetFetchSize(n)
	case OptionKeyQueryTimeout:
		seconds, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return invalidArgument("invalid timeout option value %s = %s: %s", key, val, err)
		}
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
			return invalidArgument("invalid timeout option value %s = %f: timeouts must be non-negative and finite", key, seconds)
		}
		// whole seconds, rounded up so that a fractional timeout never
		// becomes "no timeout"
		return st.SetQueryTimeout(int(math.Ceil(seconds)))
	case OptionKeyCloseOnCompletion:
		switch val {
		case OptionValueEnabled:
			st.SetCloseOnCompletion(true)
		case OptionValueDisabled:
			st.SetCloseOnCompletion(false)
		default:
			return invalidArgument("cannot set value %s for key %s", val, key)
		}
		return nil
	}
	return Error{Msg: fmt.Sprintf("%s '%s'", StatementMessageOptionUnknown, key), Code: StatusNotImplemented}
}

func (st *Statement) GetOption(key string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch strings.ToLower(key) {
	case OptionKeyMaxRows:
		return strconv.FormatInt(st.maxRows, 10), nil
	case OptionKeyFetchSize:
		return strconv.Itoa(st.fetchSize), nil
	case OptionKeyQueryTimeout:
		return strconv.Itoa(st.timeout), nil
	case OptionKeyCloseOnCompletion:
		if st.closeOnCompletion {
			return OptionValueEnabled, nil
		}
		return OptionValueDisabled, nil
	}
	return "", Error{Msg: fmt.Sprintf("%s '%s'", StatementMessageOptionUnknown, key), Code: StatusNotFound}
}

// Bind sets an input argument. Positional arguments use PositionalName.
func (st *Statement) Bind(name string, value any) error {
	if name == "" {
		return invalidArgument("argument name must not be empty")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	arg := st.args[name]
	arg.Name, arg.Value = name, value
	if arg.Mode == ArgModeOut {
		arg.Mode = ArgModeInOut
	}
	st.args[name] = arg
	return nil
}

// RegisterOutParameter declares an output parameter the backend reports
// through OnOutParameter. A parameter that is also bound becomes InOut.
func (st *Statement) RegisterOutParameter(name, typeName string) error {
	if name == "" {
		return invalidArgument("parameter name must not be empty")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	arg, bound := st.args[name]
	arg.Name, arg.TypeName = name, typeName
	if bound && arg.Mode != ArgModeOut {
		arg.Mode = ArgModeInOut
	} else {
		arg.Mode = ArgModeOut
	}
	st.args[name] = arg
	return nil
}

// ClearArgs removes every bound argument and registered output parameter.
func (st *Statement) ClearArgs() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.args = make(map[string]Arg)
}

// Phase returns the position in the execute sequence.
func (st *Statement) Phase() Phase {
	st.mu.Lock()
	phase := st.phase
	st.mu.Unlock()
	if phase == PhaseDraining && st.container.State() == StateReady {
		return PhaseIdle
	}
	return phase
}

func (st *Statement) setPhase(phase Phase) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.phase = phase
}

func (st *Statement) requestConfig() (RequestConfig, StatementHooks, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return RequestConfig{}, StatementHooks{}, invalidState(StatementMessageClosed)
	}
	return RequestConfig{
		MaxRows:   st.maxRows,
		FetchSize: st.fetchSize,
		Timeout:   st.timeout,
		Args:      maps.Clone(st.args),
	}, st.hooks, nil
}

// Execute submits query and waits for its first response. It reports true
// when the first response is a result cursor and false for an update
// count or an output parameter; an error response is returned as the
// error. Further responses are reached with NextResult.
func (st *Statement) Execute(ctx context.Context, query string) (isResult bool, err error) {
	st.execMu.Lock()
	defer st.execMu.Unlock()

	ctx, span := st.tracer.Start(ctx, "Statement.Execute")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	cfg, hooks, err := st.requestConfig()
	if err != nil {
		return false, err
	}
	if state := st.container.State(); state != StateReady && state != StateFinished {
		return false, ErrQueryPending
	}
	if hooks.ConfigRequest != nil {
		if err := hooks.ConfigRequest(&cfg); err != nil {
			return false, err
		}
	}

	req, err := st.cnxn.NewRequest(query, cfg)
	if err != nil {
		return false, err
	}
	span.SetAttributes(
		attribute.String("bridge.trace_id", req.TraceID()),
		attribute.String("db.query.text", req.SQL()),
		attribute.Int("bridge.query_timeout", req.Timeout()),
	)
	if hooks.AfterExecute != nil {
		defer func() { hooks.AfterExecute(ctx, req, err) }()
	}

	if err := st.container.Prepare(req); err != nil {
		return false, err
	}
	exec := &execution{req: req}
	st.mu.Lock()
	st.exec = exec
	st.phase = PhaseSubmitting
	st.mu.Unlock()

	if hooks.BeforeExecute != nil {
		if err := hooks.BeforeExecute(ctx, req); err != nil {
			st.container.Abort(req, err)
			st.setPhase(PhaseDraining)
			return false, err
		}
	}

	timeout := time.Duration(req.Timeout()) * time.Second
	if timeout > 0 {
		err := st.cnxn.StartTimer(req.TraceID(), timeout, func(string) {
			st.onTimeoutFire(exec)
		})
		if err != nil {
			st.container.Abort(req, err)
			st.setPhase(PhaseDraining)
			return false, err
		}
	}

	st.logger.DebugContext(ctx, "submitting request", "trace_id", req.TraceID(), "timeout", req.Timeout())
	if err := st.cnxn.DoRequest(ctx, req, st.container); err != nil {
		st.cnxn.StopTimer(req.TraceID())
		st.container.Fail(req, err)
		st.setPhase(PhaseDraining)
		return false, err
	}

	st.setPhase(PhaseWaiting)
	woken, waitErr := st.container.WaitFor(ctx, timeout)
	switch {
	case waitErr != nil:
		// the caller gave up, treat it like an explicit cancellation
		if cancelErr := st.terminate(context.WithoutCancel(ctx), exec, WrapBackendError(waitErr)); cancelErr != nil {
			st.logger.WarnContext(ctx, "cancelling abandoned query failed", "trace_id", req.TraceID(), "error", cancelErr)
		}
	case !woken:
		// our own bound elapsed at about the same time as the timer; the
		// shared once makes sure only one of them cancels the query
		st.onTimeoutFire(exec)
	}
	st.setPhase(PhaseDraining)

	resp, err := st.container.FirstResponse()
	switch {
	case errors.Is(err, ErrNoResults) && st.Closed() && !exec.completed.Load():
		return false, invalidState(StatementMessageClosed)
	case errors.Is(err, ErrNoResults):
		// finished without producing anything
		return false, nil
	case err != nil:
		return false, err
	}
	switch resp.Kind {
	case ResponseError:
		return false, resp.Err
	case ResponseResult:
		return true, nil
	}
	return false, nil
}

// onTimeoutFire cancels the query if it has not produced anything yet.
func (st *Statement) onTimeoutFire(exec *execution) {
	exec.terminated.Do(func() {
		if st.container.State() != StatePending || st.container.Request() != exec.req {
			return
		}
		st.logger.Debug("query timed out", "trace_id", exec.req.TraceID())
		st.cnxn.StopTimer(exec.req.TraceID())
		if err := st.cnxn.CancelQuery(context.Background(), exec.req); err != nil {
			st.logger.Warn("cancelling timed out query failed", "trace_id", exec.req.TraceID(), "error", err)
		}
		st.container.Abort(exec.req, ErrTimeout)
	})
}

// terminate stops the timer, asks the backend to cancel and injects
// cause as the request's final response.
func (st *Statement) terminate(ctx context.Context, exec *execution, cause error) (err error) {
	exec.terminated.Do(func() {
		if st.container.State() != StatePending || st.container.Request() != exec.req {
			return
		}
		st.cnxn.StopTimer(exec.req.TraceID())
		err = st.cnxn.CancelQuery(ctx, exec.req)
		st.container.Abort(exec.req, cause)
	})
	return
}

// Cancel stops the pending query. It fails with ErrNothingToCancel unless
// a request was submitted and nothing was received for it yet, in which
// case the backend is not called.
func (st *Statement) Cancel(ctx context.Context) (err error) {
	ctx, span := st.tracer.Start(ctx, "Statement.Cancel")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	st.mu.Lock()
	exec := st.exec
	st.mu.Unlock()
	if exec == nil || st.container.State() != StatePending || st.container.Request() != exec.req {
		return ErrNothingToCancel
	}
	span.SetAttributes(attribute.String("bridge.trace_id", exec.req.TraceID()))
	return st.terminate(ctx, exec, ErrCancelled)
}

// ExecuteQuery executes query and returns its result cursor.
func (st *Statement) ExecuteQuery(ctx context.Context, query string) (Cursor, error) {
	isResult, err := st.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	if !isResult {
		return nil, invalidState("query did not produce a result set: %s", query)
	}
	return st.ResultCursor()
}

// ExecuteUpdate executes query and returns its update count, -1 when the
// backend reported only output parameters. A result cursor is an error.
func (st *Statement) ExecuteUpdate(ctx context.Context, query string) (int64, error) {
	isResult, err := st.Execute(ctx, query)
	if err != nil {
		return -1, err
	}
	if isResult {
		return -1, invalidState("query produced a result set, use ExecuteQuery: %s", query)
	}
	return st.UpdateCount()
}

// ResultCursor returns the cursor of the current response.
func (st *Statement) ResultCursor() (Cursor, error) {
	resp, err := st.container.FirstResponse()
	switch {
	case err != nil:
		return nil, err
	case resp.Kind == ResponseError:
		return nil, resp.Err
	case resp.Kind != ResponseResult:
		return nil, invalidState("current result is %s, not a result set", resp.Kind)
	}
	return resp.Cursor, nil
}

// UpdateCount returns the update count of the current response, or -1
// when the current response is not an update count.
func (st *Statement) UpdateCount() (int64, error) {
	resp, err := st.container.FirstResponse()
	switch {
	case errors.Is(err, ErrNoResults):
		return -1, nil
	case err != nil:
		return -1, err
	case resp.Kind == ResponseError:
		return -1, resp.Err
	case resp.Kind != ResponseUpdateCount:
		return -1, nil
	}
	return resp.UpdateCount, nil
}

// CurrentResponse returns the response at the head of the queue.
func (st *Statement) CurrentResponse() (Response, error) {
	return st.container.FirstResponse()
}

// NextResult closes the current response and moves to the next one,
// reporting whether there is one.
func (st *Statement) NextResult(ctx context.Context) (bool, error) {
	st.execMu.Lock()
	defer st.execMu.Unlock()
	return st.container.NextResult(ctx)
}

// OutParameters returns the output parameters of the last execution as a
// single row cursor, empty when there are none.
func (st *Statement) OutParameters() Cursor {
	return st.container.OutParameters()
}

func (st *Statement) onDrained() {
	st.mu.Lock()
	closeNow := st.closeOnCompletion && !st.closed
	if closeNow && st.exec != nil {
		st.exec.completed.Store(true)
	}
	st.mu.Unlock()
	if closeNow {
		if err := st.Close(); err != nil {
			st.logger.Debug("close on completion failed", "error", err)
		}
	}
}

// Closed reports whether Close was called.
func (st *Statement) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// Close cancels a query that is still pending and releases the queued
// responses. Closing twice is an error.
func (st *Statement) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return invalidState("Trying to close already closed statement")
	}
	st.closed = true
	exec := st.exec
	st.mu.Unlock()

	var err error
	if exec != nil {
		st.cnxn.StopTimer(exec.req.TraceID())
		if st.container.State() == StatePending && st.container.Request() == exec.req {
			err = st.terminate(context.Background(), exec, ErrCancelled)
		}
	}
	st.container.release()
	return err
}
