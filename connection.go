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
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/exp/slices"
)

const (
	ConnectionMessageCannotCommit   = "Cannot commit when autocommit is enabled"
	ConnectionMessageCannotRollback = "Cannot rollback when autocommit is enabled"
)

func nilLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nilTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("")
}

// Connection is the boundary between statements and a Backend. It
// forwards requests and cancellations to the backend and keeps the query
// timeouts registered on a shared Scheduler, one per trace id.
type Connection struct {
	backend   Backend
	scheduler Scheduler
	logger    *slog.Logger
	tracer    trace.Tracer

	mu         sync.Mutex
	timers     map[string]TimerHandle
	autocommit bool
	closed     bool
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithLogger sets the logger shared by the connection and its statements.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for statement spans.
func WithTracer(tracer trace.Tracer) ConnectionOption {
	return func(c *Connection) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithAutocommit sets the initial autocommit flag, enabled by default. The
// backend is not called.
func WithAutocommit(enabled bool) ConnectionOption {
	return func(c *Connection) {
		c.autocommit = enabled
	}
}

// NewConnection wraps backend. The scheduler is owned by the caller and
// must be started before a statement with a timeout executes; it may be
// nil when timeouts are never used.
func NewConnection(backend Backend, sched Scheduler, opts ...ConnectionOption) (*Connection, error) {
	if backend == nil {
		return nil, invalidArgument("backend must not be nil")
	}

	cnxn := &Connection{
		backend:    backend,
		scheduler:  sched,
		logger:     nilLogger(),
		tracer:     nilTracer(),
		timers:     make(map[string]TimerHandle),
		autocommit: true,
	}
	for _, opt := range opts {
		opt(cnxn)
	}
	return cnxn, nil
}

// SetLogger replaces the logger; nil discards output.
func (c *Connection) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logger != nil {
		c.logger = logger
	} else {
		c.logger = nilLogger()
	}
}

// Logger returns the connection's logger.
func (c *Connection) Logger() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// Backend returns the wrapped backend.
func (c *Connection) Backend() Backend { return c.backend }

func (c *Connection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return invalidState("connection is closed")
	}
	return nil
}

// NewRequest builds a request for query, through the backend when it
// implements RequestBuilder.
func (c *Connection) NewRequest(query string, cfg RequestConfig) (*Request, error) {
	if builder, ok := c.backend.(RequestBuilder); ok {
		return builder.NewRequest(query, cfg)
	}
	return NewRequest(query, cfg)
}

// DoRequest submits req to the backend. Errors are wrapped with
// WrapBackendError.
func (c *Connection) DoRequest(ctx context.Context, req *Request, recv Receiver) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if req == nil || recv == nil {
		return invalidArgument("DoRequest: request and receiver must not be nil")
	}
	return WrapBackendError(c.backend.DoRequest(ctx, req, recv))
}

// CancelQuery asks the backend to stop working on req.
func (c *Connection) CancelQuery(ctx context.Context, req *Request) error {
	if req == nil {
		return invalidArgument("CancelQuery: request must not be nil")
	}
	c.Logger().Debug("cancelling query", "trace_id", req.TraceID())
	return WrapBackendError(c.backend.CancelQuery(ctx, req))
}

// StartTimer schedules action to run once after timeout for traceID. The
// registration is removed right before the action runs or by StopTimer.
func (c *Connection) StartTimer(traceID string, timeout time.Duration, action func(traceID string)) error {
	switch {
	case traceID == "":
		return invalidArgument("StartTimer: trace id must not be empty")
	case timeout <= 0:
		return invalidArgument("StartTimer: timeout must be positive, got %s", timeout)
	case action == nil:
		return invalidArgument("StartTimer: action must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return invalidState("connection is closed")
	case c.scheduler == nil:
		return invalidState("no scheduler configured, query timeouts are unavailable")
	}
	if _, exists := c.timers[traceID]; exists {
		return Error{Msg: "a timer is already registered for trace id " + traceID, Code: StatusAlreadyExists}
	}

	var handle TimerHandle
	handle, err := c.scheduler.Schedule(timeout, func() {
		c.mu.Lock()
		current, ok := c.timers[traceID]
		if ok && current == handle {
			delete(c.timers, traceID)
		}
		c.mu.Unlock()
		if ok && current == handle {
			action(traceID)
		}
	})
	if err != nil {
		return err
	}
	c.timers[traceID] = handle
	return nil
}

// StopTimer cancels the timer registered for traceID. It reports whether
// a registered action was prevented from running; stopping an unknown or
// already fired timer is a no-op.
func (c *Connection) StopTimer(traceID string) bool {
	c.mu.Lock()
	handle, ok := c.timers[traceID]
	delete(c.timers, traceID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return handle.Cancel()
}

// PendingTimers returns the trace ids with a registered timer, sorted.
func (c *Connection) PendingTimers() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.timers))
	for id := range c.timers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// NewStatement returns a statement bound to this connection.
func (c *Connection) NewStatement() (*Statement, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return newStatement(c), nil
}

// Autocommit reports the autocommit flag.
func (c *Connection) Autocommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autocommit
}

// SetAutocommit forwards to the backend's Transactor and records the flag
// when the backend accepted it.
func (c *Connection) SetAutocommit(ctx context.Context, enabled bool) error {
	txn, ok := c.backend.(Transactor)
	if !ok {
		return Error{Msg: "backend does not support transactions", Code: StatusNotImplemented}
	}
	if err := txn.SetAutocommit(ctx, enabled); err != nil {
		return WrapBackendError(err)
	}
	c.mu.Lock()
	c.autocommit = enabled
	c.mu.Unlock()
	return nil
}

func (c *Connection) Commit(ctx context.Context) error {
	if c.Autocommit() {
		return invalidState(ConnectionMessageCannotCommit)
	}
	txn, ok := c.backend.(Transactor)
	if !ok {
		return Error{Msg: "Commit", Code: StatusNotImplemented}
	}
	return WrapBackendError(txn.Commit(ctx))
}

func (c *Connection) Rollback(ctx context.Context) error {
	if c.Autocommit() {
		return invalidState(ConnectionMessageCannotRollback)
	}
	txn, ok := c.backend.(Transactor)
	if !ok {
		return Error{Msg: "Rollback", Code: StatusNotImplemented}
	}
	return WrapBackendError(txn.Rollback(ctx))
}

// Close cancels the registered timers and closes the backend. The
// scheduler is left running for its owner to stop.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return invalidState("Trying to close already closed connection")
	}
	c.closed = true
	timers := c.timers
	c.timers = make(map[string]TimerHandle)
	c.mu.Unlock()

	for _, handle := range timers {
		handle.Cancel()
	}
	return c.backend.Close()
}
