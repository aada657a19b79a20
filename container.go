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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Container.
type State uint8

const (
	// No request, a new one may be prepared.
	StateReady State = iota // Ready
	// A request was submitted and nothing was received yet.
	StatePending // Pending
	// At least one response was received and more may follow.
	StateReceiving // Receiving
	// The backend signalled completion. Responses may still be queued.
	StateFinished // Finished
)

// Container correlates backend callbacks to the request active on one
// statement slot and queues the responses in arrival order. It implements
// Receiver.
//
// The owning statement calls Prepare and the read methods; backends call
// the Receiver methods from any goroutine. A callback carrying a request
// other than the active one, or arriving after the active request was
// finished or aborted, is logged and dropped.
type Container struct {
	logger *slog.Logger

	mu      sync.Mutex
	signal  chan struct{}
	state   State
	request *Request
	// sealed is set once the active request finished or was aborted.
	sealed      bool
	queue       []Response
	paramDefs   []Arg
	paramValues map[string]any

	onTerminal func(*Request)
	onDrained  func()
}

var _ Receiver = (*Container)(nil)

// NewContainer returns a Ready container. A nil logger discards output.
func NewContainer(logger *slog.Logger) *Container {
	if logger == nil {
		logger = nilLogger()
	}
	return &Container{
		logger: logger,
		signal: make(chan struct{}),
	}
}

// SetTerminalHook registers fn to be called, outside of any lock, when the
// active request finishes through OnFinish or OnFinishUntraced.
func (c *Container) SetTerminalHook(fn func(*Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTerminal = fn
}

// SetDrainedHook registers fn to be called when a finished request has
// been fully consumed and the container returned to Ready.
func (c *Container) SetDrainedHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrained = fn
}

// State returns the current state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Request returns the active request, nil when Ready.
func (c *Container) Request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.request
}

// Prepare makes req the active request. It fails with ErrQueryPending
// unless the container is Ready or Finished. Cursors still held by the
// previous request's responses are closed.
func (c *Container) Prepare(req *Request) error {
	if req == nil {
		return invalidArgument("Prepare: request must not be nil")
	}

	c.mu.Lock()
	if c.state != StateReady && c.state != StateFinished {
		c.mu.Unlock()
		return ErrQueryPending
	}
	previous := c.queue
	c.queue = nil
	c.request = req
	c.state = StatePending
	c.sealed = false
	c.paramDefs = req.OutputArgs()
	c.paramValues = make(map[string]any, len(c.paramDefs))
	c.broadcastLocked()
	c.mu.Unlock()

	for _, resp := range previous {
		if err := resp.release(); err != nil {
			c.logger.Debug("failed to close superseded cursor", "error", err)
		}
	}
	return nil
}

func (c *Container) broadcastLocked() {
	close(c.signal)
	c.signal = make(chan struct{})
}

// acceptLocked reports whether a callback for req may mutate the
// container, logging the reason when it may not.
func (c *Container) acceptLocked(callback string, req *Request) bool {
	if c.request == nil {
		c.logger.Debug("discarding callback, no active request",
			"callback", callback, "trace_id", req.TraceID())
		return false
	}
	if c.request.TraceID() != req.TraceID() {
		c.logger.Debug("discarding callback for inactive request",
			"callback", callback,
			"trace_id", req.TraceID(),
			"active_trace_id", c.request.TraceID(),
			"state", c.state.String())
		return false
	}
	if c.sealed {
		c.logger.Debug("discarding callback after completion",
			"callback", callback, "trace_id", req.TraceID(), "state", c.state.String())
		return false
	}
	return true
}

func (c *Container) appendLocked(resp Response) {
	c.queue = append(c.queue, resp)
	c.state = StateReceiving
	c.broadcastLocked()
}

func (c *Container) OnError(req *Request, err error) error {
	switch {
	case req == nil:
		return invalidArgument("OnError: request must not be nil")
	case err == nil:
		return invalidArgument("OnError: error must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptLocked("OnError", req) {
		c.appendLocked(Response{Kind: ResponseError, Err: WrapBackendError(err)})
	}
	return nil
}

func (c *Container) OnResult(req *Request, cursor Cursor) error {
	switch {
	case req == nil:
		return invalidArgument("OnResult: request must not be nil")
	case cursor == nil:
		return invalidArgument("OnResult: cursor must not be nil")
	}

	c.mu.Lock()
	if !c.acceptLocked("OnResult", req) {
		c.mu.Unlock()
		// nobody will ever read it, let the producer stop
		return cursor.Close()
	}
	tracked := &trackedCursor{Cursor: cursor, owner: c, traceID: req.TraceID()}
	c.appendLocked(Response{Kind: ResponseResult, Cursor: tracked, Columns: cursor.Columns()})
	c.mu.Unlock()
	return nil
}

func (c *Container) OnUpdateCount(req *Request, count int64) error {
	if req == nil {
		return invalidArgument("OnUpdateCount: request must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptLocked("OnUpdateCount", req) {
		c.appendLocked(Response{Kind: ResponseUpdateCount, UpdateCount: count})
	}
	return nil
}

func (c *Container) OnOutParameter(req *Request, name, typeName string, value any) error {
	switch {
	case req == nil:
		return invalidArgument("OnOutParameter: request must not be nil")
	case name == "":
		return invalidArgument("OnOutParameter: parameter name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acceptLocked("OnOutParameter", req) {
		return nil
	}
	if !c.hasParamDefLocked(name) {
		c.paramDefs = append(c.paramDefs, Arg{Name: name, Mode: ArgModeOut, TypeName: typeName})
	}
	c.paramValues[name] = value
	c.appendLocked(Response{
		Kind:       ResponseOutParameter,
		ParamName:  name,
		ParamType:  typeName,
		ParamValue: value,
	})
	return nil
}

func (c *Container) hasParamDefLocked(name string) bool {
	for _, def := range c.paramDefs {
		if def.Name == name {
			return true
		}
	}
	return false
}

func (c *Container) OnFinish(req *Request) error {
	if req == nil {
		return invalidArgument("OnFinish: request must not be nil")
	}

	c.mu.Lock()
	if !c.acceptLocked("OnFinish", req) {
		c.mu.Unlock()
		return nil
	}
	c.finishLocked()
	c.unlockAndNotify(req, c.settleLocked())
	return nil
}

func (c *Container) OnFinishUntraced() {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return
	}
	req := c.request
	c.finishLocked()
	c.unlockAndNotify(req, c.settleLocked())
}

// Abort ends the active request with err as its last response. Later
// callbacks for the request are dropped. It reports false when req is not
// the active request or the request already completed.
//
// Abort does not run the terminal hook; the caller owns the cleanup of an
// aborted request.
func (c *Container) Abort(req *Request, err error) bool {
	if req == nil || err == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acceptLocked("Abort", req) {
		return false
	}
	c.queue = append(c.queue, Response{Kind: ResponseError, Err: err})
	c.finishLocked()
	return true
}

// Fail ends the active request after its submission failed. When the
// backend already reported an error for the request, that error stays its
// only error response and err is not queued. It reports whether err was
// queued.
func (c *Container) Fail(req *Request, err error) bool {
	if req == nil || err == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acceptLocked("Fail", req) {
		return false
	}
	for _, resp := range c.queue {
		if resp.Kind == ResponseError {
			c.finishLocked()
			return false
		}
	}
	c.queue = append(c.queue, Response{Kind: ResponseError, Err: err})
	c.finishLocked()
	return true
}

func (c *Container) finishLocked() {
	c.state = StateFinished
	c.sealed = true
	c.broadcastLocked()
}

// drainedLocked reports whether nothing is left for the caller to
// consume: the queue is empty, or holds only a result whose cursor was
// already closed.
func (c *Container) drainedLocked() bool {
	switch len(c.queue) {
	case 0:
		return true
	case 1:
		tracked, ok := c.queue[0].Cursor.(*trackedCursor)
		return ok && tracked.closed.Load()
	}
	return false
}

// settleLocked moves a drained Finished container back to Ready and
// reports whether it did.
func (c *Container) settleLocked() bool {
	if c.state != StateFinished || !c.drainedLocked() {
		return false
	}
	c.state = StateReady
	c.request = nil
	c.broadcastLocked()
	return true
}

// unlockAndNotify releases c.mu and runs the hooks for a request that
// just reached a terminal state.
func (c *Container) unlockAndNotify(req *Request, drained bool) {
	onTerminal, onDrained := c.onTerminal, c.onDrained
	c.mu.Unlock()
	if onTerminal != nil && req != nil {
		onTerminal(req)
	}
	if drained && onDrained != nil {
		onDrained()
	}
}

func (c *Container) cursorClosed(traceID string) {
	c.mu.Lock()
	if c.request == nil || c.request.TraceID() != traceID || !c.settleLocked() {
		c.mu.Unlock()
		return
	}
	onDrained := c.onDrained
	c.mu.Unlock()
	if onDrained != nil {
		onDrained()
	}
}

// release drops the active request and every queued response, closing
// their cursors, and returns the container to Ready. Later callbacks for
// the dropped request are discarded. No hook runs.
func (c *Container) release() {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.request = nil
	c.sealed = true
	c.state = StateReady
	c.broadcastLocked()
	c.mu.Unlock()

	for _, resp := range queue {
		if err := resp.release(); err != nil {
			c.logger.Debug("failed to close released cursor", "error", err)
		}
	}
}

// WaitFor blocks until the active request leaves Pending, which happens on
// the first response, on completion or on abort. A timeout of 0 waits
// without bound. It reports false if the timeout elapsed first and
// returns the context's error if ctx is done first.
//
// WaitFor does not wait for completion: callers that need every response
// keep reading with NextResult.
func (c *Container) WaitFor(ctx context.Context, timeout time.Duration) (bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	c.mu.Lock()
	for c.state == StatePending {
		signal := c.signal
		c.mu.Unlock()
		select {
		case <-signal:
		case <-expired:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
		c.mu.Lock()
	}
	c.mu.Unlock()
	return true, nil
}

// FirstResponse returns the response at the head of the queue. It fails
// with ErrQueryPending while nothing has arrived for an unfinished request
// and with ErrNoResults once a request finished without responses.
func (c *Container) FirstResponse() (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		return c.queue[0], nil
	}
	switch c.state {
	case StatePending, StateReceiving:
		return Response{}, ErrQueryPending
	}
	return Response{}, ErrNoResults
}

// NextResult discards the head of the queue, closing its cursor, and
// reports whether another response is available. While the request is
// still running and the queue is empty it waits for the next response or
// for completion.
func (c *Container) NextResult(ctx context.Context) (bool, error) {
	c.mu.Lock()
	var head Response
	popped := len(c.queue) > 0
	if popped {
		head = c.queue[0]
		c.queue[0] = Response{}
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()

	if popped {
		if err := head.release(); err != nil {
			c.logger.Debug("failed to close cursor", "error", err)
		}
	}

	c.mu.Lock()
	for len(c.queue) == 0 && (c.state == StatePending || c.state == StateReceiving) {
		signal := c.signal
		c.mu.Unlock()
		select {
		case <-signal:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		c.mu.Lock()
	}
	more := len(c.queue) > 0
	if !c.settleLocked() {
		c.mu.Unlock()
		return more, nil
	}
	onDrained := c.onDrained
	c.mu.Unlock()
	if onDrained != nil {
		onDrained()
	}
	return more, nil
}

// OutParameters returns a single row cursor with the output parameters of
// the active or last request, in registration order followed by any
// parameter the backend reported without registration. Parameters without
// a reported value are nil. Without output parameters the cursor is empty.
func (c *Container) OutParameters() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.paramDefs) == 0 {
		return EmptyCursor()
	}

	columns := make([]Column, len(c.paramDefs))
	row := make([]any, len(c.paramDefs))
	for i, def := range c.paramDefs {
		columns[i] = Column{Name: def.Name, TypeName: def.TypeName}
		row[i] = c.paramValues[def.Name]
	}
	cursor, _ := NewMemoryCursor(columns, [][]any{row})
	return cursor
}

// trackedCursor reports its closing to the container that queued it.
type trackedCursor struct {
	Cursor
	owner   *Container
	traceID string
	closed  atomic.Bool
}

func (t *trackedCursor) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.Cursor.Close()
	t.owner.cursorClosed(t.traceID)
	return err
}

// Unwrap returns the cursor provided by the backend.
func (t *trackedCursor) Unwrap() Cursor { return t.Cursor }

// UnwrapCursor returns the cursor a backend passed to OnResult for a
// cursor obtained from a Response.
func UnwrapCursor(c Cursor) Cursor {
	if u, ok := c.(interface{ Unwrap() Cursor }); ok {
		return u.Unwrap()
	}
	return c
}
