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

package adapterbase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	bridge "github.com/zycgit/dbvisitor-sub003"
	"golang.org/x/sync/errgroup"
)

// RequestFunc performs req and reports its responses to recv. ctx is
// cancelled when the request is cancelled or the runner closes; a
// RequestFunc should check it, or Cancelled, between units of work.
//
// The returned error is reported through OnError. The runner always calls
// OnFinish afterwards, so a RequestFunc must not.
type RequestFunc func(ctx context.Context, req *bridge.Request, recv bridge.Receiver) error

type task struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

type taskKey struct{}

// Runner executes RequestFuncs on their own goroutines.
type Runner struct {
	logger *slog.Logger
	group  errgroup.Group
	ctx    context.Context
	stop   context.CancelFunc

	mu      sync.Mutex
	running map[string]*task
	closed  bool
}

// NewRunner returns an open runner. A nil logger discards output.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		logger:  logger,
		ctx:     ctx,
		stop:    stop,
		running: make(map[string]*task),
	}
}

// Go starts fn for req. It fails when the runner is closed or a request
// with the same trace id is still running.
func (r *Runner) Go(req *bridge.Request, recv bridge.Receiver, fn RequestFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return bridge.Error{Msg: "backend is closed", Code: bridge.StatusInvalidState}
	}
	if _, exists := r.running[req.TraceID()]; exists {
		return bridge.Error{Msg: "request " + req.TraceID() + " is already running", Code: bridge.StatusAlreadyExists}
	}

	t := &task{}
	ctx, cancel := context.WithCancel(r.ctx)
	t.cancel = cancel
	ctx = context.WithValue(ctx, taskKey{}, t)
	r.running[req.TraceID()] = t

	r.group.Go(func() error {
		defer func() {
			r.mu.Lock()
			delete(r.running, req.TraceID())
			r.mu.Unlock()
			cancel()
		}()
		r.run(ctx, t, req, recv, fn)
		return nil
	})
	return nil
}

func (r *Runner) run(ctx context.Context, t *task, req *bridge.Request, recv bridge.Receiver, fn RequestFunc) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = bridge.Error{Msg: fmt.Sprintf("request panicked: %v", p), Code: bridge.StatusInternal}
			}
		}()
		return fn(ctx, req, recv)
	}()

	if err != nil {
		if t.cancelled.Load() {
			r.logger.Debug("request stopped after cancel", "trace_id", req.TraceID(), "error", err)
		} else {
			r.logger.Debug("request failed", "trace_id", req.TraceID(), "error", err)
		}
		if cbErr := recv.OnError(req, err); cbErr != nil {
			r.logger.Warn("OnError callback failed", "trace_id", req.TraceID(), "error", cbErr)
		}
	}
	if cbErr := recv.OnFinish(req); cbErr != nil {
		r.logger.Warn("OnFinish callback failed", "trace_id", req.TraceID(), "error", cbErr)
	}
}

// Cancel flags the request as cancelled and cancels its context. It
// reports whether the request was running.
func (r *Runner) Cancel(traceID string) bool {
	r.mu.Lock()
	t, ok := r.running[traceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancelled.Store(true)
	t.cancel()
	return true
}

// Cancelled reports whether the request owning ctx was cancelled through
// Cancel. It is false for a context not created by a Runner.
func Cancelled(ctx context.Context) bool {
	t, ok := ctx.Value(taskKey{}).(*task)
	return ok && t.cancelled.Load()
}

// Running returns the number of requests in progress.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Close cancels every running request and waits for them to return.
// Closing twice is an error.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return bridge.Error{Msg: "Trying to close already closed backend", Code: bridge.StatusInvalidState}
	}
	r.closed = true
	for _, t := range r.running {
		t.cancelled.Store(true)
	}
	r.mu.Unlock()

	r.stop()
	return r.group.Wait()
}
