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

// Package scheduler provides the one-shot timer service connections use
// to enforce query timeouts. A Scheduler is created explicitly, started,
// shared by any number of connections and stopped by its owner.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	bridge "github.com/zycgit/dbvisitor-sub003"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// Scheduler runs actions after a delay on their own goroutine. It
// implements bridge.Scheduler.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	state   state
	nextID  uint64
	pending map[uint64]*timer
	running sync.WaitGroup
}

var _ bridge.Scheduler = (*Scheduler)(nil)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used to report panicking actions.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a scheduler that must be started before use.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(map[uint64]*timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start allows actions to be scheduled. Starting twice is an error, as is
// starting a stopped scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return bridge.Error{Msg: "scheduler already started", Code: bridge.StatusInvalidState}
	case stateStopped:
		return bridge.Error{Msg: "scheduler was stopped", Code: bridge.StatusInvalidState}
	}
	s.state = stateRunning
	return nil
}

// Stop cancels every pending action and waits, bounded by ctx, for the
// actions already running to return. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.state = stateStopped
	pending := s.pending
	s.pending = make(map[uint64]*timer)
	s.mu.Unlock()

	for _, t := range pending {
		if t.t.Stop() {
			s.running.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of actions waiting to run.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Schedule runs action once after delay. It fails unless the scheduler is
// running.
func (s *Scheduler) Schedule(delay time.Duration, action func()) (bridge.TimerHandle, error) {
	if action == nil {
		return nil, bridge.Error{Msg: "scheduled action must not be nil", Code: bridge.StatusInvalidArgument}
	}
	if delay < 0 {
		return nil, bridge.Error{
			Msg:  fmt.Sprintf("invalid delay %s: must be non-negative", delay),
			Code: bridge.StatusInvalidArgument,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return nil, bridge.Error{Msg: "scheduler is not running", Code: bridge.StatusInvalidState}
	}

	s.nextID++
	t := &timer{id: s.nextID, owner: s}
	// counts the action as running from now on so that Stop waits for it
	// unless the timer is stopped first
	s.running.Add(1)
	t.t = time.AfterFunc(delay, func() { s.fire(t, action) })
	s.pending[t.id] = t
	return t, nil
}

func (s *Scheduler) fire(t *timer, action func()) {
	defer s.running.Done()

	s.mu.Lock()
	_, live := s.pending[t.id]
	delete(s.pending, t.id)
	s.mu.Unlock()
	if !live {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled action panicked", "timer_id", t.id, "panic", r)
		}
	}()
	action()
}

type timer struct {
	id    uint64
	owner *Scheduler
	t     *time.Timer
}

func (t *timer) Cancel() bool {
	s := t.owner
	s.mu.Lock()
	_, live := s.pending[t.id]
	delete(s.pending, t.id)
	s.mu.Unlock()
	if !live {
		return false
	}
	if t.t.Stop() {
		s.running.Done()
	}
	return true
}
