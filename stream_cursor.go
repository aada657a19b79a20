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
	"sync"

	"golang.org/x/exp/slices"
)

// StreamCursor is a Cursor fed by a producer goroutine while a consumer
// reads from another. One producer and one consumer may use it
// concurrently without further locking.
//
// Buffering is unbounded; closing the cursor drops the rows that were not
// consumed yet and makes further pushes fail with ErrCursorClosed.
type StreamCursor struct {
	columns []Column

	mu       sync.Mutex
	signal   chan struct{}
	queue    [][]any
	current  []any
	pushed   int64
	finished bool
	closed   bool
	err      error
	warnings []string
}

// NewStreamCursor returns an open cursor with the given columns.
func NewStreamCursor(columns []Column) *StreamCursor {
	return &StreamCursor{
		columns: slices.Clone(columns),
		signal:  make(chan struct{}),
	}
}

// broadcastLocked wakes every goroutine waiting on the current signal
// channel. c.mu must be held.
func (c *StreamCursor) broadcastLocked() {
	close(c.signal)
	c.signal = make(chan struct{})
}

func (c *StreamCursor) pushCheckLocked() error {
	switch {
	case c.closed:
		return ErrCursorClosed
	case c.finished:
		return ErrCursorFinished
	}
	return nil
}

// PushRow appends a row. The row must have one value per column and must
// not be modified by the caller afterwards.
func (c *StreamCursor) PushRow(row []any) error {
	if len(row) != len(c.columns) {
		return invalidArgument("row has %d values, expected %d", len(row), len(c.columns))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pushCheckLocked(); err != nil {
		return err
	}
	c.queue = append(c.queue, row)
	c.pushed++
	c.broadcastLocked()
	return nil
}

// PushFinish marks the end of the rows.
func (c *StreamCursor) PushFinish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pushCheckLocked(); err != nil {
		return err
	}
	c.finished = true
	c.broadcastLocked()
	return nil
}

// PushError ends the rows with an error that the consumer observes through
// Err once the rows buffered before it have been read.
func (c *StreamCursor) PushError(err error) error {
	if err == nil {
		return invalidArgument("nil error pushed to cursor")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if checkErr := c.pushCheckLocked(); checkErr != nil {
		return checkErr
	}
	c.finished = true
	c.err = err
	c.broadcastLocked()
	return nil
}

// AddWarning records a warning for the consumer.
func (c *StreamCursor) AddWarning(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, msg)
}

// Closed reports whether the consumer closed the cursor. Producers can
// poll it to stop early.
func (c *StreamCursor) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *StreamCursor) Columns() []Column { return slices.Clone(c.columns) }

func (c *StreamCursor) Next() bool {
	ok, _ := c.next(context.Background())
	return ok
}

// NextContext is Next with a context bounding the wait for the producer.
func (c *StreamCursor) NextContext(ctx context.Context) (bool, error) {
	return c.next(ctx)
}

func (c *StreamCursor) next(ctx context.Context) (bool, error) {
	c.mu.Lock()
	for {
		switch {
		case c.closed:
			c.current = nil
			c.mu.Unlock()
			return false, nil
		case len(c.queue) > 0:
			c.current = c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return true, nil
		case c.finished:
			c.current = nil
			c.mu.Unlock()
			return false, nil
		}

		signal := c.signal
		c.mu.Unlock()
		select {
		case <-signal:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		c.mu.Lock()
	}
}

func (c *StreamCursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		return nil
	}
	return c.err
}

func (c *StreamCursor) Value(index int) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrCursorClosed
	case c.current == nil:
		return nil, invalidState("cursor is not positioned on a row")
	case index < 0 || index >= len(c.columns):
		return nil, invalidArgument("column index %d out of range [0, %d)", index, len(c.columns))
	}
	return c.current[index], nil
}

func (c *StreamCursor) RowCountHint() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		return -1
	}
	return c.pushed
}

// Close is idempotent. Rows still buffered are discarded.
func (c *StreamCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = nil
	c.current = nil
	c.broadcastLocked()
	return nil
}

func (c *StreamCursor) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.warnings)
}

func (c *StreamCursor) ClearWarnings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = nil
}
