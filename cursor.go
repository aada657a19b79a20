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

import "golang.org/x/exp/slices"

// Column describes one column of a result. Two columns are equal when all
// of their fields are equal.
type Column struct {
	Name     string
	TypeName string
	Table    string
	Catalog  string
	Schema   string
}

// Cursor is a forward-only row source. Values are opaque to the bridge
// and passed through as produced by the backend.
//
// Next advances to the following row and reports false once there are no
// more rows or an error occurred; Err distinguishes the two. A cursor is
// consumed once and must be closed.
type Cursor interface {
	Columns() []Column
	Next() bool
	Err() error
	// Value returns the value at the 0-based column index of the current
	// row.
	Value(index int) (any, error)
	// RowCountHint returns the number of rows if known, or -1.
	RowCountHint() int64
	Close() error
	Warnings() []string
	ClearWarnings()
}

// MemoryCursor is a Cursor over rows that are already materialized. It is
// not safe for concurrent use.
type MemoryCursor struct {
	columns  []Column
	rows     [][]any
	pos      int
	closed   bool
	warnings []string
}

// NewMemoryCursor returns a cursor over rows. Every row must have one
// value per column.
func NewMemoryCursor(columns []Column, rows [][]any) (*MemoryCursor, error) {
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, invalidArgument("row %d has %d values, expected %d", i, len(row), len(columns))
		}
	}
	return &MemoryCursor{columns: slices.Clone(columns), rows: rows, pos: -1}, nil
}

// EmptyCursor returns a cursor with the given columns and no rows.
func EmptyCursor(columns ...Column) *MemoryCursor {
	return &MemoryCursor{columns: columns, pos: -1}
}

func (c *MemoryCursor) Columns() []Column { return slices.Clone(c.columns) }

func (c *MemoryCursor) Next() bool {
	if c.closed || c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return c.pos < len(c.rows)
}

func (c *MemoryCursor) Err() error { return nil }

func (c *MemoryCursor) Value(index int) (any, error) {
	switch {
	case c.closed:
		return nil, ErrCursorClosed
	case c.pos < 0 || c.pos >= len(c.rows):
		return nil, invalidState("cursor is not positioned on a row")
	case index < 0 || index >= len(c.columns):
		return nil, invalidArgument("column index %d out of range [0, %d)", index, len(c.columns))
	}
	return c.rows[c.pos][index], nil
}

func (c *MemoryCursor) RowCountHint() int64 { return int64(len(c.rows)) }

func (c *MemoryCursor) Close() error {
	c.closed = true
	return nil
}

// AddWarning records a warning reported while producing the rows.
func (c *MemoryCursor) AddWarning(msg string) { c.warnings = append(c.warnings, msg) }

func (c *MemoryCursor) Warnings() []string { return slices.Clone(c.warnings) }

func (c *MemoryCursor) ClearWarnings() { c.warnings = nil }
