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

package arrowcursor

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	bridge "github.com/zycgit/dbvisitor-sub003"
)

// Cursor exposes the rows of an Arrow record reader as a bridge.Cursor.
type Cursor struct {
	rdr     array.RecordReader
	columns []bridge.Column

	rec      arrow.Record
	row      int
	err      error
	closed   bool
	warnings []string
}

var _ bridge.Cursor = (*Cursor)(nil)

// NewCursor retains rdr until the cursor is closed.
func NewCursor(rdr array.RecordReader) *Cursor {
	rdr.Retain()
	return &Cursor{rdr: rdr, columns: ColumnsOf(rdr.Schema())}
}

func (c *Cursor) Columns() []bridge.Column {
	out := make([]bridge.Column, len(c.columns))
	copy(out, c.columns)
	return out
}

func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.rec != nil {
		c.row++
		if int64(c.row) < c.rec.NumRows() {
			return true
		}
		c.rec = nil
	}

	for c.rec == nil {
		if !c.rdr.Next() {
			c.err = c.rdr.Err()
			return false
		}
		c.rec = c.rdr.Record()
		c.row = 0
		if c.rec.NumRows() == 0 {
			c.rec = nil
		}
	}
	return true
}

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Value(index int) (any, error) {
	switch {
	case c.closed:
		return nil, bridge.ErrCursorClosed
	case c.rec == nil:
		return nil, bridge.Error{Msg: "cursor is not positioned on a row", Code: bridge.StatusInvalidState}
	case index < 0 || index >= int(c.rec.NumCols()):
		return nil, bridge.Error{Msg: "column index out of range", Code: bridge.StatusInvalidArgument}
	}
	return valueAt(c.rec.Column(index), c.row)
}

func (c *Cursor) RowCountHint() int64 { return -1 }

func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.rec = nil
	c.rdr.Release()
	return nil
}

// AddWarning records a warning for the consumer.
func (c *Cursor) AddWarning(msg string) { c.warnings = append(c.warnings, msg) }

func (c *Cursor) Warnings() []string {
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func (c *Cursor) ClearWarnings() { c.warnings = nil }

// valueAt returns the Go value at row of col.
func valueAt(col arrow.Array, row int) (any, error) {
	if col.IsNull(row) {
		return nil, nil
	}
	if colUnion, ok := col.(array.Union); ok {
		col = colUnion.Field(colUnion.ChildID(row))
	}
	switch col := col.(type) {
	case *array.Boolean:
		return col.Value(row), nil
	case *array.Int8:
		return col.Value(row), nil
	case *array.Uint8:
		return col.Value(row), nil
	case *array.Int16:
		return col.Value(row), nil
	case *array.Uint16:
		return col.Value(row), nil
	case *array.Int32:
		return col.Value(row), nil
	case *array.Uint32:
		return col.Value(row), nil
	case *array.Int64:
		return col.Value(row), nil
	case *array.Uint64:
		return col.Value(row), nil
	case *array.Float32:
		return col.Value(row), nil
	case *array.Float64:
		return col.Value(row), nil
	case *array.String:
		return col.Value(row), nil
	case *array.LargeString:
		return col.Value(row), nil
	case *array.Binary:
		// the buffer belongs to the record
		return append([]byte(nil), col.Value(row)...), nil
	case *array.LargeBinary:
		return append([]byte(nil), col.Value(row)...), nil
	case *array.Date32:
		return col.Value(row).ToTime(), nil
	case *array.Date64:
		return col.Value(row).ToTime(), nil
	case *array.Time32:
		return col.Value(row).ToTime(col.DataType().(*arrow.Time32Type).Unit), nil
	case *array.Time64:
		return col.Value(row).ToTime(col.DataType().(*arrow.Time64Type).Unit), nil
	case *array.Timestamp:
		return col.Value(row).ToTime(col.DataType().(*arrow.TimestampType).Unit), nil
	case *array.Decimal128:
		return col.Value(row), nil
	case *array.Decimal256:
		return col.Value(row), nil
	}
	return nil, bridge.Error{
		Code: bridge.StatusNotImplemented,
		Msg:  "not yet implemented populating from columns of type " + col.DataType().String(),
	}
}
